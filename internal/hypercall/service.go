package hypercall

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/thinhv/internal/ept"
	"github.com/tinyrange/thinhv/internal/hv"
	"github.com/tinyrange/thinhv/internal/mm"
	"github.com/tinyrange/thinhv/internal/vmx"
)

// Context is the VM exit a call is serviced in.
type Context interface {
	Processor() hv.Processor
	Registers() *hv.GuestRegisters
}

// Config configures a Service.
type Config struct {
	Key       uint64
	ImageBase uint64
	Logger    *slog.Logger
}

// Service executes hypercalls against the shared EPT engine and the
// translator.
type Service struct {
	key       uint64
	imageBase uint64
	log       *slog.Logger

	ept    *ept.Engine
	tr     *mm.Translator
	pinner hv.Pinner
}

// New returns a service. A zero key selects Key.
func New(cfg Config, engine *ept.Engine, tr *mm.Translator, pinner hv.Pinner) *Service {
	if cfg.Key == 0 {
		cfg.Key = Key
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		key:       cfg.Key & KeyMask,
		imageBase: cfg.ImageBase,
		log:       cfg.Logger,
		ept:       engine,
		tr:        tr,
		pinner:    pinner,
	}
}

// Handle services the VMCALL in ctx. A call with the wrong key or an
// unknown opcode raises #UD and changes nothing; every other call stores
// its result in rax and completes the instruction. Handle reports whether
// the call was accepted.
func (s *Service) Handle(ctx Context) bool {
	p := ctx.Processor()
	regs := ctx.Registers()
	in := Unpack(regs)

	if in.Key != s.key {
		vmx.InjectException(p, hv.VectorInvalidOpcode)
		return false
	}

	var result uint64
	switch in.Opcode {
	case OpPing:
		result = Signature
	case OpImageBase:
		result = s.imageBase
	case OpHidePage:
		result = s.hidePage(p, in.Args[0])
	case OpInstallHook:
		result = s.installHook(p, in.Args)
	case OpRemoveHook:
		result = s.removeHook(p, in.Args[0])
	case OpCurrentRoot:
		result = p.VMRead(vmx.FieldGuestCR3)
	case OpCopyMemory:
		result = s.copyMemory(p, in.Args)
	default:
		vmx.InjectException(p, hv.VectorInvalidOpcode)
		return false
	}

	regs.Rax = result
	vmx.SkipInstruction(p)
	return true
}

func status(ok bool) uint64 {
	if ok {
		return 1
	}
	return 0
}

func (s *Service) hidePage(p hv.Processor, phys uint64) uint64 {
	if err := s.ept.HidePage(phys); err != nil {
		s.log.Debug("hypercall: hide page failed", "phys", fmt.Sprintf("%#x", phys), "err", err)
		return 0
	}
	s.ept.Invalidate(p)
	return 1
}

// installHook takes rcx = target, rdx = patch bytes, r8 = patch size and
// r9 = reference page, all guest linear addresses in the current address
// space. A zero reference starts the shadow page from the target page's
// current contents.
func (s *Service) installHook(p hv.Processor, args [6]uint64) uint64 {
	target, patchAddr, patchSize, refAddr := args[0], args[1], args[2], args[3]
	root := p.VMRead(vmx.FieldGuestCR3)

	if patchSize > hv.PageSize {
		return 0
	}
	patch := make([]byte, patchSize)
	if err := s.tr.ReadVirtual(p, root, patchAddr, patch); err != nil {
		s.log.Debug("hypercall: read patch failed", "err", err)
		return 0
	}
	if refAddr == 0 {
		refAddr = hv.PageAlign(target)
	}
	reference := make([]byte, hv.PageSize)
	if err := s.tr.ReadVirtual(p, root, hv.PageAlign(refAddr), reference); err != nil {
		s.log.Debug("hypercall: read reference failed", "err", err)
		return 0
	}

	phys, err := s.tr.Translate(p, mm.KindSource, root, target)
	if err != nil {
		return 0
	}
	pin, err := s.pinner.Pin(phys)
	if err != nil {
		s.log.Debug("hypercall: pin failed", "phys", fmt.Sprintf("%#x", phys), "err", err)
		return 0
	}

	merged, err := s.ept.InstallHook(p, ept.HookRequest{
		Root:      root,
		Virtual:   target,
		Patch:     patch,
		Reference: reference,
		Pin:       pin,
	})
	if err != nil || merged {
		pin.Release()
	}
	if err != nil {
		s.log.Debug("hypercall: install hook failed", "target", fmt.Sprintf("%#x", target), "err", err)
		return 0
	}
	s.ept.Invalidate(p)
	return 1
}

func (s *Service) removeHook(p hv.Processor, target uint64) uint64 {
	pin, err := s.ept.RemoveHook(target)
	if err != nil {
		return 0
	}
	if pin != nil {
		pin.Release()
	}
	s.ept.Invalidate(p)
	return 1
}

// copyMemory takes rcx = source root, rdx = source, r8 = destination
// root, r9 = destination and r10 = size.
func (s *Service) copyMemory(p hv.Processor, args [6]uint64) uint64 {
	err := s.tr.CopyMemory(p, args[0], args[1], args[2], args[3], args[4])
	if err != nil {
		s.log.Debug("hypercall: copy failed", "err", err)
	}
	return status(err == nil)
}
