// Package hypercall implements the controller call channel: one VMCALL
// carrying an opcode and a capability key in rax and up to six arguments
// in rcx, rdx, r8, r9, r10 and r11, with the result returned in rax.
package hypercall

import (
	"fmt"

	"github.com/tinyrange/thinhv/internal/hv"
)

const (
	// Key is the default capability key. Calls carrying any other key are
	// indistinguishable from an unsupported instruction.
	Key uint64 = 0x21167

	// Signature is what a ping returns ("rvnt").
	Signature uint64 = 0x72766e74

	// KeyMask bounds a key to the 56 bits above the opcode.
	KeyMask uint64 = 1<<56 - 1
)

// Opcode selects the operation.
type Opcode uint8

const (
	OpPing Opcode = 0x55 + iota
	OpImageBase
	OpHidePage
	OpInstallHook
	OpRemoveHook
	OpCurrentRoot
	OpCopyMemory
)

func (o Opcode) String() string {
	switch o {
	case OpPing:
		return "ping"
	case OpImageBase:
		return "image-base"
	case OpHidePage:
		return "hide-page"
	case OpInstallHook:
		return "install-hook"
	case OpRemoveHook:
		return "remove-hook"
	case OpCurrentRoot:
		return "current-root"
	case OpCopyMemory:
		return "copy-memory"
	default:
		return fmt.Sprintf("Opcode(%#x)", uint8(o))
	}
}

// Input is one decoded call.
type Input struct {
	Opcode Opcode
	Key    uint64
	Args   [6]uint64
}

// Pack encodes in into rax and the argument registers.
func (in Input) Pack() (rax uint64, args [6]uint64) {
	return uint64(in.Opcode) | (in.Key&KeyMask)<<8, in.Args
}

// Unpack decodes the call held in regs.
func Unpack(regs *hv.GuestRegisters) Input {
	return Input{
		Opcode: Opcode(regs.Rax & 0xff),
		Key:    regs.Rax >> 8,
		Args:   [6]uint64{regs.Rcx, regs.Rdx, regs.R8, regs.R9, regs.R10, regs.R11},
	}
}
