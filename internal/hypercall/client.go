package hypercall

import (
	"errors"
	"fmt"
)

var (
	ErrNotPresent = errors.New("hypercall: hypervisor not present")
	ErrFailed     = errors.New("hypercall: call failed")
)

// Caller issues a VMCALL from guest context.
type Caller interface {
	Hypercall(rax uint64, args [6]uint64) uint64
}

// Client is the controller side of the channel.
type Client struct {
	c   Caller
	key uint64
}

// NewClient returns a client using key. A zero key selects Key.
func NewClient(c Caller, key uint64) *Client {
	if key == 0 {
		key = Key
	}
	return &Client{c: c, key: key}
}

// Call issues op with args and returns rax.
func (c *Client) Call(op Opcode, args ...uint64) uint64 {
	in := Input{Opcode: op, Key: c.key}
	copy(in.Args[:], args)
	rax, regs := in.Pack()
	return c.c.Hypercall(rax, regs)
}

func (c *Client) check(op Opcode, args ...uint64) error {
	if c.Call(op, args...) != 1 {
		return fmt.Errorf("%w: %v", ErrFailed, op)
	}
	return nil
}

// Ping verifies the hypervisor is running and accepts the key.
func (c *Client) Ping() error {
	if rax := c.Call(OpPing); rax != Signature {
		return fmt.Errorf("%w: ping returned %#x", ErrNotPresent, rax)
	}
	return nil
}

// ImageBase returns the hypervisor's load address.
func (c *Client) ImageBase() uint64 { return c.Call(OpImageBase) }

// CurrentRoot returns the page-table root of the calling address space.
func (c *Client) CurrentRoot() uint64 { return c.Call(OpCurrentRoot) }

// HidePage redirects guest accesses to the physical page to a dummy page.
func (c *Client) HidePage(phys uint64) error { return c.check(OpHidePage, phys) }

// InstallHook makes execute fetches of target's page observe the page at
// reference with size bytes from patch written at target's offset. A
// zero reference uses the page's current contents.
func (c *Client) InstallHook(target, patch, size, reference uint64) error {
	return c.check(OpInstallHook, target, patch, size, reference)
}

// RemoveHook removes the hook covering target's page.
func (c *Client) RemoveHook(target uint64) error { return c.check(OpRemoveHook, target) }

// CopyMemory copies size bytes between two address spaces.
func (c *Client) CopyMemory(srcRoot, src, dstRoot, dst, size uint64) error {
	return c.check(OpCopyMemory, srcRoot, src, dstRoot, dst, size)
}
