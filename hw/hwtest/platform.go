// Package hwtest provides an in-memory implementation of the hw interfaces
// so the driver core can run against a software device model instead of
// hardware. Guest physical addresses are the real addresses of the backing
// Go allocations, which lets a device model resolve descriptor addresses
// back to memory it can read and write.
package hwtest

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/microvm-io/guestnet/hw"
)

type allocation struct {
	base uintptr
	mem  []byte
}

// Platform implements [hw.Platform] for tests. Port I/O is forwarded to an
// attached device model, interrupts are injected with [Platform.RaiseIRQ]
// and the clock is the process monotonic clock.
type Platform struct {
	mu       sync.Mutex
	start    time.Time
	allocs   []allocation
	ports    hw.PortIO
	handlers map[uint8][]hw.IRQHandler
	masked   bool
	pending  []uint8
	wake     chan struct{}
}

// NewPlatform creates an empty platform. Attach a device model with
// [Platform.AttachPorts] before driving any port I/O through it.
func NewPlatform() *Platform {
	return &Platform{
		start:    time.Now(),
		handlers: make(map[uint8][]hw.IRQHandler),
		wake:     make(chan struct{}, 1),
	}
}

// AttachPorts routes all port I/O to the given device model.
func (p *Platform) AttachPorts(ports hw.PortIO) {
	p.ports = ports
}

// AllocPages returns n zeroed pages. The allocation is padded so the
// reported base is page-aligned, keeping page frame numbers exact.
func (p *Platform) AllocPages(n int) ([]byte, uintptr, error) {
	if n <= 0 {
		return nil, 0, fmt.Errorf("invalid page count %d", n)
	}
	raw := make([]byte, (n+1)*hw.PageSize)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	off := 0
	if rem := int(addr % hw.PageSize); rem != 0 {
		off = hw.PageSize - rem
	}
	mem := raw[off : off+n*hw.PageSize]
	base := addr + uintptr(off)

	p.mu.Lock()
	p.allocs = append(p.allocs, allocation{base: base, mem: mem})
	p.mu.Unlock()

	return mem, base, nil
}

// ResolveMem translates a guest physical range back into the backing
// allocation, for use by device models. It panics when the range was never
// allocated, since that means the driver handed out a bogus address.
func (p *Platform) ResolveMem(addr uintptr, n int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.allocs {
		if addr >= a.base && addr+uintptr(n) <= a.base+uintptr(len(a.mem)) {
			off := int(addr - a.base)
			return a.mem[off : off+n]
		}
	}
	panic(fmt.Sprintf("guest address %#x+%d is not backed by any allocation", addr, n))
}

// RegisterIRQ registers a handler for the given interrupt line.
func (p *Platform) RegisterIRQ(line uint8, handler hw.IRQHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[line] = append(p.handlers[line], handler)
	return nil
}

// RaiseIRQ injects an interrupt on the given line. Handlers run in the
// caller's goroutine, standing in for interrupt context. A pending Block is
// woken regardless of the mask, mirroring a halt that re-enables interrupt
// delivery for its duration.
func (p *Platform) RaiseIRQ(line uint8) {
	p.mu.Lock()
	if p.masked {
		p.pending = append(p.pending, line)
		p.mu.Unlock()
		p.signalWake()
		return
	}
	handlers := append([]hw.IRQHandler(nil), p.handlers[line]...)
	p.mu.Unlock()

	for _, h := range handlers {
		h()
	}
	p.signalWake()
}

// Now returns monotonic time since the platform was created.
func (p *Platform) Now() time.Duration {
	return time.Since(p.start)
}

// Block sleeps until the deadline passes or an interrupt arrives. A wake
// that raced with an earlier Block may cause a spurious early return, which
// callers of the blocking primitive already tolerate by re-checking
// readiness.
func (p *Platform) Block(deadline time.Duration) {
	d := deadline - p.Now()
	if d < 0 {
		d = 0
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.wake:
	case <-t.C:
	}
}

// IntrDisable masks interrupt handler delivery.
func (p *Platform) IntrDisable() {
	p.mu.Lock()
	p.masked = true
	p.mu.Unlock()
}

// IntrEnable unmasks interrupt handler delivery and delivers interrupts
// that were raised while masked.
func (p *Platform) IntrEnable() {
	p.mu.Lock()
	p.masked = false
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, line := range pending {
		p.RaiseIRQ(line)
	}
}

func (p *Platform) signalWake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Port I/O forwarding. Reads with no attached model float high like an
// empty bus.

func (p *Platform) InB(port uint16) uint8 {
	if p.ports == nil {
		return 0xff
	}
	return p.ports.InB(port)
}

func (p *Platform) InW(port uint16) uint16 {
	if p.ports == nil {
		return 0xffff
	}
	return p.ports.InW(port)
}

func (p *Platform) InL(port uint16) uint32 {
	if p.ports == nil {
		return 0xffffffff
	}
	return p.ports.InL(port)
}

func (p *Platform) OutB(port uint16, v uint8) {
	if p.ports != nil {
		p.ports.OutB(port, v)
	}
}

func (p *Platform) OutW(port uint16, v uint16) {
	if p.ports != nil {
		p.ports.OutW(port, v)
	}
}

func (p *Platform) OutL(port uint16, v uint32) {
	if p.ports != nil {
		p.ports.OutL(port, v)
	}
}
