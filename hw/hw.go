// Package hw declares the low-level platform services the guest I/O core
// consumes: port I/O, page-granular physical memory, interrupt registration
// and the cooperative blocking primitive. The package contains interfaces
// only; bare-metal targets provide the real implementations and
// [github.com/microvm-io/guestnet/hw/hwtest] provides an in-memory one for
// tests.
package hw

import "time"

// PageSize is the size of a physical memory page. All ring and buffer
// memory handed to a device is allocated in whole pages of this size.
const PageSize = 4096

// PageShift is the number of address bits covered by a page. Registering
// ring memory with a legacy virtio device uses page frame numbers, which
// are physical addresses shifted right by this amount.
const PageShift = 12

// PortIO reads and writes x86 I/O ports. Virtio legacy devices expose their
// configuration space as a range of ports starting at the BAR0 base.
type PortIO interface {
	InB(port uint16) uint8
	InW(port uint16) uint16
	InL(port uint16) uint32
	OutB(port uint16, v uint8)
	OutW(port uint16, v uint16)
	OutL(port uint16, v uint32)
}

// MemPages allocates zero-initialized, page-aligned physical memory. The
// returned slice aliases the allocated pages and base is their guest
// physical address. Allocations are never freed; the guest is one-shot.
type MemPages interface {
	AllocPages(n int) (mem []byte, base uintptr, err error)
}

// IRQHandler is invoked in interrupt context. It must not touch any ring
// state; its only job is to report whether the interrupt belongs to the
// device it was registered for, so a pending Block can be cut short.
type IRQHandler func() bool

// IRQ registers interrupt handlers with the platform interrupt controller.
type IRQ interface {
	RegisterIRQ(line uint8, handler IRQHandler) error
}

// Clock provides the monotonic clock and the single suspension primitive of
// the guest. There is exactly one execution context, so none of these
// methods are safe for concurrent use from the guest side.
type Clock interface {
	// Now returns monotonic time since boot.
	Now() time.Duration

	// Block suspends the hardware thread until the deadline passes or any
	// interrupt arrives, whichever comes first. Interrupt delivery is
	// enabled for the duration of the wait regardless of the current mask,
	// mirroring a hlt with interrupts re-enabled.
	Block(deadline time.Duration)

	// IntrDisable masks interrupt handler delivery. Interrupts raised while
	// masked are held pending.
	IntrDisable()

	// IntrEnable unmasks interrupt handler delivery and delivers anything
	// held pending.
	IntrEnable()
}

// Platform bundles every service the driver core needs from the machine.
type Platform interface {
	PortIO
	MemPages
	IRQ
	Clock
}
