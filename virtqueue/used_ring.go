package virtqueue

import (
	"fmt"
	"unsafe"
)

// usedRingFlag is a flag that describes a [UsedRing].
type usedRingFlag uint16

const (
	// usedRingFlagNoNotify is used by the device to advise the driver to
	// not kick it when adding a buffer. It's unreliable, so it's simply an
	// optimization.
	usedRingFlagNoNotify usedRingFlag = 1 << iota
)

// usedRingSize is the number of bytes needed to store a [UsedRing] with the
// given queue size in memory.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// usedRingAlignment is the minimum alignment of a [UsedRing] in memory, as
// required by the virtio spec.
const usedRingAlignment = 4

// UsedRing is where the device returns descriptor chains once it is done
// with them. Each ring entry is a [UsedElement]. It is only written to by
// the device and read by the driver.
//
// Because the size of the ring depends on the queue size, we cannot define
// a Go struct with a static size that maps to the memory of the ring.
// Instead, this struct only contains pointers to the corresponding memory
// areas.
type UsedRing struct {
	initialized bool

	// flags that describe this ring.
	flags *usedRingFlag
	// ringIndex indicates where the device would put the next entry into
	// the ring (modulo the queue size). Only the device writes it.
	ringIndex *uint16
	// ring contains the [UsedElement]s. It wraps around at queue size.
	ring []UsedElement
	// availableEvent is not used by this implementation, but we reserve it
	// anyway to avoid issues in case a device may try to write to it,
	// contrary to the virtio specification.
	availableEvent *uint16
}

// newUsedRing creates a used ring that uses the given underlying memory.
// The length of the memory slice must match the size needed for the ring
// (see [usedRingSize]) for the given queue size.
func newUsedRing(queueSize int, mem []byte) *UsedRing {
	ringSize := usedRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize))
	}

	return &UsedRing{
		initialized:    true,
		flags:          (*usedRingFlag)(unsafe.Pointer(&mem[0])),
		ringIndex:      (*uint16)(unsafe.Pointer(&mem[2])),
		ring:           unsafe.Slice((*UsedElement)(unsafe.Pointer(&mem[4])), queueSize),
		availableEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
}

// Address returns the pointer to the beginning of the ring in memory.
// Do not modify the memory directly to not interfere with this
// implementation.
func (r *UsedRing) Address() uintptr {
	if !r.initialized {
		panic("used ring is not initialized")
	}
	return uintptr(unsafe.Pointer(r.flags))
}

// deviceIndex returns the ring index as most recently published by the
// device.
func (r *UsedRing) deviceIndex() uint16 {
	return *r.ringIndex
}

// elementAt returns the used element that the device published at the given
// ring index (modulo the queue size).
func (r *UsedRing) elementAt(index uint16) UsedElement {
	return r.ring[index%uint16(len(r.ring))]
}
