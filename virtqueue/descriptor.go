package virtqueue

// descriptorFlag is a flag that describes a [Descriptor].
type descriptorFlag uint16

const (
	// descriptorFlagHasNext marks a descriptor chain as continuing via the
	// next field.
	descriptorFlagHasNext descriptorFlag = 1 << iota
	// descriptorFlagWritable marks a buffer as device write-only (otherwise
	// device read-only).
	descriptorFlagWritable
)

// descriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const descriptorSize = 16

// descriptorAlignment is the minimum alignment of the descriptor table in
// memory, as required by the virtio spec.
const descriptorAlignment = 16

// Descriptor describes one slot of the ring: a buffer which is either
// read-only for the device or write-only for the device (depending on
// [descriptorFlagWritable]). Multiple consecutive slots can be linked into a
// "descriptor chain" carrying one logical buffer, such as a header followed
// by a payload. Device-readable descriptors always come first in a chain.
type Descriptor struct {
	// address is the guest physical address of the buffer backing this
	// descriptor. It is set once when the queue is created and never
	// changes; buffers are recycled in place.
	address uint64
	// length is the number of bytes the device may read from (or write to,
	// for device-writable slots) the buffer.
	length uint32
	// flags that describe this descriptor.
	flags descriptorFlag
	// next contains the index of the next descriptor continuing this
	// descriptor chain when the [descriptorFlagHasNext] flag is set.
	next uint16
}
