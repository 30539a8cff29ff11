package virtqueue

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/microvm-io/guestnet/hw"
)

var (
	// ErrDescriptorChainEmpty is returned when a descriptor chain would
	// contain no buffers, which is not allowed.
	ErrDescriptorChainEmpty = errors.New("empty descriptor chains are not allowed")

	// ErrNotEnoughFreeDescriptors is returned when the free descriptors are
	// exhausted, meaning that the queue is full.
	ErrNotEnoughFreeDescriptors = errors.New("not enough free descriptors, queue is full")
)

// SplitQueue is a virtqueue that consists of several parts, where each part
// is writeable by either the driver or the device, but not both. The whole
// queue occupies one contiguous page-backed memory region in the layout the
// legacy PCI transport expects, so registering it with the device takes a
// single page frame number.
//
// Each descriptor slot is backed by a fixed-capacity buffer which is set up
// once and recycled in place. Chains always cover consecutive slots, so the
// free-capacity bookkeeping is a plain counter instead of a free list; the
// two call sites of this driver (single-descriptor receive chains,
// header+payload transmit chains) never need more.
type SplitQueue struct {
	// size is the size of the queue.
	size int
	// buf is the underlying memory used for the queue structures.
	buf []byte
	// base is the guest physical address of buf.
	base uintptr

	descriptors   []Descriptor
	availableRing *AvailableRing
	usedRing      *UsedRing

	// bufMem backs the per-slot buffers, bufLen bytes each.
	bufMem  []byte
	bufBase uintptr
	bufLen  int

	// nextAvail is the next free descriptor slot, monotonically increasing.
	// Slot addressing is nextAvail modulo size.
	nextAvail uint16
	// numAvail counts the descriptor slots not currently owned by the
	// device. Always within [0, size].
	numAvail uint16
	// lastUsed is the index into the used ring up to which the driver has
	// consumed device completions.
	lastUsed uint16

	// chainLen records, per head slot, how many descriptors the chain
	// published there covers, so completions can return the right capacity.
	chainLen []uint16
}

// NewSplitQueue allocates a new [SplitQueue] in guest memory obtained from
// the given allocator. The queue size specifies the number of
// entries/buffers the queue can hold; bufferLen is the fixed capacity of
// the buffer backing each descriptor slot.
func NewSplitQueue(alloc hw.MemPages, queueSize int, bufferLen int) (*SplitQueue, error) {
	if err := CheckQueueSize(queueSize); err != nil {
		return nil, err
	}
	if bufferLen <= 0 {
		return nil, errors.New("buffer length must be positive")
	}

	sq := SplitQueue{
		size:     queueSize,
		bufLen:   bufferLen,
		chainLen: make([]uint16, queueSize),
	}

	// The legacy layout packs all three queue parts into one region: the
	// descriptor table at the start (page alignment covers its 16-byte
	// requirement), the available ring directly after it, and the used ring
	// on the next page boundary.
	descriptorTableStart := 0
	descriptorTableEnd := descriptorTableStart + descriptorSize*queueSize
	availableRingStart := align(descriptorTableEnd, availableRingAlignment)
	availableRingEnd := availableRingStart + availableRingSize(queueSize)
	usedRingStart := align(availableRingEnd, hw.PageSize)
	usedRingEnd := usedRingStart + usedRingSize(queueSize)

	var err error
	sq.buf, sq.base, err = alloc.AllocPages(pages(usedRingEnd))
	if err != nil {
		return nil, fmt.Errorf("allocate virtqueue memory: %w", err)
	}

	sq.descriptors = unsafe.Slice(
		(*Descriptor)(unsafe.Pointer(&sq.buf[descriptorTableStart])), queueSize)
	sq.availableRing = newAvailableRing(queueSize, sq.buf[availableRingStart:availableRingEnd])
	sq.usedRing = newUsedRing(queueSize, sq.buf[usedRingStart:usedRingEnd])

	sq.bufMem, sq.bufBase, err = alloc.AllocPages(pages(queueSize * bufferLen))
	if err != nil {
		return nil, fmt.Errorf("allocate descriptor buffers: %w", err)
	}

	// Pair every slot with its buffer once. Addresses never change again;
	// only lengths and flags do.
	for i := range sq.descriptors {
		sq.descriptors[i] = Descriptor{
			address: uint64(sq.bufBase) + uint64(i*bufferLen),
		}
	}

	sq.numAvail = uint16(queueSize)

	return &sq, nil
}

// Size returns the size of this queue, which is the number of
// entries/buffers this queue can hold.
func (sq *SplitQueue) Size() int {
	return sq.size
}

// Address returns the guest physical address of the queue memory region.
func (sq *SplitQueue) Address() uintptr {
	return sq.base
}

// PFN returns the page frame number of the queue memory region, which is
// what the legacy queue address register expects.
func (sq *SplitQueue) PFN() uint32 {
	return uint32(sq.base >> hw.PageShift)
}

// BufferLen returns the fixed capacity of each slot buffer.
func (sq *SplitQueue) BufferLen() int {
	return sq.bufLen
}

// Buffer returns the full-capacity buffer backing the given descriptor
// slot. The driver may only touch it while the slot is not owned by the
// device.
func (sq *SplitQueue) Buffer(slot uint16) []byte {
	i := int(slot) % sq.size
	return sq.bufMem[i*sq.bufLen : (i+1)*sq.bufLen]
}

// SetSlot prepares the descriptor at the given slot for the next chain:
// length is the number of bytes the device may touch and deviceWritable
// selects the transfer direction. Chain linkage is established later by
// [SplitQueue.AddChain].
func (sq *SplitQueue) SetSlot(slot uint16, length int, deviceWritable bool) {
	if length < 0 || length > sq.bufLen {
		panic(fmt.Sprintf("slot length %d outside buffer capacity %d", length, sq.bufLen))
	}
	desc := &sq.descriptors[int(slot)%sq.size]
	desc.length = uint32(length)
	if deviceWritable {
		desc.flags = descriptorFlagWritable
	} else {
		desc.flags = 0
	}
}

// NextAvail returns the slot index the next chain will start at.
func (sq *SplitQueue) NextAvail() uint16 {
	return sq.nextAvail % uint16(sq.size)
}

// NumAvail returns the number of descriptor slots not currently owned by
// the device.
func (sq *SplitQueue) NumAvail() int {
	return int(sq.numAvail)
}

// AddChain links chainLen consecutive pre-populated slots starting at start
// into one descriptor chain and publishes it on the available ring. The
// required memory fence is issued before the device can observe the new
// ring index. When the queue does not have chainLen free slots, the chain
// is not published at all and [ErrNotEnoughFreeDescriptors] is returned.
func (sq *SplitQueue) AddChain(start uint16, chainLen uint16) error {
	if chainLen == 0 {
		return ErrDescriptorChainEmpty
	}
	if chainLen > sq.numAvail {
		return ErrNotEnoughFreeDescriptors
	}

	mask := uint16(sq.size) - 1
	head := start & mask
	for i := uint16(0); i < chainLen; i++ {
		desc := &sq.descriptors[(start+i)&mask]
		if i < chainLen-1 {
			desc.flags |= descriptorFlagHasNext
			desc.next = (start + i + 1) & mask
		} else {
			desc.flags &^= descriptorFlagHasNext
			desc.next = 0
		}
	}
	sq.chainLen[head] = chainLen

	// offer fences between the entry store and the index store.
	sq.availableRing.offer(head)

	sq.nextAvail += chainLen
	sq.numAvail -= chainLen

	return nil
}

// Poll reports whether the device has published used elements the driver
// has not consumed yet. It is a single index comparison.
func (sq *SplitQueue) Poll() bool {
	return sq.lastUsed != sq.usedRing.deviceIndex()
}

// PeekUsed returns the oldest unconsumed used element without consuming it.
// The second return value is false when the device has published nothing
// new.
func (sq *SplitQueue) PeekUsed() (UsedElement, bool) {
	if !sq.Poll() {
		return UsedElement{}, false
	}
	return sq.usedRing.elementAt(sq.lastUsed), true
}

// ConsumeUsed consumes exactly one used element, returning its descriptor
// capacity to the queue. It must only be called after [SplitQueue.PeekUsed]
// reported an element; calling it with nothing pending is a driver bug.
func (sq *SplitQueue) ConsumeUsed() UsedElement {
	elem, ok := sq.PeekUsed()
	if !ok {
		panic("consume on an empty used ring")
	}
	sq.reclaim(elem)
	sq.lastUsed++
	return elem
}

// ReclaimUsed consumes every used element the device has published since
// the last reclaim, returning the descriptor capacity of each chain to the
// queue. It reports the number of chains reclaimed. This and
// [SplitQueue.ConsumeUsed] are the only paths that return capacity, so one
// of them must run before new chains are added at a full queue.
func (sq *SplitQueue) ReclaimUsed() int {
	reclaimed := 0
	for sq.Poll() {
		sq.reclaim(sq.usedRing.elementAt(sq.lastUsed))
		sq.lastUsed++
		reclaimed++
	}
	return reclaimed
}

func (sq *SplitQueue) reclaim(elem UsedElement) {
	chainLen := sq.chainLen[int(elem.Head())%sq.size]
	if chainLen == 0 {
		panic(fmt.Sprintf("device returned slot %d which heads no published chain", elem.Head()))
	}
	if int(sq.numAvail)+int(chainLen) > sq.size {
		panic("descriptor accounting out of sync: more capacity reclaimed than the queue holds")
	}
	sq.numAvail += chainLen
}

// SetNoInterrupt advises the device whether it may suppress interrupts when
// consuming chains from this queue. This controls wake-up timing only; it
// plays no role in protecting ring state.
func (sq *SplitQueue) SetNoInterrupt(suppress bool) {
	sq.availableRing.setNoInterrupt(suppress)
}

// publishFence orders the descriptor and ring entry stores before the
// available index store that hands them over to the device. The atomic
// read-modify-write compiles to a full barrier on the targets we care
// about.
var fenceCell uint32

func publishFence() {
	atomic.AddUint32(&fenceCell, 0)
}

// pages returns the number of whole pages needed to hold n bytes.
func pages(n int) int {
	return (n + hw.PageSize - 1) / hw.PageSize
}

func align(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
