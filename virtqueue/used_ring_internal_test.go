package virtqueue

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestUsedElement_Size(t *testing.T) {
	assert.EqualValues(t, usedElementSize, unsafe.Sizeof(UsedElement{}))
}

func TestUsedRing_MemoryLayout(t *testing.T) {
	const queueSize = 2

	memory := make([]byte, usedRingSize(queueSize))
	r := newUsedRing(queueSize, memory)

	*r.flags = 0x01ff
	*r.ringIndex = 1
	r.ring[0] = UsedElement{
		DescriptorIndex: 0x0123,
		Length:          0x4567,
	}
	r.ring[1] = UsedElement{
		DescriptorIndex: 0x89ab,
		Length:          0xcdef,
	}

	assert.Equal(t, []byte{
		0xff, 0x01,
		0x01, 0x00,
		0x23, 0x01, 0x00, 0x00,
		0x67, 0x45, 0x00, 0x00,
		0xab, 0x89, 0x00, 0x00,
		0xef, 0xcd, 0x00, 0x00,
		0x00, 0x00,
	}, memory)
}

func TestUsedRing_ElementAt(t *testing.T) {
	const queueSize = 4

	memory := make([]byte, usedRingSize(queueSize))
	r := newUsedRing(queueSize, memory)

	for i := uint16(0); i < queueSize; i++ {
		r.ring[i] = UsedElement{DescriptorIndex: uint32(i) + 1}
	}

	// Indexes wrap at the queue size, including across the 16-bit
	// overflow.
	assert.EqualValues(t, 1, r.elementAt(0).DescriptorIndex)
	assert.EqualValues(t, 4, r.elementAt(3).DescriptorIndex)
	assert.EqualValues(t, 1, r.elementAt(4).DescriptorIndex)
	assert.EqualValues(t, 4, r.elementAt(65535).DescriptorIndex)
}
