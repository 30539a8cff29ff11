package virtio

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetHdr_Size(t *testing.T) {
	assert.EqualValues(t, NetHdrSize, unsafe.Sizeof(NetHdr{}))
}

func TestNetHdr_Encoding(t *testing.T) {
	vnethdr := NetHdr{
		Flags:      NetHdrFlagNeedsCsum,
		GSOType:    NetHdrGSOTCPv4,
		HdrLen:     54,
		GSOSize:    1460,
		CsumStart:  34,
		CsumOffset: 16,
	}

	buf := make([]byte, NetHdrSize)
	require.NoError(t, vnethdr.Encode(buf))

	assert.Equal(t, []byte{
		0x01, 0x01,
		0x36, 0x00,
		0xb4, 0x05,
		0x22, 0x00,
		0x10, 0x00,
	}, buf)

	var decoded NetHdr
	require.NoError(t, decoded.Decode(buf))

	assert.Equal(t, vnethdr, decoded)
}

func TestNetHdr_BufferTooSmall(t *testing.T) {
	var hdr NetHdr
	short := make([]byte, NetHdrSize-1)

	assert.ErrorIs(t, hdr.Encode(short), ErrNetHdrBufferTooSmall)
	assert.ErrorIs(t, hdr.Decode(short), ErrNetHdrBufferTooSmall)
}
