package virtio

import (
	"errors"
	"unsafe"
)

// NetHdrSize is the number of bytes needed to store a [NetHdr] in memory.
// This is the legacy layout without the merged-buffer count, since
// [FeatureNetMergeRXBuffers] is never negotiated.
const NetHdrSize = 10

// ErrNetHdrBufferTooSmall is returned when a buffer is too small to fit a
// virtio_net_hdr.
var ErrNetHdrBufferTooSmall = errors.New("the buffer is too small to fit a virtio_net_hdr")

// Flag values for [NetHdr.Flags].
const (
	// NetHdrFlagNeedsCsum indicates that CsumStart and CsumOffset are valid
	// and the device must finish the checksum.
	NetHdrFlagNeedsCsum uint8 = 1

	// NetHdrFlagDataValid indicates that the device already validated the
	// checksum of a received packet.
	NetHdrFlagDataValid uint8 = 2
)

// Values for [NetHdr.GSOType].
const (
	NetHdrGSONone  uint8 = 0
	NetHdrGSOTCPv4 uint8 = 1
	NetHdrGSOUDP   uint8 = 3
	NetHdrGSOTCPv6 uint8 = 4
	NetHdrGSOECN   uint8 = 0x80
)

// NetHdr defines the virtio_net_hdr that prefixes every frame exchanged
// with the device, transmitted and received alike. The device side expects
// exactly this layout with no trailing padding.
type NetHdr struct {
	// Flags that describe the packet, see the NetHdrFlag values.
	Flags uint8
	// GSOType contains the type of segmentation offload that should be used
	// for the packet, see the NetHdrGSO values.
	GSOType uint8
	// HdrLen contains the length of the headers that need to be replicated
	// by segmentation offloads: Ethernet plus IP plus transport header.
	HdrLen uint16
	// GSOSize contains the maximum size of each segmented packet beyond the
	// header. In case of TCP, this is the MSS.
	GSOSize uint16
	// CsumStart contains the offset within the packet from which on the
	// checksum should be computed.
	CsumStart uint16
	// CsumOffset specifies how many bytes after CsumStart the computed
	// 16-bit checksum should be inserted.
	CsumOffset uint16
}

// Decode decodes the [NetHdr] from the given byte slice. The slice must
// contain at least [NetHdrSize] bytes.
func (v *NetHdr) Decode(data []byte) error {
	if len(data) < NetHdrSize {
		return ErrNetHdrBufferTooSmall
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(v)), NetHdrSize), data[:NetHdrSize])
	return nil
}

// Encode encodes the [NetHdr] into the given byte slice. The slice must
// have room for at least [NetHdrSize] bytes.
func (v *NetHdr) Encode(data []byte) error {
	if len(data) < NetHdrSize {
		return ErrNetHdrBufferTooSmall
	}
	copy(data[:NetHdrSize], unsafe.Slice((*byte)(unsafe.Pointer(v)), NetHdrSize))
	return nil
}
