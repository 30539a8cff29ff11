package virtio

// Feature contains feature bits that describe a virtio device or driver.
// Legacy devices expose only the low 32 bits through their host features
// register.
type Feature uint64

// Feature bits for networking devices.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-2200003
const (
	// FeatureNetDeviceCsum indicates that the device can handle packets with
	// partial checksum (checksum offload).
	FeatureNetDeviceCsum Feature = 1 << 0

	// FeatureNetDriverCsum indicates that the driver can handle packets with
	// partial checksum.
	FeatureNetDriverCsum Feature = 1 << 1

	// FeatureNetMTU indicates that the device reports a maximum MTU value.
	FeatureNetMTU Feature = 1 << 3

	// FeatureNetMAC indicates that the device provides a MAC address in its
	// device-specific configuration space.
	FeatureNetMAC Feature = 1 << 5

	// FeatureNetMergeRXBuffers indicates that the driver can handle merged
	// receive buffers. Never negotiated by this driver: every received
	// packet must fit a single descriptor chain.
	FeatureNetMergeRXBuffers Feature = 1 << 15

	// FeatureNetStatus indicates that the device configuration status field
	// is available.
	FeatureNetStatus Feature = 1 << 16
)

// Has reports whether all bits of want are present in f.
func (f Feature) Has(want Feature) bool {
	return f&want == want
}
