// Package virtqueue implements the driver side of a legacy split virtqueue
// as described in the specification:
// https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-270006
// The queue lives in page-backed guest memory in the legacy contiguous
// layout (descriptor table, available ring, page-aligned used ring) so that
// a single page frame number registers it with the device.
//
// Descriptors are paired one-to-one with fixed-capacity buffers that are
// recycled in place and never freed. The driver is the only writer of the
// descriptor table and the available ring; the device is the only writer of
// the used ring and of buffer contents for device-writable chains. All
// bookkeeping reduces to three cursors (next available slot, free slot
// count, last consumed used entry), which is all the two fixed call sites
// of this driver need.
package virtqueue
