package virtio

// Register offsets into the legacy virtio PCI configuration space, relative
// to the I/O port base of the device. Widths follow the legacy interface:
// features and PFN are 32-bit, queue size/select/notify are 16-bit, status
// and ISR are single bytes.
const (
	// RegHostFeatures is the feature bitmap offered by the device.
	RegHostFeatures = 0

	// RegGuestFeatures receives the feature subset accepted by the driver.
	RegGuestFeatures = 4

	// RegQueuePFN receives the page frame number of the currently selected
	// queue's ring memory. Reading back zero means the queue is unused.
	RegQueuePFN = 8

	// RegQueueSize reports the ring size chosen by the device for the
	// currently selected queue.
	RegQueueSize = 12

	// RegQueueSelect selects the queue addressed by the queue registers.
	RegQueueSelect = 14

	// RegQueueNotify is written with a queue index to notify the device of
	// new available buffers.
	RegQueueNotify = 16

	// RegStatus is the device status byte, see [Status].
	RegStatus = 18

	// RegISR is the interrupt status byte. Reading it acknowledges and
	// clears the interrupt.
	RegISR = 19

	// RegDeviceConfig is the start of the device-specific configuration
	// space. For network devices the first six bytes hold the MAC address
	// when [FeatureNetMAC] is offered.
	RegDeviceConfig = 20
)

// ISRHasInterrupt is set in the ISR byte when the device has a pending
// queue interrupt for the driver.
const ISRHasInterrupt = 0x1
