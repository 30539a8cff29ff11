package virtio

// Status is the device status byte used during the initialization handshake.
// The driver walks the device through the status values in order; writing
// zero resets the device.
type Status uint8

const (
	// StatusReset resets the device when written.
	StatusReset Status = 0

	// StatusAcknowledge indicates that the guest has noticed the device.
	StatusAcknowledge Status = 1

	// StatusDriver indicates that the guest knows how to drive the device.
	StatusDriver Status = 2

	// StatusDriverOK indicates that the driver is set up and the device is
	// live.
	StatusDriverOK Status = 4

	// StatusFailed indicates that the guest has given up on the device.
	StatusFailed Status = 128
)
