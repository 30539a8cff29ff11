package netdev

import (
	"fmt"

	"github.com/microvm-io/guestnet/virtio"
)

// DefaultPacketBufferLen is the default capacity of each ring slot buffer:
// room for a maximum-size Ethernet frame plus the virtio net header.
const DefaultPacketBufferLen = 1526

type optionValues struct {
	bufferLen int
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.bufferLen <= virtio.NetHdrSize {
		return fmt.Errorf("packet buffer length %d cannot even hold the net header", o.bufferLen)
	}
	return nil
}

var optionDefaults = optionValues{
	bufferLen: DefaultPacketBufferLen,
}

// Option can be passed to [NewDevice] to influence device creation.
type Option func(*optionValues)

// WithPacketBufferLen returns an [Option] that sets the fixed capacity of
// the buffer paired with each ring slot. It bounds the largest frame the
// driver can send or receive and directly scales the memory used per ring
// entry.
func WithPacketBufferLen(length int) Option {
	return func(o *optionValues) { o.bufferLen = length }
}
