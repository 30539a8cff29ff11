package netdev_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microvm-io/guestnet/hw/hwtest"
	"github.com/microvm-io/guestnet/netdev"
	"github.com/microvm-io/guestnet/test"
	"github.com/microvm-io/guestnet/test/device"
	"github.com/microvm-io/guestnet/virtio"
)

const (
	testPortBase  = 0xc000
	testIRQ       = 10
	testQueueSize = 8
)

var testMAC = [6]byte{0x52, 0x54, 0x00, 0xaa, 0xbb, 0xcc}

// newTestDevice stands up the platform, the device model and the driver.
func newTestDevice(t *testing.T, loopback bool) (*netdev.Device, *device.NetDevice) {
	t.Helper()

	plat := hwtest.NewPlatform()
	model := device.New(plat, device.Config{
		PortBase:  testPortBase,
		IRQ:       testIRQ,
		MAC:       testMAC,
		QueueSize: testQueueSize,
		Loopback:  loopback,
	})

	d, err := netdev.NewDevice(test.NewLogger(), plat, netdev.Config{
		PortBase: testPortBase,
		IRQ:      testIRQ,
	})
	require.NoError(t, err)

	return d, model
}

func TestNewDevice(t *testing.T) {
	d, model := newTestDevice(t, false)

	assert.True(t, d.Configured())
	assert.EqualValues(t, virtio.StatusDriverOK, model.Status())
	assert.Equal(t, uint32(virtio.FeatureNetMAC), model.GuestFeatures(),
		"only the MAC feature may be accepted")
	assert.NotZero(t, model.QueuePFN(0), "receive queue must be registered")
	assert.NotZero(t, model.QueuePFN(1), "transmit queue must be registered")
	assert.Equal(t, testMAC[:], []byte(d.MAC()))
}

func TestNewDevice_MissingMACFeature(t *testing.T) {
	plat := hwtest.NewPlatform()
	hostFeatures := uint32(virtio.FeatureNetStatus)
	model := device.New(plat, device.Config{
		PortBase:     testPortBase,
		IRQ:          testIRQ,
		MAC:          testMAC,
		QueueSize:    testQueueSize,
		HostFeatures: &hostFeatures,
	})

	_, err := netdev.NewDevice(test.NewLogger(), plat, netdev.Config{
		PortBase: testPortBase,
		IRQ:      testIRQ,
	})
	require.ErrorIs(t, err, netdev.ErrDeviceFeatureMissing)
	assert.EqualValues(t, virtio.StatusFailed, model.Status(),
		"a failed negotiation must be reported to the device")
}

func TestNewDevice_InvalidOptions(t *testing.T) {
	plat := hwtest.NewPlatform()
	device.New(plat, device.Config{
		PortBase:  testPortBase,
		IRQ:       testIRQ,
		MAC:       testMAC,
		QueueSize: testQueueSize,
	})

	_, err := netdev.NewDevice(test.NewLogger(), plat, netdev.Config{
		PortBase: testPortBase,
		IRQ:      testIRQ,
	}, netdev.WithPacketBufferLen(virtio.NetHdrSize))
	assert.Error(t, err)
}

func TestXmitPacket(t *testing.T) {
	d, model := newTestDevice(t, false)

	frame := testFrame(0x42, 64)
	require.NoError(t, d.XmitPacket(frame))

	sent := model.Transmitted()
	require.Len(t, sent, 1)
	assert.Equal(t, frame, sent[0])
}

// TestXmitPacket_SustainedLoad transmits far more frames than the ring has
// chains for, which only works if completions are reclaimed along the way.
func TestXmitPacket_SustainedLoad(t *testing.T) {
	d, model := newTestDevice(t, false)

	const count = 5 * testQueueSize
	for i := 0; i < count; i++ {
		require.NoError(t, d.XmitPacket(testFrame(byte(i), 60+i)))
	}

	sent := model.Transmitted()
	require.Len(t, sent, count)
	for i, frame := range sent {
		assert.Equal(t, testFrame(byte(i), 60+i), frame, "frame %d", i)
	}
}

func TestXmitPacket_OversizedPanics(t *testing.T) {
	d, _ := newTestDevice(t, false)

	assert.Panics(t, func() {
		_ = d.XmitPacket(make([]byte, netdev.DefaultPacketBufferLen+1))
	})
}

func TestRecvPktGet_Empty(t *testing.T) {
	d, _ := newTestDevice(t, false)

	assert.False(t, d.PktPoll())
	_, ok := d.RecvPktGet()
	assert.False(t, ok)
}

func TestRecvPktGetPut(t *testing.T) {
	d, model := newTestDevice(t, false)

	frame := testFrame(0x17, 128)
	model.Inject(frame)

	require.True(t, d.PktPoll())
	pkt, ok := d.RecvPktGet()
	require.True(t, ok)
	assert.Equal(t, frame, pkt.Bytes())

	// The borrow is exclusive until returned.
	assert.Panics(t, func() { d.RecvPktGet() })

	pkt.Put()
	assert.False(t, d.PktPoll())
	assert.Panics(t, func() { pkt.Bytes() }, "the view dies with the borrow")
	assert.Panics(t, func() { pkt.Put() })
}

// TestRecv_RingRecycles pushes several times the ring capacity through the
// receive path one packet at a time, proving returned buffers are re-armed.
func TestRecv_RingRecycles(t *testing.T) {
	d, model := newTestDevice(t, false)

	for i := 0; i < 3*testQueueSize; i++ {
		want := testFrame(byte(i), 60)
		model.Inject(want)

		pkt, ok := d.RecvPktGet()
		require.True(t, ok, "packet %d", i)
		assert.Equal(t, want, pkt.Bytes(), "packet %d", i)
		pkt.Put()
	}
	assert.False(t, d.PktPoll())
}

func TestRecv_Ordering(t *testing.T) {
	d, model := newTestDevice(t, false)

	for i := 0; i < 4; i++ {
		model.Inject(testFrame(byte(i), 60))
	}
	for i := 0; i < 4; i++ {
		pkt, ok := d.RecvPktGet()
		require.True(t, ok)
		assert.Equal(t, testFrame(byte(i), 60), pkt.Bytes(),
			"packets must come back in arrival order")
		pkt.Put()
	}
}

func TestLoopback(t *testing.T) {
	d, _ := newTestDevice(t, true)

	frame := testFrame(0x99, 200)
	require.NoError(t, d.XmitPacket(frame))

	require.True(t, d.PktPoll())
	pkt, ok := d.RecvPktGet()
	require.True(t, ok)
	assert.Equal(t, frame, pkt.Bytes())
	pkt.Put()
}

// testFrame builds a recognizable frame of the given length.
func testFrame(seed byte, length int) []byte {
	return bytes.Repeat([]byte{seed}, length)
}
