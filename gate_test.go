package guestnet_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/microvm-io/guestnet"
	"github.com/microvm-io/guestnet/hw/hwtest"
	"github.com/microvm-io/guestnet/manifest"
	"github.com/microvm-io/guestnet/netdev"
	"github.com/microvm-io/guestnet/test"
	"github.com/microvm-io/guestnet/test/device"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testPortBase  = 0xc000
	testIRQ       = 10
	testQueueSize = 8
)

var testMAC = [6]byte{0x52, 0x54, 0x00, 0x01, 0x02, 0x03}

const testManifest = `{
	"type": "guestnet.manifest",
	"version": 1,
	"devices": [
		{ "name": "net0", "type": "NET_BASIC" },
		{ "name": "storage", "type": "BLOCK_BASIC" }
	]
}`

type testRig struct {
	plat  *hwtest.Platform
	model *device.NetDevice
	gate  *guestnet.Gate
}

func newTestRig(t *testing.T, loopback bool) *testRig {
	t.Helper()

	plat := hwtest.NewPlatform()
	model := device.New(plat, device.Config{
		PortBase:  testPortBase,
		IRQ:       testIRQ,
		MAC:       testMAC,
		QueueSize: testQueueSize,
		Loopback:  loopback,
	})

	l := test.NewLogger()
	dev, err := netdev.NewDevice(l, plat, netdev.Config{
		PortBase: testPortBase,
		IRQ:      testIRQ,
	})
	require.NoError(t, err)

	mft, err := manifest.FromJSON(strings.NewReader(testManifest))
	require.NoError(t, err)

	return &testRig{
		plat:  plat,
		model: model,
		gate:  guestnet.NewGate(l, plat, mft, dev),
	}
}

func TestAcquireNet(t *testing.T) {
	rig := newTestRig(t, false)

	h, info, err := rig.gate.AcquireNet("net0")
	require.NoError(t, err)
	assert.EqualValues(t, 1, h, "the handle is the manifest entry index")
	assert.Equal(t, testMAC[:], []byte(info.MAC))
	assert.Equal(t, guestnet.NetMTU, info.MTU)

	// A second acquisition must be refused, whatever the name.
	_, _, err = rig.gate.AcquireNet("net0")
	assert.ErrorIs(t, err, guestnet.ErrUnspec)
}

func TestAcquireNet_BadName(t *testing.T) {
	tests := []struct {
		name       string
		deviceName string
	}{
		{"unknown name", "net1"},
		{"block entry", "storage"},
		{"empty name", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t, false)

			_, _, err := rig.gate.AcquireNet(tt.deviceName)
			require.ErrorIs(t, err, guestnet.ErrInvalid)

			// A refused name must not burn the one acquisition.
			_, _, err = rig.gate.AcquireNet("net0")
			assert.NoError(t, err)
		})
	}
}

func TestNetReadWrite_HandleChecks(t *testing.T) {
	rig := newTestRig(t, false)
	buf := make([]byte, netdev.DefaultPacketBufferLen)

	// Nothing works before acquisition.
	_, err := rig.gate.NetRead(0, buf)
	assert.ErrorIs(t, err, guestnet.ErrInvalid)
	assert.ErrorIs(t, rig.gate.NetWrite(0, buf[:60]), guestnet.ErrInvalid)

	h, _, err := rig.gate.AcquireNet("net0")
	require.NoError(t, err)

	_, err = rig.gate.NetRead(h+1, buf)
	assert.ErrorIs(t, err, guestnet.ErrInvalid)
	assert.ErrorIs(t, rig.gate.NetWrite(h+1, buf[:60]), guestnet.ErrInvalid)
}

func TestNetRead_Empty(t *testing.T) {
	rig := newTestRig(t, false)
	h, _, err := rig.gate.AcquireNet("net0")
	require.NoError(t, err)

	_, err = rig.gate.NetRead(h, make([]byte, netdev.DefaultPacketBufferLen))
	assert.ErrorIs(t, err, guestnet.ErrAgain)
}

func TestNetRead_ShortBufferPanics(t *testing.T) {
	rig := newTestRig(t, false)
	h, _, err := rig.gate.AcquireNet("net0")
	require.NoError(t, err)

	rig.model.Inject(make([]byte, 100))
	assert.Panics(t, func() {
		_, _ = rig.gate.NetRead(h, make([]byte, 10))
	})
}

func TestLoopbackRoundTrip(t *testing.T) {
	rig := newTestRig(t, true)
	h, info, err := rig.gate.AcquireNet("net0")
	require.NoError(t, err)

	frame := buildEthernetFrame(t, info)
	require.NoError(t, rig.gate.NetWrite(h, frame))

	buf := make([]byte, netdev.DefaultPacketBufferLen)
	n, err := rig.gate.NetRead(h, buf)
	require.NoError(t, err)
	assert.Equal(t, frame, buf[:n])

	// One frame in, one frame out.
	_, err = rig.gate.NetRead(h, buf)
	assert.ErrorIs(t, err, guestnet.ErrAgain)
}

func TestYield_DeadlinePasses(t *testing.T) {
	rig := newTestRig(t, false)
	_, _, err := rig.gate.AcquireNet("net0")
	require.NoError(t, err)

	ready, set := rig.gate.Yield(rig.plat.Now() + 10*time.Millisecond)
	assert.False(t, ready)
	assert.Zero(t, set)
}

func TestYield_PacketAlreadyPending(t *testing.T) {
	rig := newTestRig(t, false)
	h, _, err := rig.gate.AcquireNet("net0")
	require.NoError(t, err)

	rig.model.Inject(make([]byte, 60))

	start := time.Now()
	ready, set := rig.gate.Yield(rig.plat.Now() + 10*time.Second)
	assert.True(t, ready)
	assert.True(t, set.Has(h))
	assert.Less(t, time.Since(start), time.Second,
		"a pending packet must satisfy the yield without blocking")
}

func TestYield_WokenByInterrupt(t *testing.T) {
	rig := newTestRig(t, false)
	h, _, err := rig.gate.AcquireNet("net0")
	require.NoError(t, err)

	var eg errgroup.Group
	eg.Go(func() error {
		time.Sleep(20 * time.Millisecond)
		rig.model.Inject(make([]byte, 60))
		return nil
	})

	start := time.Now()
	ready, set := rig.gate.Yield(rig.plat.Now() + 10*time.Second)
	require.NoError(t, eg.Wait())

	assert.True(t, ready)
	assert.True(t, set.Has(h))
	assert.Less(t, time.Since(start), time.Second,
		"the interrupt must cut the block short well before the deadline")
}

func TestYield_Unacquired(t *testing.T) {
	rig := newTestRig(t, false)

	rig.model.Inject(make([]byte, 60))
	ready, set := rig.gate.Yield(rig.plat.Now() + 10*time.Millisecond)
	assert.False(t, ready, "without an acquired device nothing can become ready")
	assert.Zero(t, set)
}

// buildEthernetFrame serializes a small broadcast frame from the acquired
// device's address.
func buildEthernetFrame(t *testing.T, info guestnet.NetInfo) []byte {
	t.Helper()

	eth := layers.Ethernet{
		SrcMAC:       info.MAC,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeIPv4,
	}
	payload := gopacket.Payload([]byte("guestnet loopback probe"))

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, &eth, payload))
	return buf.Bytes()
}
