package netdev

import "github.com/rcrowley/go-metrics"

type deviceMetrics struct {
	txPackets metrics.Counter
	txBytes   metrics.Counter
	rxPackets metrics.Counter
	rxBytes   metrics.Counter
}

func newDeviceMetrics() deviceMetrics {
	return deviceMetrics{
		txPackets: metrics.GetOrRegisterCounter("netdev.tx.packets", nil),
		txBytes:   metrics.GetOrRegisterCounter("netdev.tx.bytes", nil),
		rxPackets: metrics.GetOrRegisterCounter("netdev.rx.packets", nil),
		rxBytes:   metrics.GetOrRegisterCounter("netdev.rx.bytes", nil),
	}
}
