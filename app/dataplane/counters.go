package dataplane

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// PortCounters accumulates per-port packet accounting across all threads.
type PortCounters struct {
	Recv    atomic.Uint64
	Sent    atomic.Uint64
	SwDrop  atomic.Uint64
	RxDrop  atomic.Uint64
	TxDrop  atomic.Uint64
	Invalid atomic.Uint64
}

type countersCollector struct {
	dp *DataPlane

	recv    *prometheus.Desc
	sent    *prometheus.Desc
	swDrop  *prometheus.Desc
	rxDrop  *prometheus.Desc
	txDrop  *prometheus.Desc
	invalid *prometheus.Desc
}

func newCountersCollector(dp *DataPlane) *countersCollector {
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("nba_port_"+name, help, []string{"port"}, nil)
	}
	return &countersCollector{
		dp:      dp,
		recv:    mk("recv_packets_total", "packets received"),
		sent:    mk("sent_packets_total", "packets transmitted"),
		swDrop:  mk("sw_drop_packets_total", "packets dropped by software queues"),
		rxDrop:  mk("rx_drop_packets_total", "packets dropped by the NIC on receive"),
		txDrop:  mk("tx_drop_packets_total", "packets dropped on transmit"),
		invalid: mk("invalid_packets_total", "malformed or unroutable packets"),
	}
}

// Describe implements prometheus.Collector.
func (cc *countersCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cc.recv
	ch <- cc.sent
	ch <- cc.swDrop
	ch <- cc.rxDrop
	ch <- cc.txDrop
	ch <- cc.invalid
}

// Collect implements prometheus.Collector.
func (cc *countersCollector) Collect(ch chan<- prometheus.Metric) {
	emit := func(desc *prometheus.Desc, v uint64, port string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), port)
	}
	for i := range cc.dp.counters {
		c := &cc.dp.counters[i]
		port := portLabel(i)
		emit(cc.recv, c.Recv.Load(), port)
		emit(cc.sent, c.Sent.Load(), port)
		emit(cc.swDrop, c.SwDrop.Load(), port)
		emit(cc.rxDrop, c.RxDrop.Load(), port)
		emit(cc.txDrop, c.TxDrop.Load(), port)
		emit(cc.invalid, c.Invalid.Load(), port)
	}
}

func portLabel(i int) string {
	return strconv.Itoa(i)
}
