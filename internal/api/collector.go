package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"rovercam/internal/supervisor"
)

var (
	slotsDesc = prometheus.NewDesc(
		"rovercam_slots_total", "Number of camera slots grouped by state.", []string{"state"}, nil,
	)
	noSourcesDesc = prometheus.NewDesc(
		"rovercam_no_sources", "1 when discovery returned no cameras.", nil, nil,
	)
	slotStateDesc = prometheus.NewDesc(
		"rovercam_slot_connected", "Connection state per camera (0=disconnected, 0.5=connecting, 1=connected).", []string{"index", "id", "label"}, nil,
	)
	packetsDesc = prometheus.NewDesc(
		"rovercam_media_packets_total", "RTP packets received per camera.", []string{"index", "id"}, nil,
	)
	bytesDesc = prometheus.NewDesc(
		"rovercam_media_bytes_total", "RTP bytes received per camera.", []string{"index", "id"}, nil,
	)
	notificationDesc = prometheus.NewDesc(
		"rovercam_notification_active", "1 while a status notification is shown.", nil, nil,
	)
)

// SlotCollector exposes the slot table and sink counters at scrape time.
type SlotCollector struct {
	supervisor *supervisor.Supervisor
}

func NewSlotCollector(sup *supervisor.Supervisor) *SlotCollector {
	return &SlotCollector{supervisor: sup}
}

func (c *SlotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- slotsDesc
	ch <- noSourcesDesc
	ch <- slotStateDesc
	ch <- packetsDesc
	ch <- bytesDesc
	ch <- notificationDesc
}

func (c *SlotCollector) Collect(ch chan<- prometheus.Metric) {
	views := c.supervisor.Slots()

	counts := map[supervisor.State]float64{
		supervisor.Disconnected: 0,
		supervisor.Connecting:   0,
		supervisor.Connected:    0,
	}
	for _, v := range views {
		counts[v.State]++

		index := strconv.Itoa(v.Index)
		ch <- prometheus.MustNewConstMetric(slotStateDesc, prometheus.GaugeValue, stateValue(v.State), index, v.ID.String(), v.Label)

		s, ok := c.supervisor.Sink(v.Index)
		if !ok {
			continue
		}
		reporter, ok := s.(StatsReporter)
		if !ok {
			continue
		}
		st := reporter.Stats()
		ch <- prometheus.MustNewConstMetric(packetsDesc, prometheus.CounterValue, float64(st.Packets), index, v.ID.String())
		ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.CounterValue, float64(st.Bytes), index, v.ID.String())
	}
	for st, n := range counts {
		ch <- prometheus.MustNewConstMetric(slotsDesc, prometheus.GaugeValue, n, st.String())
	}

	noSources := 0.0
	if len(views) == 0 {
		noSources = 1
	}
	ch <- prometheus.MustNewConstMetric(noSourcesDesc, prometheus.GaugeValue, noSources)

	active := 0.0
	if _, ok := c.supervisor.Notifier().Current(); ok {
		active = 1
	}
	ch <- prometheus.MustNewConstMetric(notificationDesc, prometheus.GaugeValue, active)
}

func stateValue(s supervisor.State) float64 {
	switch s {
	case supervisor.Connected:
		return 1
	case supervisor.Connecting:
		return 0.5
	default:
		return 0
	}
}
