package storagefacility

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks the Storage Facility's live entry and metadata-only
// gauges, following core/system_health_logging.go's registry-construction
// pattern.
type Metrics struct {
	store        *Store
	entries      prometheus.Gauge
	metaOnDisk   prometheus.Gauge
}

// NewMetrics registers the Storage Facility gauges into registerer.
func NewMetrics(store *Store, registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		store: store,
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pep_sf_entries",
			Help: "Number of live Storage Facility cell entries.",
		}),
		metaOnDisk: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pep_sf_meta_on_disk",
			Help: "Number of live Storage Facility entries reduced to metadata-only.",
		}),
	}
	for _, c := range []prometheus.Collector{m.entries, m.metaOnDisk} {
		if err := registerer.Register(c); err != nil {
			return nil, fmt.Errorf("storagefacility: register metric: %w", err)
		}
	}
	return m, nil
}

// Refresh re-samples the gauges from the store's current state. Callers
// invoke this on a ticker or after state-changing operations.
func (m *Metrics) Refresh() error {
	entries, err := m.store.EntryCount()
	if err != nil {
		return err
	}
	metaOnly, err := m.store.MetaOnlyCount()
	if err != nil {
		return err
	}
	m.entries.Set(float64(entries))
	m.metaOnDisk.Set(float64(metaOnly))
	return nil
}
