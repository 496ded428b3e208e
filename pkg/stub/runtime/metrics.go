package runtime

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fixturelab/stub_server/pkg/metrics"
	stubcallback "github.com/fixturelab/stub_server/pkg/stub/callback"
	"github.com/fixturelab/stub_server/pkg/stub/events"
	"github.com/fixturelab/stub_server/pkg/stub/fixture"
	"github.com/fixturelab/stub_server/pkg/stub/recorder"
)

// storeObserver fans committed fixture changes out to the event hub and the
// metrics registry. It is registered as the store's notify hook, so it runs
// synchronously after each commit.
type storeObserver struct {
	hub    *events.Hub
	cycles *prometheus.CounterVec
}

func newStoreObserver(registry *metrics.Registry, hub *events.Hub) *storeObserver {
	obs := &storeObserver{hub: hub}
	if registry != nil {
		obs.cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stubd_fixture_cycles_total",
			Help: "Committed fixture document cycles by operation.",
		}, []string{"op"})
		registry.Register(obs.cycles)
	}
	return obs
}

func (o *storeObserver) observe(change fixture.Change) {
	if o.cycles != nil {
		o.cycles.WithLabelValues(string(change.Op)).Inc()
	}
	if o.hub != nil {
		o.hub.Publish(change)
	}
}

// registerComponentGauges exposes live component counters through the registry.
func registerComponentGauges(registry *metrics.Registry, hub *events.Hub, journal *recorder.Journal, dispatcher *stubcallback.Dispatcher) {
	if registry == nil {
		return
	}

	registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stubd_event_consumers",
		Help: "Connected fixture event stream consumers.",
	}, func() float64 {
		return float64(hub.ConnCount())
	}))

	registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "stubd_event_consumers_dropped_total",
		Help: "Event stream consumers dropped for falling behind.",
	}, func() float64 {
		return float64(hub.Dropped())
	}))

	registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stubd_journal_entries",
		Help: "Requests currently retained in the journal.",
	}, func() float64 {
		return float64(journal.Len())
	}))

	registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "stubd_journal_evicted_total",
		Help: "Journal entries evicted after the capacity was reached.",
	}, func() float64 {
		return float64(journal.Dropped())
	}))

	registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "stubd_callbacks_inflight",
		Help: "Callback deliveries started but not yet finished.",
	}, func() float64 {
		return float64(dispatcher.InFlight())
	}))
}
