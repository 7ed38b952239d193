package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// CollectorSource exposes the counters of one collector. Every function must
// be safe to call concurrently with the collector.
type CollectorSource struct {
	Distributed func() float64
	Retrieved   func() float64
	Dropped     func() float64
	Removed     func() float64
	Compactions func() float64
	Rebases     func() float64
	Buffers     func() float64
	Agents      func() float64
}

// RegisterCollector registers the collector metrics on reg, labelled with the
// collector name, and returns a function that unregisters them.
func RegisterCollector(reg prometheus.Registerer, name string, src CollectorSource) (func(), error) {
	labels := prometheus.Labels{"collector": name}
	counter := func(metric, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "marketbus",
			Subsystem:   "collector",
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		}, fn)
	}
	gauge := func(metric, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "marketbus",
			Subsystem:   "collector",
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		}, fn)
	}

	collectors := []prometheus.Collector{
		counter("distributed_total", "Events accepted from distributors", src.Distributed),
		counter("retrieved_total", "Events handed to agent sinks", src.Retrieved),
		counter("dropped_total", "Events dropped by agents with the drop overflow strategy", src.Dropped),
		counter("removed_total", "Values removed from history buffers", src.Removed),
		counter("compactions_total", "History buffer compactions", src.Compactions),
		counter("rebases_total", "Agent buffer rebases", src.Rebases),
		gauge("buffers", "History buffers currently held", src.Buffers),
		gauge("agents", "Open agents", src.Agents),
	}
	registered := make([]prometheus.Collector, 0, len(collectors))
	unregister := func() {
		for _, c := range registered {
			reg.Unregister(c)
		}
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			unregister()
			return nil, fmt.Errorf("failed to register collector %s metrics: %w", name, err)
		}
		registered = append(registered, c)
	}
	return unregister, nil
}
