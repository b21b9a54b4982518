package stats

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type prometheusFactory struct {
	namespace  string
	registerer prometheus.Registerer
}

// Returns a factory whose stats are registered with registerer under
// namespace. A nil registerer means prometheus.DefaultRegisterer.
func NewPrometheusFactory(
	namespace string,
	registerer prometheus.Registerer) StatsFactory {

	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &prometheusFactory{
		namespace:  namespace,
		registerer: registerer,
	}
}

// Registers c, or returns the collector already registered for the same
// descriptor.
func (f *prometheusFactory) register(c prometheus.Collector) prometheus.Collector {
	if err := f.registerer.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

func (f *prometheusFactory) NewCounter(
	metric string,
	tags map[string]string) CounterStat {

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   f.namespace,
		Name:        metric,
		Help:        metric,
		ConstLabels: tags,
	})
	return f.register(c).(prometheus.Counter)
}

func (f *prometheusFactory) NewGauge(
	metric string,
	tags map[string]string) GaugeStat {

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   f.namespace,
		Name:        metric,
		Help:        metric,
		ConstLabels: tags,
	})
	return newPrometheusGauge(f.register(g).(prometheus.Gauge))
}

func (f *prometheusFactory) NewSummary(
	metric string,
	tags map[string]string) SummaryStat {

	s := prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:   f.namespace,
		Name:        metric,
		Help:        metric,
		ConstLabels: tags,
		Objectives:  map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	return f.register(s).(prometheus.Summary)
}

// prometheus.Gauge is write-only; the last value is mirrored here so Get
// works. Gauges sharing a series also share the mirror.
type prometheusGauge struct {
	gauge prometheus.Gauge
	bits  *uint64
}

var (
	gaugeMirrorsLock sync.Mutex
	gaugeMirrors     = map[prometheus.Gauge]*uint64{}
)

func newPrometheusGauge(g prometheus.Gauge) *prometheusGauge {
	gaugeMirrorsLock.Lock()
	defer gaugeMirrorsLock.Unlock()

	bits, ok := gaugeMirrors[g]
	if !ok {
		bits = new(uint64)
		gaugeMirrors[g] = bits
	}
	return &prometheusGauge{gauge: g, bits: bits}
}

func (g *prometheusGauge) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(g.bits))
}

func (g *prometheusGauge) Set(v float64) {
	atomic.StoreUint64(g.bits, math.Float64bits(v))
	g.gauge.Set(v)
}

func (g *prometheusGauge) Add(delta float64) {
	for {
		old := atomic.LoadUint64(g.bits)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(g.bits, old, next) {
			break
		}
	}
	g.gauge.Add(delta)
}

func (g *prometheusGauge) Sub(delta float64) {
	g.Add(-delta)
}

func (g *prometheusGauge) Inc() {
	g.Add(1)
}

func (g *prometheusGauge) Dec() {
	g.Add(-1)
}
