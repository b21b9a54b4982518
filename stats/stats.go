// Counters, gauges and summaries used by the bridge. Components take a
// StatsFactory so that embedding applications decide where numbers go;
// NoOpStatsFactory drops them and NewPrometheusFactory exports them.
package stats

type CounterStat interface {
	Inc()
	Add(float64)
}

type GaugeStat interface {
	Set(float64)
	Get() float64

	Inc()
	Add(float64)

	Dec()
	Sub(float64)
}

type SummaryStat interface {
	Observe(float64)
}

// Tags are fixed per stat instance. Asking a factory twice for the same
// metric and tags returns stats backed by the same series.
type StatsFactory interface {
	NewCounter(
		metric string,
		tags map[string]string) CounterStat

	NewGauge(
		metric string,
		tags map[string]string) GaugeStat

	NewSummary(
		metric string,
		tags map[string]string) SummaryStat
}

// Returns f, or NoOpStatsFactory when f is nil.
func OrNoOp(f StatsFactory) StatsFactory {
	if f == nil {
		return NoOpStatsFactory
	}
	return f
}
