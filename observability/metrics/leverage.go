package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LeverageMetrics tracks workflow outcomes for the leverage engine.
type LeverageMetrics struct {
	opens              *prometheus.CounterVec
	closes             *prometheus.CounterVec
	flashLoanVolume    *prometheus.CounterVec
	callbackRejections prometheus.Counter
	swapOutputRatio    prometheus.Histogram
}

var (
	leverageOnce     sync.Once
	leverageRegistry *LeverageMetrics
)

// Leverage returns the lazily-initialised leverage metrics registry.
func Leverage() *LeverageMetrics {
	leverageOnce.Do(func() {
		leverageRegistry = &LeverageMetrics{
			opens: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "leverage_opens_total",
				Help: "Count of position open calls by outcome.",
			}, []string{"outcome"}),
			closes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "leverage_closes_total",
				Help: "Count of position close calls by outcome.",
			}, []string{"outcome"}),
			flashLoanVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "leverage_flash_loan_volume",
				Help: "Cumulative flash-loaned amount per asset, smallest units.",
			}, []string{"asset"}),
			callbackRejections: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "leverage_callback_rejections_total",
				Help: "Count of flash-loan callbacks rejected by authentication.",
			}),
			swapOutputRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "leverage_swap_output_ratio",
				Help:    "Executed swap output relative to the leg's minimum.",
				Buckets: prometheus.LinearBuckets(1.0, 0.005, 10),
			}),
		}
		prometheus.MustRegister(
			leverageRegistry.opens,
			leverageRegistry.closes,
			leverageRegistry.flashLoanVolume,
			leverageRegistry.callbackRejections,
			leverageRegistry.swapOutputRatio,
		)
	})
	return leverageRegistry
}

// ObserveOpen records an open call outcome ("ok" or an error kind).
func (m *LeverageMetrics) ObserveOpen(outcome string) {
	if m == nil {
		return
	}
	m.opens.WithLabelValues(normalizeOutcome(outcome)).Inc()
}

// ObserveClose records a close call outcome.
func (m *LeverageMetrics) ObserveClose(outcome string) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(normalizeOutcome(outcome)).Inc()
}

// AddFlashLoanVolume accumulates flash-loaned principal for the asset.
func (m *LeverageMetrics) AddFlashLoanVolume(asset string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.flashLoanVolume.WithLabelValues(asset).Add(amount)
}

// ObserveCallbackRejection counts an authentication failure on the callback.
func (m *LeverageMetrics) ObserveCallbackRejection() {
	if m == nil {
		return
	}
	m.callbackRejections.Inc()
}

// ObserveSwapOutputRatio records how far above its minimum a swap executed.
func (m *LeverageMetrics) ObserveSwapOutputRatio(ratio float64) {
	if m == nil || ratio <= 0 {
		return
	}
	m.swapOutputRatio.Observe(ratio)
}

func normalizeOutcome(outcome string) string {
	if outcome == "" {
		return "unknown"
	}
	return outcome
}
