package bus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// llmTelemetry holds the prometheus instruments emitted on every
// successful structured call, tagged with provider name and model.
type llmTelemetry struct {
	tokensTotal  *prometheus.CounterVec
	tokensInput  *prometheus.CounterVec
	tokensOutput *prometheus.CounterVec
	costCents    *prometheus.CounterVec
	carbonGrams  *prometheus.CounterVec
	energyKWh    *prometheus.CounterVec
	latencyMS    *prometheus.HistogramVec
}

func newLLMTelemetry(reg prometheus.Registerer) *llmTelemetry {
	labels := []string{"service", "model"}
	t := &llmTelemetry{
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total tokens consumed by LLM calls.",
		}, labels),
		tokensInput: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_tokens_input_total",
			Help: "Input tokens consumed by LLM calls.",
		}, labels),
		tokensOutput: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_tokens_output_total",
			Help: "Output tokens produced by LLM calls.",
		}, labels),
		costCents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_cost_cents_total",
			Help: "Estimated LLM spend in USD cents.",
		}, labels),
		carbonGrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_carbon_grams_total",
			Help: "Estimated carbon emissions of LLM calls in grams CO2.",
		}, labels),
		energyKWh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_energy_kwh_total",
			Help: "Estimated energy use of LLM calls in kWh.",
		}, labels),
		latencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_latency_ms",
			Help:    "LLM call latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, labels),
	}
	if reg != nil {
		reg.MustRegister(t.tokensTotal, t.tokensInput, t.tokensOutput,
			t.costCents, t.carbonGrams, t.energyKWh, t.latencyMS)
	}
	return t
}
