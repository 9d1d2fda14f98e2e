// Package llm provides the LLM provider implementations registered on
// the service fabric (an OpenAI-compatible client and a deterministic
// mock) plus the cost and energy model used for per-call metering.
package llm

import (
	"strings"

	"github.com/steward-ai/steward/pkg/models"
)

// modelRates holds per-million-token prices (USD cents) and the
// per-1000-token energy constant (kWh) for one model class.
type modelRates struct {
	prefix          string
	inputCentsPerM  float64
	outputCentsPerM float64
	kwhPer1kTokens  float64
}

// gramsCO2PerKWh is the grid carbon intensity used for carbon estimates.
const gramsCO2PerKWh = 500.0

// rateTable is matched by prefix in order; more specific prefixes come
// first so "gpt-4o-mini" never falls through to "gpt-4o".
var rateTable = []modelRates{
	{prefix: "gpt-4o-mini", inputCentsPerM: 15, outputCentsPerM: 60, kwhPer1kTokens: 0.0002},
	{prefix: "gpt-4o", inputCentsPerM: 250, outputCentsPerM: 1000, kwhPer1kTokens: 0.0005},
	{prefix: "gpt-4-turbo", inputCentsPerM: 1000, outputCentsPerM: 3000, kwhPer1kTokens: 0.001},
	{prefix: "gpt-3.5-turbo", inputCentsPerM: 50, outputCentsPerM: 150, kwhPer1kTokens: 0.0003},
	{prefix: "llama", inputCentsPerM: 10, outputCentsPerM: 10, kwhPer1kTokens: 0.0003},
	{prefix: "claude", inputCentsPerM: 300, outputCentsPerM: 1500, kwhPer1kTokens: 0.0005},
}

var defaultRates = modelRates{inputCentsPerM: 100, outputCentsPerM: 200, kwhPer1kTokens: 0.0005}

func ratesFor(model string) modelRates {
	m := strings.ToLower(model)
	for _, r := range rateTable {
		if strings.HasPrefix(m, r.prefix) {
			return r
		}
	}
	return defaultRates
}

// EstimateUsage computes the cost, energy, and carbon telemetry for one
// completed call.
func EstimateUsage(model string, tokens models.TokenCounts, latencyMS int64) models.ResourceUsage {
	r := ratesFor(model)
	cost := float64(tokens.Input)/1_000_000*r.inputCentsPerM +
		float64(tokens.Output)/1_000_000*r.outputCentsPerM
	energy := float64(tokens.Total()) / 1000 * r.kwhPer1kTokens
	return models.ResourceUsage{
		TokensTotal:  tokens.Total(),
		TokensInput:  tokens.Input,
		TokensOutput: tokens.Output,
		CostCents:    cost,
		EnergyKWh:    energy,
		CarbonGrams:  energy * gramsCO2PerKWh,
		LatencyMS:    latencyMS,
		Model:        model,
	}
}
