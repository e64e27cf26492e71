// Package pattern scores a sender's recent activity against known risky
// transaction patterns: rapid-fire sends, value spikes, heavy contract use,
// MEV behavior and timing anomalies.
package pattern

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"risk-pipeline/internal/analysis/mev"
	"risk-pipeline/internal/analysis/timeseries"
	"risk-pipeline/internal/history"
	"risk-pipeline/internal/schema"
)

// Sub-score weights.
const (
	BaseScore       = 0.1
	FrequencyWeight = 0.3
	ValueWeight     = 0.25
	ContractWeight  = 0.2
	MEVBonus        = 0.4
	TimingWeight    = 0.25
)

// Factor names reported in results.
const (
	FactorHighFrequency  = "high_frequency"
	FactorValueSpike     = "value_spike"
	FactorContractHeavy  = "contract_interaction"
	FactorMEVPattern     = "mev_pattern"
	FactorTimingAnomaly  = "timing_anomaly"
	FactorAnalysisFailed = "pattern_analysis_failed"
)

const lookback = 30 * 24 * time.Hour

// Result is the outcome of a pattern evaluation.
type Result struct {
	Score      float64  `json:"score"`
	Factors    []string `json:"factors"`
	Confidence float64  `json:"confidence"`
}

// FailedResult is returned when evaluation cannot complete.
func FailedResult() Result {
	return Result{Score: 0.2, Factors: []string{FactorAnalysisFailed}, Confidence: 0.3}
}

// Analyzer evaluates risk patterns. It is safe for concurrent use.
type Analyzer struct {
	store     history.Store
	mev       *mev.Detector
	ts        *timeseries.Analyzer
	maxEvents int
	logger    *slog.Logger
}

// NewAnalyzer creates a pattern Analyzer.
func NewAnalyzer(store history.Store, detector *mev.Detector, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if detector == nil {
		detector = mev.NewDetector(nil, logger)
	}
	return &Analyzer{
		store:     store,
		mev:       detector,
		ts:        timeseries.NewAnalyzer(),
		maxEvents: 100,
		logger:    logger,
	}
}

// Evaluate scores event against the sender's recent history.
func (a *Analyzer) Evaluate(ctx context.Context, event *schema.NormalizedEvent) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("pattern analysis panicked", "panic", r)
			res = FailedResult()
		}
	}()

	if event == nil {
		return FailedResult()
	}

	recent, err := a.store.RecentByAddress(ctx, event.From, time.Unix(event.Timestamp, 0).Add(-lookback), a.maxEvents)
	if err != nil {
		a.logger.Warn("pattern analysis failed", "trace_id", event.TraceID, "error", err)
		return FailedResult()
	}

	var sent []*schema.NormalizedEvent
	for _, e := range recent {
		if e.From == event.From && e.TransactionHash != event.TransactionHash {
			sent = append(sent, e)
		}
	}
	window := append(append([]*schema.NormalizedEvent{}, sent...), event)

	score := BaseScore
	factors := []string{}

	if f := frequencyScore(window); f > 0 {
		score += f * FrequencyWeight
		factors = append(factors, FactorHighFrequency)
	}
	if v := valueScore(sent, event); v > 0 {
		score += v * ValueWeight
		factors = append(factors, FactorValueSpike)
	}
	if c := contractScore(window); c > 0 {
		score += c * ContractWeight
		factors = append(factors, FactorContractHeavy)
	}
	if a.mev.Detect(event, recent) {
		score += MEVBonus
		factors = append(factors, FactorMEVPattern)
	}
	if len(window) >= timeseries.MinEvents {
		t := a.ts.DetectAnomalies(window)
		score += t * TimingWeight
		if t >= 0.5 {
			factors = append(factors, FactorTimingAnomaly)
		}
	}

	return Result{
		Score:      schema.Clamp01(score),
		Factors:    factors,
		Confidence: math.Min(0.9, 0.5+float64(len(sent))/40),
	}
}

// frequencyScore rates the average gap between the sender's transactions.
func frequencyScore(events []*schema.NormalizedEvent) float64 {
	st := timeseries.Stats(events)
	if st.Count == 0 {
		return 0
	}
	switch {
	case st.Mean < 30:
		return 0.8
	case st.Mean < 300:
		return 0.5
	}
	return 0
}

// valueScore compares the event value with the historical average.
func valueScore(past []*schema.NormalizedEvent, event *schema.NormalizedEvent) float64 {
	if len(past) == 0 {
		return 0
	}
	sum := decimal.Zero
	for _, e := range past {
		sum = sum.Add(decimal.NewFromBigInt(e.ValueWei(), 0))
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(past))))
	if !avg.IsPositive() {
		return 0
	}

	ratio := decimal.NewFromBigInt(event.ValueWei(), 0).Div(avg)
	switch {
	case ratio.GreaterThan(decimal.NewFromInt(10)):
		return 0.9
	case ratio.GreaterThan(decimal.NewFromInt(5)):
		return 0.7
	case ratio.GreaterThan(decimal.NewFromInt(2)):
		return 0.4
	}
	return 0
}

// contractScore rates how contract-heavy the sender is.
func contractScore(events []*schema.NormalizedEvent) float64 {
	if len(events) == 0 {
		return 0
	}
	calls := 0
	perContract := make(map[string]int)
	for _, e := range events {
		if e.IsContractCall() {
			calls++
			perContract[e.To]++
		}
	}

	score := 0.0
	switch ratio := float64(calls) / float64(len(events)); {
	case ratio > 0.8:
		score = 0.7
	case ratio > 0.5:
		score = 0.4
	}
	if len(perContract) > 5 {
		score = math.Max(score, 0.5)
	}
	for _, n := range perContract {
		if n > 5 {
			score = math.Max(score, 0.6)
			break
		}
	}
	return score
}

// Describe renders a result for logs and narratives.
func (r Result) Describe() string {
	return fmt.Sprintf("pattern score %.2f (confidence %.2f) factors=%v", r.Score, r.Confidence, r.Factors)
}
