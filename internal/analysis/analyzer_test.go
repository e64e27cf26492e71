package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"risk-pipeline/internal/ai"
	"risk-pipeline/internal/analysis/behavior"
	"risk-pipeline/internal/analysis/graph"
	"risk-pipeline/internal/analysis/mev"
	"risk-pipeline/internal/analysis/pattern"
	"risk-pipeline/internal/history"
	"risk-pipeline/internal/schema"
)

const (
	botAddr    = "0xb07b07b07b07b07b07b07b07b07b07b07b07b07b"
	userAddr   = "0x1111111111111111111111111111111111111111"
	poolAddr   = "0x2222222222222222222222222222222222222222"
	badAddr    = "0x3333333333333333333333333333333333333333"
	hopAddr    = "0x4444444444444444444444444444444444444444"
	refSeconds = int64(1700000000)
)

var refTime = time.Unix(refSeconds, 0)

type recorder struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recorder) RecordError(kind, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

type panickingModel struct{}

func (panickingModel) AnalyzeRisk(context.Context, *schema.NormalizedEvent) (ai.Assessment, error) {
	panic("model exploded")
}

type failingModel struct{}

func (failingModel) AnalyzeRisk(context.Context, *schema.NormalizedEvent) (ai.Assessment, error) {
	return ai.Assessment{}, errors.New("model unavailable")
}

type fixedModel struct {
	assessment ai.Assessment
}

func (m fixedModel) AnalyzeRisk(context.Context, *schema.NormalizedEvent) (ai.Assessment, error) {
	return m.assessment, nil
}

type staticProfiles map[string]float64

func (s staticProfiles) GetProfiles(_ context.Context, addrs []string) (map[string]*schema.AddressProfile, error) {
	out := make(map[string]*schema.AddressProfile)
	for _, a := range addrs {
		if r, ok := s[a]; ok {
			out[a] = &schema.AddressProfile{Address: a, RiskScore: r}
		}
	}
	return out, nil
}

func newAnalyzer(store *history.MemoryStore, cfg Config, model ai.Model, rec ErrorRecorder, profiles graph.ProfileSource) *RiskAnalyzer {
	detector := mev.NewDetector([]string{botAddr}, nil)
	return NewRiskAnalyzer(cfg, Deps{
		Store:    store,
		MEV:      detector,
		Behavior: behavior.NewAnalyzer(store, behavior.DefaultConfig(), nil),
		Pattern:  pattern.NewAnalyzer(store, detector, nil),
		Graph:    graph.NewAnalyzer(store, profiles, nil).WithClock(func() time.Time { return refTime }),
		Model:    model,
		Errors:   rec,
	}, nil).WithClock(func() time.Time { return refTime })
}

func event(from string, ether int64, method string) *schema.NormalizedEvent {
	typ := schema.EventTransfer
	if method != "" {
		typ = schema.EventContractCall
	}
	return &schema.NormalizedEvent{
		TraceID:         "trace-" + method,
		ChainID:         "1",
		TransactionHash: "0xfeed",
		From:            from,
		To:              poolAddr,
		Value:           schema.Ether(ether).String(),
		Timestamp:       refSeconds,
		Type:            typ,
		MethodName:      method,
	}
}

func established(addr string) *schema.AddressProfile {
	return &schema.AddressProfile{
		Address:          addr,
		FirstSeen:        refTime.Add(-400 * 24 * time.Hour),
		TransactionCount: 200,
	}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func TestAnalyze_KnownBotFlashLoanIsBlocked(t *testing.T) {
	a := newAnalyzer(history.NewMemoryStore(0), DefaultConfig(), nil, nil, nil)

	res := a.Analyze(context.Background(), event(botAddr, 15000, "flashLoan"), nil)

	if res.Action != schema.ActionBlock {
		t.Errorf("Action = %s, want block (score %v, factors %v)", res.Action, res.Score, res.Factors)
	}
	if res.Level != schema.LevelCritical {
		t.Errorf("Level = %s, want critical", res.Level)
	}
	if !res.HasFactor(FactorMEVActivity) {
		t.Errorf("Factors = %v, want mev_activity", res.Factors)
	}
	if !contains(res.Combinations, "mev_activity+large_value") {
		t.Errorf("Combinations = %v", res.Combinations)
	}
	if res.Status != schema.StatusScored {
		t.Errorf("Status = %s, want scored", res.Status)
	}
	if res.TraceID != "trace-flashLoan" || !res.Timestamp.Equal(refTime) {
		t.Errorf("TraceID/Timestamp = %s/%v", res.TraceID, res.Timestamp)
	}
}

func TestAnalyze_QuietTransferIsLow(t *testing.T) {
	a := newAnalyzer(history.NewMemoryStore(0), DefaultConfig(), nil, nil, nil)

	res := a.Analyze(context.Background(), event(userAddr, 0, ""), established(userAddr))

	if res.Level != schema.LevelLow || res.Action != schema.ActionNone {
		t.Errorf("verdict = %s/%s (score %v, factors %v), want low/none", res.Level, res.Action, res.Score, res.Factors)
	}
	if len(res.Dimensions) != len(schema.Dimensions) {
		t.Errorf("Dimensions = %+v, want one per dimension", res.Dimensions)
	}
	for _, d := range res.Dimensions {
		if d.Tags == nil {
			t.Errorf("dimension %s has nil tags", d.Name)
		}
	}
	if res.Combinations == nil || len(res.Combinations) != 0 {
		t.Errorf("Combinations = %v, want empty", res.Combinations)
	}
}

func TestAnalyze_NewAccountLargeValue(t *testing.T) {
	a := newAnalyzer(history.NewMemoryStore(0), DefaultConfig(), nil, nil, nil)

	res := a.Analyze(context.Background(), event(userAddr, 2000, ""), nil)

	if res.Level != schema.LevelHigh || res.Action != schema.ActionAlert {
		t.Errorf("verdict = %s/%s (score %v), want high/alert", res.Level, res.Action, res.Score)
	}
	if !contains(res.Combinations, "new_account+large_value") {
		t.Errorf("Combinations = %v", res.Combinations)
	}
	for _, f := range []string{behavior.TagNewAccount, FactorLargeValue} {
		if !res.HasFactor(f) {
			t.Errorf("missing factor %s in %v", f, res.Factors)
		}
	}
}

func TestAnalyze_MethodScoring(t *testing.T) {
	a := newAnalyzer(history.NewMemoryStore(0), DefaultConfig(), nil, nil, nil)

	tests := []struct {
		method string
		want   float64
	}{
		{"approve", 0.6},
		{"mint", 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			res := a.Analyze(context.Background(), event(userAddr, 0, tt.method), established(userAddr))
			var technical float64
			for _, d := range res.Dimensions {
				if d.Name == schema.DimensionTechnical.String() {
					technical = d.Score
				}
			}
			if technical < tt.want {
				t.Errorf("technical = %v, want >= %v", technical, tt.want)
			}
		})
	}
}

func TestAnalyze_GraphRiskPathRaisesAssociation(t *testing.T) {
	store := history.NewMemoryStore(0)
	ctx := context.Background()
	store.Append(ctx, &schema.NormalizedEvent{TransactionHash: "0xa", From: userAddr, To: hopAddr, Value: "1", Timestamp: refSeconds - 3600})
	store.Append(ctx, &schema.NormalizedEvent{TransactionHash: "0xb", From: hopAddr, To: badAddr, Value: "1", Timestamp: refSeconds - 3600})

	a := newAnalyzer(store, DefaultConfig(), nil, nil, staticProfiles{badAddr: 0.95})
	res := a.Analyze(ctx, event(userAddr, 0, ""), established(userAddr))

	if !res.HasFactor(FactorRiskPath) {
		t.Fatalf("Factors = %v, want graph_risk_path", res.Factors)
	}
	for _, d := range res.Dimensions {
		if d.Name == schema.DimensionAssociation.String() && d.Score < riskPathBonus {
			t.Errorf("association = %v, want >= %v", d.Score, riskPathBonus)
		}
	}
}

func TestAnalyze_ModelErrorIsNotFatal(t *testing.T) {
	rec := &recorder{}
	a := newAnalyzer(history.NewMemoryStore(0), DefaultConfig(), failingModel{}, rec, nil)

	res := a.Analyze(context.Background(), event(userAddr, 0, ""), established(userAddr))
	if res.Status != schema.StatusScored {
		t.Errorf("Status = %s, want scored", res.Status)
	}
	if len(rec.kinds) != 0 {
		t.Errorf("recorded errors %v", rec.kinds)
	}
}

func TestAnalyze_ModelFactorsAreNamespaced(t *testing.T) {
	tests := []struct {
		name    string
		factors []string
	}{
		{"combination pair", []string{"mixer_interaction", "fund_dispersal"}},
		{"failure marker", []string{FactorAnalysisFailed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := fixedModel{ai.Assessment{Score: 0.1, Confidence: 0.2, Factors: tt.factors}}
			a := newAnalyzer(history.NewMemoryStore(0), DefaultConfig(), model, nil, nil)

			res := a.Analyze(context.Background(), event(userAddr, 0, ""), established(userAddr))

			if len(res.Combinations) != 0 {
				t.Errorf("Combinations = %v, want none", res.Combinations)
			}
			if res.Action != schema.ActionNone || res.Score >= 0.4 {
				t.Errorf("verdict = %v/%s, want a quiet score", res.Score, res.Action)
			}
			if res.Fallback || res.Status != schema.StatusScored {
				t.Errorf("Fallback/Status = %v/%s, want a scored verdict", res.Fallback, res.Status)
			}
			for _, f := range tt.factors {
				if res.HasFactor(f) {
					t.Errorf("model factor %q leaked into Factors %v", f, res.Factors)
				}
				if !res.HasFactor(AIFactorPrefix + f) {
					t.Errorf("Factors = %v, want %s%s", res.Factors, AIFactorPrefix, f)
				}
			}
		})
	}
}

func TestAnalyze_FailurePolicy(t *testing.T) {
	tests := []struct {
		name       string
		failClosed bool
		score      float64
		level      schema.Level
		status     schema.AnalysisStatus
	}{
		{"fail closed", true, 0.5, schema.LevelMedium, schema.StatusNeedsReview},
		{"fail open", false, 0.2, schema.LevelLow, schema.StatusScored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			cfg := DefaultConfig()
			cfg.FailClosed = tt.failClosed
			a := newAnalyzer(history.NewMemoryStore(0), cfg, panickingModel{}, rec, nil)

			res := a.Analyze(context.Background(), event(botAddr, 15000, "flashLoan"), nil)

			if res.Score != tt.score || res.Level != tt.level || res.Status != tt.status {
				t.Errorf("fallback = %v/%s/%s, want %v/%s/%s", res.Score, res.Level, res.Status, tt.score, tt.level, tt.status)
			}
			if res.Action != schema.ActionMonitor {
				t.Errorf("Action = %s, want monitor", res.Action)
			}
			if !res.HasFactor(FactorAnalysisFailed) || !res.Fallback {
				t.Errorf("Factors = %v, Fallback = %v", res.Factors, res.Fallback)
			}
			if len(rec.kinds) != 1 || rec.kinds[0] != ErrorKind {
				t.Errorf("recorded = %v, want [%s]", rec.kinds, ErrorKind)
			}
		})
	}
}

func TestAnalyze_CancelledContext(t *testing.T) {
	a := newAnalyzer(history.NewMemoryStore(0), DefaultConfig(), nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := a.Analyze(ctx, event(userAddr, 1, ""), nil)
	if res.Status != schema.StatusNeedsReview {
		t.Errorf("Status = %s, want needs_review", res.Status)
	}
}

func TestAnalyze_NilEvent(t *testing.T) {
	a := newAnalyzer(history.NewMemoryStore(0), DefaultConfig(), nil, nil, nil)
	res := a.Analyze(context.Background(), nil, nil)
	if !res.HasFactor(FactorAnalysisFailed) || !res.Fallback {
		t.Errorf("Factors = %v", res.Factors)
	}
}

func TestLevelAndAction(t *testing.T) {
	tests := []struct {
		score  float64
		level  schema.Level
		action schema.Action
	}{
		{0, schema.LevelLow, schema.ActionNone},
		{0.39, schema.LevelLow, schema.ActionNone},
		{0.4, schema.LevelMedium, schema.ActionMonitor},
		{0.7, schema.LevelHigh, schema.ActionAlert},
		{0.9, schema.LevelCritical, schema.ActionBlock},
		{1, schema.LevelCritical, schema.ActionBlock},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.score); got != tt.level {
			t.Errorf("LevelFor(%v) = %s, want %s", tt.score, got, tt.level)
		}
		if got := ActionFor(tt.score); got != tt.action {
			t.Errorf("ActionFor(%v) = %s, want %s", tt.score, got, tt.action)
		}
	}
}
