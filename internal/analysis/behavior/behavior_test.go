package behavior

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"risk-pipeline/internal/history"
	"risk-pipeline/internal/schema"
)

const (
	sender = "0x1111111111111111111111111111111111111111"
	router = "0x7a250d5630b4cf539739df2c5dacb4c659f2488d"
	now    = int64(1700000000)
)

func tx(hash, from, to, value string, ts int64) *schema.NormalizedEvent {
	return &schema.NormalizedEvent{
		TransactionHash: hash,
		From:            from,
		To:              to,
		Value:           value,
		Timestamp:       ts,
		Type:            schema.EventTransfer,
	}
}

func tagNames(res Result) map[string]schema.BehaviorTag {
	out := make(map[string]schema.BehaviorTag)
	for _, t := range res.Tags {
		out[t.Name] = t
	}
	return out
}

type failingStore struct{ history.MemoryStore }

func (f *failingStore) RecentByAddress(context.Context, string, time.Time, int) ([]*schema.NormalizedEvent, error) {
	return nil, errors.New("boom")
}

func TestAnalyze_NewAccount(t *testing.T) {
	a := NewAnalyzer(history.NewMemoryStore(0), DefaultConfig(), nil)

	res := a.Analyze(context.Background(), tx("0xnew", sender, router, "1", now), nil)
	tags := tagNames(res)

	tag, ok := tags[TagNewAccount]
	if !ok {
		t.Fatalf("expected new_account tag, got %+v", res.Tags)
	}
	if tag.Confidence != 0.9 || tag.Category != schema.CategoryHistorical {
		t.Errorf("new_account tag = %+v", tag)
	}
}

func TestAnalyze_EstablishedAccount(t *testing.T) {
	a := NewAnalyzer(history.NewMemoryStore(0), DefaultConfig(), nil)
	profile := &schema.AddressProfile{
		Address:          sender,
		FirstSeen:        time.Unix(now, 0).Add(-365 * day),
		LastSeen:         time.Unix(now, 0).Add(-day),
		TransactionCount: 200,
	}

	res := a.Analyze(context.Background(), tx("0x1", sender, router, "1", now), profile)
	if len(res.Tags) != 0 {
		t.Errorf("expected no tags for an ordinary account, got %+v", res.Tags)
	}
	if res.Details.AccountAgeDays < 364 {
		t.Errorf("AccountAgeDays = %v", res.Details.AccountAgeDays)
	}
}

func TestAnalyze_Dormant(t *testing.T) {
	a := NewAnalyzer(history.NewMemoryStore(0), DefaultConfig(), nil)
	profile := &schema.AddressProfile{
		FirstSeen:        time.Unix(now, 0).Add(-400 * day),
		LastSeen:         time.Unix(now, 0).Add(-90 * day),
		TransactionCount: 2,
	}

	res := a.Analyze(context.Background(), tx("0x1", sender, router, "1", now), profile)
	if _, ok := tagNames(res)[TagDormantActivated]; !ok {
		t.Errorf("expected dormant_activated, got %+v", res.Tags)
	}
}

func TestAnalyze_HistoryTags(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore(0)

	// Twelve evenly spaced small payments to distinct recipients over the last day.
	for i := 0; i < 12; i++ {
		to := fmt.Sprintf("0x%040d", i+1)
		store.Append(ctx, tx(fmt.Sprintf("0xh%d", i), sender, to, fmt.Sprintf("%d", 1000+i), now-int64(12-i)*3600))
	}
	profile := &schema.AddressProfile{FirstSeen: time.Unix(now, 0).Add(-60 * day), TransactionCount: 12}

	a := NewAnalyzer(store, DefaultConfig(), nil)
	event := tx("0xbig", sender, router, "1000000000000000000000", now)

	res := a.Analyze(ctx, event, profile)
	tags := tagNames(res)

	for _, name := range []string{TagUnusualLargeTx, TagFundDispersal, TagPeriodicActivity} {
		if _, ok := tags[name]; !ok {
			t.Errorf("expected %s tag, got %+v", name, res.Tags)
		}
	}
	if tags[TagUnusualLargeTx].Confidence != 0.9 {
		t.Errorf("unusual_large_tx confidence = %v, want capped 0.9", tags[TagUnusualLargeTx].Confidence)
	}
	if res.Details.UniqueRecipients24h != 13 {
		t.Errorf("UniqueRecipients24h = %d, want 13", res.Details.UniqueRecipients24h)
	}
}

func TestAnalyze_MethodTags(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore(0)
	methods := []string{"swapExactTokensForTokens", "deposit", "addLiquidity", "borrow"}
	for i, m := range methods {
		e := tx(fmt.Sprintf("0xm%d", i), sender, router, "0", now-int64(100*(i+1)))
		e.Type = schema.EventContractCall
		e.MethodName = m
		store.Append(ctx, e)
	}

	a := NewAnalyzer(store, DefaultConfig(), nil)
	event := tx("0xcur", sender, router, "0", now)
	event.Type = schema.EventContractCall
	event.MethodName = "flashLoan"

	tags := tagNames(a.Analyze(ctx, event, nil))
	want := map[string]float64{
		TagFrequentContractUser: 0.6,
		TagDEXUser:              0.7,
		TagDeFiUser:             0.8,
	}
	for name, conf := range want {
		tag, ok := tags[name]
		if !ok {
			t.Errorf("missing %s tag", name)
			continue
		}
		if tag.Confidence != conf {
			t.Errorf("%s confidence = %v, want %v", name, tag.Confidence, conf)
		}
		if tag.Category != schema.CategoryTechnical {
			t.Errorf("%s category = %s, want technical", name, tag.Category)
		}
	}
}

func TestAnalyze_Association(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	mixer := cfg.Mixers[0]

	store := history.NewMemoryStore(0)
	store.Append(ctx, tx("0xold", mixer, sender, "5", now-1000))

	a := NewAnalyzer(store, cfg, nil)
	profile := &schema.AddressProfile{Tags: []string{"phishing:reported", "fraud"}}

	tags := tagNames(a.Analyze(ctx, tx("0x1", sender, router, "1", now), profile))
	for _, name := range []string{TagMixerInteraction, TagPhishingRelated, TagFraudRelated} {
		tag, ok := tags[name]
		if !ok {
			t.Errorf("missing %s tag", name)
			continue
		}
		if tag.Confidence != 0.9 || tag.Category != schema.CategoryAssociation {
			t.Errorf("%s = %+v", name, tag)
		}
	}
}

func TestAnalyze_StoreFailure(t *testing.T) {
	a := NewAnalyzer(&failingStore{}, DefaultConfig(), nil)

	res := a.Analyze(context.Background(), tx("0x1", sender, router, "1", now), nil)
	if len(res.Tags) != 1 {
		t.Fatalf("expected single error tag, got %+v", res.Tags)
	}
	tag := res.Tags[0]
	if tag.Name != TagAnalysisError || tag.Category != schema.CategorySystem || tag.Confidence != 1.0 {
		t.Errorf("error tag = %+v", tag)
	}
}

func TestAnalyze_NilEvent(t *testing.T) {
	a := NewAnalyzer(history.NewMemoryStore(0), DefaultConfig(), nil)
	res := a.Analyze(context.Background(), nil, nil)
	if len(res.Tags) != 1 || res.Tags[0].Name != TagAnalysisError {
		t.Errorf("expected analysis_error for nil event, got %+v", res.Tags)
	}
}

func TestValueZScore(t *testing.T) {
	past := []*schema.NormalizedEvent{
		{Value: "10"}, {Value: "20"}, {Value: "10"}, {Value: "20"},
	}
	z, ok := valueZScore(past, schema.Ether(1))
	if !ok || z < 1e15 {
		t.Errorf("valueZScore() = %v, %v", z, ok)
	}

	if _, ok := valueZScore([]*schema.NormalizedEvent{{Value: "5"}, {Value: "5"}}, schema.Ether(1)); ok {
		t.Error("zero stddev should not produce a z-score")
	}
}
