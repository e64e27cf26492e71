package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"risk-pipeline/internal/schema"
)

const (
	tableEvents   = "events"
	tableAnalyses = "risk_analyses"
	tableProfiles = "address_profiles"
)

const eventColumns = `trace_id, chain_id, block_number, tx_hash, from_address, to_address,
	value_wei, event_type, method_name, event_time`

type eventRow struct {
	TraceID     string    `ch:"trace_id"`
	ChainID     string    `ch:"chain_id"`
	BlockNumber uint64    `ch:"block_number"`
	TxHash      string    `ch:"tx_hash"`
	From        string    `ch:"from_address"`
	To          string    `ch:"to_address"`
	ValueWei    string    `ch:"value_wei"`
	Type        string    `ch:"event_type"`
	MethodName  string    `ch:"method_name"`
	EventTime   time.Time `ch:"event_time"`
}

func newEventRow(e *schema.NormalizedEvent) eventRow {
	return eventRow{
		TraceID:     e.TraceID,
		ChainID:     e.ChainID,
		BlockNumber: e.BlockNumber,
		TxHash:      e.TransactionHash,
		From:        e.From,
		To:          e.To,
		ValueWei:    e.Value,
		Type:        string(e.Type),
		MethodName:  e.MethodName,
		EventTime:   time.Unix(e.Timestamp, 0).UTC(),
	}
}

func (r eventRow) values() []any {
	return []any{r.TraceID, r.ChainID, r.BlockNumber, r.TxHash, r.From, r.To,
		r.ValueWei, r.Type, r.MethodName, r.EventTime}
}

func (r eventRow) event() *schema.NormalizedEvent {
	return &schema.NormalizedEvent{
		TraceID:         r.TraceID,
		ChainID:         r.ChainID,
		BlockNumber:     r.BlockNumber,
		TransactionHash: r.TxHash,
		From:            r.From,
		To:              r.To,
		Value:           r.ValueWei,
		Type:            schema.EventType(r.Type),
		MethodName:      r.MethodName,
		Timestamp:       r.EventTime.Unix(),
	}
}

const analysisColumns = `trace_id, tx_hash, chain_id, from_address, score, level, action,
	status, factors, combinations, details, analyzed_at, updated_at`

type analysisRow struct {
	TraceID      string    `ch:"trace_id"`
	TxHash       string    `ch:"tx_hash"`
	ChainID      string    `ch:"chain_id"`
	From         string    `ch:"from_address"`
	Score        float64   `ch:"score"`
	Level        string    `ch:"level"`
	Action       string    `ch:"action"`
	Status       string    `ch:"status"`
	Factors      []string  `ch:"factors"`
	Combinations []string  `ch:"combinations"`
	Details      string    `ch:"details"`
	AnalyzedAt   time.Time `ch:"analyzed_at"`
	UpdatedAt    time.Time `ch:"updated_at"`
}

// analysisDetails holds the nested parts of an analysis, stored as JSON.
type analysisDetails struct {
	Features     []string                `json:"features,omitempty"`
	BehaviorTags []schema.BehaviorTag    `json:"behavior_tags,omitempty"`
	Dimensions   []schema.DimensionScore `json:"dimensions,omitempty"`
	AIAnalysis   schema.AIAnalysis       `json:"ai_analysis"`
}

func newAnalysisRow(chainID, from string, a *schema.EnhancedRiskAnalysis, updated time.Time) (analysisRow, error) {
	details, err := json.Marshal(analysisDetails{
		Features:     a.Features,
		BehaviorTags: a.BehaviorTags,
		Dimensions:   a.Dimensions,
		AIAnalysis:   a.AIAnalysis,
	})
	if err != nil {
		return analysisRow{}, fmt.Errorf("encode analysis details: %w", err)
	}
	analyzed := a.Timestamp
	if analyzed.IsZero() {
		analyzed = updated
	}
	return analysisRow{
		TraceID:      a.TraceID,
		TxHash:       a.TransactionHash,
		ChainID:      chainID,
		From:         from,
		Score:        a.Score,
		Level:        string(a.Level),
		Action:       string(a.Action),
		Status:       string(a.Status),
		Factors:      nonNil(a.Factors),
		Combinations: nonNil(a.Combinations),
		Details:      string(details),
		AnalyzedAt:   analyzed.UTC(),
		UpdatedAt:    updated.UTC(),
	}, nil
}

func (r analysisRow) values() []any {
	return []any{r.TraceID, r.TxHash, r.ChainID, r.From, r.Score, r.Level, r.Action,
		r.Status, r.Factors, r.Combinations, r.Details, r.AnalyzedAt, r.UpdatedAt}
}

func (r analysisRow) analysis() (*schema.EnhancedRiskAnalysis, error) {
	var d analysisDetails
	if r.Details != "" {
		if err := json.Unmarshal([]byte(r.Details), &d); err != nil {
			return nil, fmt.Errorf("decode analysis details: %w", err)
		}
	}
	return &schema.EnhancedRiskAnalysis{
		TraceID:         r.TraceID,
		TransactionHash: r.TxHash,
		Score:           r.Score,
		Level:           schema.Level(r.Level),
		Factors:         nonNil(r.Factors),
		Features:        d.Features,
		BehaviorTags:    d.BehaviorTags,
		Dimensions:      d.Dimensions,
		AIAnalysis:      d.AIAnalysis,
		Combinations:    nonNil(r.Combinations),
		Timestamp:       r.AnalyzedAt,
		Action:          schema.Action(r.Action),
		Status:          schema.AnalysisStatus(r.Status),
	}, nil
}

const profileColumns = `address, risk_score, tags, category, transaction_count,
	first_seen, last_seen, related_addresses, updated_at`

type profileRow struct {
	Address          string    `ch:"address"`
	RiskScore        float64   `ch:"risk_score"`
	Tags             []string  `ch:"tags"`
	Category         string    `ch:"category"`
	TransactionCount int64     `ch:"transaction_count"`
	FirstSeen        time.Time `ch:"first_seen"`
	LastSeen         time.Time `ch:"last_seen"`
	Related          []string  `ch:"related_addresses"`
	UpdatedAt        time.Time `ch:"updated_at"`
}

func newProfileRow(p *schema.AddressProfile, updated time.Time) profileRow {
	return profileRow{
		Address:          p.Address,
		RiskScore:        schema.Clamp01(p.RiskScore),
		Tags:             nonNil(p.Tags),
		Category:         p.Category,
		TransactionCount: p.TransactionCount,
		FirstSeen:        p.FirstSeen.UTC(),
		LastSeen:         p.LastSeen.UTC(),
		Related:          nonNil(p.RelatedAddresses),
		UpdatedAt:        updated.UTC(),
	}
}

func (r profileRow) values() []any {
	return []any{r.Address, r.RiskScore, r.Tags, r.Category, r.TransactionCount,
		r.FirstSeen, r.LastSeen, r.Related, r.UpdatedAt}
}

func (r profileRow) profile() *schema.AddressProfile {
	return &schema.AddressProfile{
		Address:          r.Address,
		RiskScore:        r.RiskScore,
		Tags:             r.Tags,
		Category:         r.Category,
		TransactionCount: r.TransactionCount,
		FirstSeen:        r.FirstSeen,
		LastSeen:         r.LastSeen,
		RelatedAddresses: r.Related,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
