// Package alerting routes high-risk verdicts to notification channels.
package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"risk-pipeline/internal/schema"
)

// Alert is the notification payload for one analyzed event.
type Alert struct {
	ID          uuid.UUID     `json:"id"`
	TraceID     string        `json:"trace_id"`
	TxHash      string        `json:"tx_hash"`
	Chain       string        `json:"chain"`
	From        string        `json:"from"`
	To          string        `json:"to"`
	ValueETH    string        `json:"value_eth"`
	Method      string        `json:"method,omitempty"`
	Score       float64       `json:"score"`
	Level       schema.Level  `json:"level"`
	Action      schema.Action `json:"action"`
	Factors     []string      `json:"factors"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	CreatedAt   time.Time     `json:"created_at"`
}

// NotificationChannel delivers alerts to one destination.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// NewAlert builds the alert for an analyzed event.
func NewAlert(event *schema.NormalizedEvent, analysis *schema.EnhancedRiskAnalysis) *Alert {
	a := &Alert{
		ID:        uuid.New(),
		Factors:   []string{},
		CreatedAt: time.Now().UTC(),
	}
	if event != nil {
		a.TraceID = event.TraceID
		a.TxHash = event.TransactionHash
		a.Chain = event.ChainID
		a.From = event.From
		a.To = event.To
		a.ValueETH = schema.FormatEther(event.ValueWei())
		a.Method = event.MethodName
	}
	if analysis != nil {
		if a.TraceID == "" {
			a.TraceID = analysis.TraceID
		}
		a.Score = analysis.Score
		a.Level = analysis.Level
		a.Action = analysis.Action
		a.Factors = append(a.Factors, analysis.Factors...)
		a.Description = analysis.AIAnalysis.Summary
	}
	a.Title = fmt.Sprintf("%s risk transaction on chain %s (score %.2f)", a.Level, a.Chain, a.Score)
	return a
}

// ShortID is the first eight characters of the alert ID.
func (a *Alert) ShortID() string {
	return a.ID.String()[:8]
}
