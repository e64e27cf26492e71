// Package ai provides the model collaborator consulted during risk analysis.
// Model internals are opaque to the pipeline: a model only returns a score,
// the factors behind it and a confidence.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"risk-pipeline/internal/schema"
)

// Modes accepted by New.
const (
	ModeAPI   = "api"
	ModeLocal = "local"
)

// maxResponseBytes caps how much of a model response is read.
const maxResponseBytes = 1 << 20

// ErrModel is wrapped by every model failure.
var ErrModel = errors.New("ai model error")

// Assessment is the model's view of one event.
type Assessment struct {
	Score      float64  `json:"score"`
	Factors    []string `json:"factors"`
	Confidence float64  `json:"confidence"`
}

// Model scores a normalized event.
type Model interface {
	AnalyzeRisk(ctx context.Context, event *schema.NormalizedEvent) (Assessment, error)
}

// Config selects and configures a model.
type Config struct {
	Mode           string
	Provider       string
	Model          string
	MaxTokens      int
	Temperature    float64
	LocalModelPath string
	APIURL         string
	APIKey         string
	Timeout        time.Duration
}

// New builds the model selected by cfg.Mode. An api mode without an
// endpoint yields a NoopModel.
func New(cfg Config, logger *slog.Logger) (Model, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Mode {
	case ModeLocal:
		return NewLocalModel(cfg.LocalModelPath)
	case ModeAPI, "":
		if cfg.APIURL == "" {
			logger.Info("ai api_url not set, model analysis disabled")
			return NoopModel{}, nil
		}
		return NewAPIModel(cfg), nil
	}
	return nil, fmt.Errorf("%w: unknown mode %q", ErrModel, cfg.Mode)
}

// NoopModel returns an empty assessment.
type NoopModel struct{}

func (NoopModel) AnalyzeRisk(context.Context, *schema.NormalizedEvent) (Assessment, error) {
	return Assessment{Factors: []string{}}, nil
}

// APIModel calls a remote scoring endpoint over HTTP JSON.
type APIModel struct {
	url         string
	apiKey      string
	provider    string
	model       string
	maxTokens   int
	temperature float64
	client      *http.Client
}

// NewAPIModel creates an APIModel.
func NewAPIModel(cfg Config) *APIModel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIModel{
		url:         cfg.APIURL,
		apiKey:      cfg.APIKey,
		provider:    cfg.Provider,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeout},
	}
}

type apiRequest struct {
	Provider    string                  `json:"provider,omitempty"`
	Model       string                  `json:"model,omitempty"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Temperature float64                 `json:"temperature"`
	Event       *schema.NormalizedEvent `json:"event"`
}

func (m *APIModel) AnalyzeRisk(ctx context.Context, event *schema.NormalizedEvent) (Assessment, error) {
	payload, err := json.Marshal(apiRequest{
		Provider:    m.provider,
		Model:       m.model,
		MaxTokens:   m.maxTokens,
		Temperature: m.temperature,
		Event:       event,
	})
	if err != nil {
		return Assessment{}, fmt.Errorf("%w: marshal request: %v", ErrModel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(payload))
	if err != nil {
		return Assessment{}, fmt.Errorf("%w: create request: %v", ErrModel, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return Assessment{}, fmt.Errorf("%w: request failed: %w", ErrModel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Assessment{}, fmt.Errorf("%w: api returned %d: %s", ErrModel, resp.StatusCode, string(body))
	}

	var out Assessment
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return Assessment{}, fmt.Errorf("%w: decode response: %v", ErrModel, err)
	}
	return normalize(out), nil
}

// LocalRules is the on-disk format read by LocalModel.
type LocalRules struct {
	Base          float64            `json:"base"`
	Confidence    float64            `json:"confidence"`
	MethodWeights map[string]float64 `json:"method_weights"`
	ValueTiers    []ValueTier        `json:"value_tiers"`
}

// ValueTier scores events moving at least MinEther.
type ValueTier struct {
	MinEther int64   `json:"min_ether"`
	Score    float64 `json:"score"`
}

// LocalModel scores events with static rule weights loaded from a file.
type LocalModel struct {
	rules LocalRules
}

// NewLocalModel loads rules from path.
func NewLocalModel(path string) (*LocalModel, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: local_model_path is required in local mode", ErrModel)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read local model: %v", ErrModel, err)
	}
	var rules LocalRules
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("%w: parse local model: %v", ErrModel, err)
	}
	return NewLocalModelFromRules(rules), nil
}

// NewLocalModelFromRules creates a LocalModel from in-memory rules.
func NewLocalModelFromRules(rules LocalRules) *LocalModel {
	methods := make(map[string]float64, len(rules.MethodWeights))
	for k, v := range rules.MethodWeights {
		methods[strings.ToLower(k)] = v
	}
	rules.MethodWeights = methods
	if rules.Confidence <= 0 {
		rules.Confidence = 0.5
	}
	return &LocalModel{rules: rules}
}

func (m *LocalModel) AnalyzeRisk(ctx context.Context, event *schema.NormalizedEvent) (Assessment, error) {
	if err := ctx.Err(); err != nil {
		return Assessment{}, err
	}
	if event == nil {
		return Assessment{}, fmt.Errorf("%w: nil event", ErrModel)
	}

	score := m.rules.Base
	factors := []string{}

	if w, ok := m.rules.MethodWeights[strings.ToLower(event.MethodName)]; ok && event.MethodName != "" {
		if w > score {
			score = w
		}
		factors = append(factors, "method:"+event.MethodName)
	}

	value := event.ValueWei()
	for _, tier := range m.rules.ValueTiers {
		if value.Cmp(schema.Ether(tier.MinEther)) >= 0 && tier.Score > score {
			score = tier.Score
			factors = append(factors, fmt.Sprintf("value>=%deth", tier.MinEther))
		}
	}

	return normalize(Assessment{Score: score, Factors: factors, Confidence: m.rules.Confidence}), nil
}

func normalize(a Assessment) Assessment {
	a.Score = schema.Clamp01(a.Score)
	a.Confidence = schema.Clamp01(a.Confidence)
	if a.Factors == nil {
		a.Factors = []string{}
	}
	return a
}
