// Package pipeline runs one raw chain event through normalization,
// profiling, risk analysis and notification.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"risk-pipeline/internal/alerting"
	"risk-pipeline/internal/history"
	"risk-pipeline/internal/ingest"
	"risk-pipeline/internal/monitor"
	"risk-pipeline/internal/profile"
	"risk-pipeline/internal/schema"
)

// Stage names carried by StageError.
const (
	StageNormalize = "normalize"
	StageProfile   = "profile"
	StageAnalyze   = "analyze"
	StageNotify    = "notify"
)

// StageError reports a fatal stage failure together with the trace ID of
// the event.
type StageError struct {
	Stage   string
	TraceID string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed (trace %s): %v", e.Stage, e.TraceID, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Analyzer scores a normalized event.
type Analyzer interface {
	Analyze(ctx context.Context, event *schema.NormalizedEvent, profile *schema.AddressProfile) schema.EnhancedRiskAnalysis
}

// Notifier routes an analysis to named channels.
type Notifier interface {
	Send(ctx context.Context, event *schema.NormalizedEvent, analysis *schema.EnhancedRiskAnalysis, names []string)
}

// AnalysisSink persists finished analyses.
type AnalysisSink interface {
	Write(ctx context.Context, event *schema.NormalizedEvent, analysis *schema.EnhancedRiskAnalysis) error
}

// Config controls the pipeline.
type Config struct {
	// StrictMode makes normalize, profile and analyze failures fatal.
	StrictMode            bool
	EventTimeout          time.Duration
	ProfileTimeout        time.Duration
	ForceRefreshRiskScore float64
	Notification          alerting.NotificationConfig
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		StrictMode:            true,
		EventTimeout:          30 * time.Second,
		ProfileTimeout:        5 * time.Second,
		ForceRefreshRiskScore: 0.8,
		Notification:          alerting.DefaultNotificationConfig(),
	}
}

// Deps are the collaborators of a Pipeline. Store, Sink and Notifier are
// optional.
type Deps struct {
	Normalizer *ingest.Normalizer
	Profiler   profile.Profiler
	Analyzer   Analyzer
	Monitor    *monitor.Monitor
	Notifier   Notifier
	Store      history.Store
	Sink       AnalysisSink
}

// Result is the outcome of one pipeline run.
type Result struct {
	TraceID  string
	Event    *schema.NormalizedEvent
	Profile  *schema.AddressProfile
	Analysis schema.EnhancedRiskAnalysis
	Channels []string
	Duration time.Duration
}

// Pipeline processes events. It holds no per-event state and is safe for
// concurrent use.
type Pipeline struct {
	config Config
	deps   Deps
	logger *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Pipeline, error) {
	if deps.Normalizer == nil || deps.Profiler == nil || deps.Analyzer == nil || deps.Monitor == nil {
		return nil, errors.New("pipeline requires a normalizer, profiler, analyzer and monitor")
	}
	if cfg.ProfileTimeout <= 0 {
		cfg.ProfileTimeout = DefaultConfig().ProfileTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{config: cfg, deps: deps, logger: logger}, nil
}

// ProcessEnvelope processes a queued envelope.
func (p *Pipeline) ProcessEnvelope(ctx context.Context, env *schema.Envelope) (*Result, error) {
	if env == nil {
		return p.Process(ctx, "", nil)
	}
	return p.Process(ctx, env.ChainID, env.Raw)
}

// Process runs raw through every stage. In strict mode a normalize, profile
// or analyze failure aborts the run with a *StageError. Otherwise the run
// continues with an empty profile or the fallback analysis, and an event
// that fails normalization yields a Result with a nil Event. Notification
// failures are never returned.
func (p *Pipeline) Process(ctx context.Context, chainID string, raw schema.RawEvent) (*Result, error) {
	start := time.Now()
	if p.config.EventTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.EventTimeout)
		defer cancel()
	}

	raw, traceID := withTraceID(raw)
	res := &Result{TraceID: traceID}
	log := p.logger.With("trace_id", traceID)
	mon := p.deps.Monitor

	mon.RecordEvent(monitor.StageReceived, traceID)

	event, err := p.deps.Normalizer.Normalize(chainID, raw)
	if err != nil {
		mon.RecordError("validation", traceID)
		if p.config.StrictMode {
			log.Error("event normalization failed", "chain_id", chainID, "error", err)
			return nil, &StageError{Stage: StageNormalize, TraceID: traceID, Err: err}
		}
		// Nothing downstream can run without a normalized event.
		log.Warn("event normalization failed, dropping event", "chain_id", chainID, "error", err)
		res.Duration = time.Since(start)
		return res, nil
	}
	res.Event = event
	mon.RecordEvent(monitor.StageNormalized, traceID)
	log = log.With("tx_hash", event.TransactionHash)

	prof, err := p.fetchProfile(ctx, event.From, traceID, log)
	if err != nil {
		mon.RecordError("profile_fetch", traceID)
		if p.config.StrictMode {
			log.Error("profile fetch failed", "address", event.From, "error", err)
			return nil, &StageError{Stage: StageProfile, TraceID: traceID, Err: err}
		}
		log.Warn("profile fetch failed, using empty profile", "address", event.From, "error", err)
		prof = schema.EmptyProfile(event.From)
	}
	res.Profile = prof
	mon.RecordEvent(monitor.StageProfiled, traceID)

	analysisStart := time.Now()
	analysis := p.deps.Analyzer.Analyze(ctx, event, prof)
	p.observe(mon.RecordRiskAnalysisLatency, analysisStart, traceID, log)
	if analysis.Fallback {
		cause := errors.New("risk analysis degraded to fallback")
		if ctxErr := ctx.Err(); ctxErr != nil {
			cause = fmt.Errorf("%w: %v", cause, ctxErr)
		}
		if p.config.StrictMode {
			log.Error("risk analysis failed", "error", cause)
			return nil, &StageError{Stage: StageAnalyze, TraceID: traceID, Err: cause}
		}
		log.Warn("risk analysis failed, continuing with fallback", "status", analysis.Status)
	}
	res.Analysis = analysis
	mon.RecordRiskLevel(analysis.Level, traceID)
	mon.RecordEvent(monitor.StageAnalyzed, traceID)

	p.record(ctx, event, &analysis, log)

	notifyStart := time.Now()
	res.Channels = p.notify(ctx, event, &analysis, log)
	p.observe(mon.RecordNotificationLatency, notifyStart, traceID, log)
	mon.RecordEvent(monitor.StageNotified, traceID)

	res.Duration = time.Since(start)
	p.observe(mon.RecordTotalLatency, start, traceID, log)

	log.Info("event processed",
		"score", analysis.Score,
		"level", analysis.Level,
		"action", analysis.Action,
		"duration", res.Duration,
	)
	return res, nil
}

// fetchProfile loads the sender profile under the profile timeout and
// refreshes it when its risk score reaches the refresh trigger.
func (p *Pipeline) fetchProfile(ctx context.Context, addr, traceID string, log *slog.Logger) (*schema.AddressProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.ProfileTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		p.observe(p.deps.Monitor.RecordProfileLatency, start, traceID, log)
	}()

	prof, err := p.deps.Profiler.GetProfile(ctx, addr)
	if err != nil {
		return nil, err
	}
	if prof == nil {
		prof = schema.EmptyProfile(addr)
	}

	if p.config.ForceRefreshRiskScore > 0 && prof.RiskScore >= p.config.ForceRefreshRiskScore {
		fresh, err := p.deps.Profiler.Refresh(ctx, addr)
		if err != nil {
			log.Warn("profile refresh failed, keeping cached profile", "address", addr, "error", err)
			return prof, nil
		}
		if fresh != nil {
			prof = fresh
		}
	}
	return prof, nil
}

// record appends the event to history and hands the analysis to the sink.
// Failures are logged only.
func (p *Pipeline) record(ctx context.Context, event *schema.NormalizedEvent, analysis *schema.EnhancedRiskAnalysis, log *slog.Logger) {
	if p.deps.Store != nil {
		if err := p.deps.Store.Append(ctx, event); err != nil {
			p.deps.Monitor.RecordError("history", event.TraceID)
			log.Warn("history append failed", "error", err)
		}
	}
	if p.deps.Sink != nil {
		if err := p.deps.Sink.Write(ctx, event, analysis); err != nil {
			p.deps.Monitor.RecordError("persistence", event.TraceID)
			log.Warn("analysis persistence failed", "error", err)
		}
	}
}

// notify routes the alert by score and escalates alert/block verdicts to
// the monitor webhooks the router did not already deliver to. It returns
// the routed channel names.
func (p *Pipeline) notify(ctx context.Context, event *schema.NormalizedEvent, analysis *schema.EnhancedRiskAnalysis, log *slog.Logger) []string {
	names := alerting.Channels(analysis.Score, p.config.Notification)
	var routed []string
	if p.deps.Notifier != nil && len(names) > 0 {
		p.deps.Notifier.Send(ctx, event, analysis, names)
		routed = deliverable(p.deps.Notifier, names)
	}

	if analysis.Action == schema.ActionAlert || analysis.Action == schema.ActionBlock {
		if err := p.deps.Monitor.NotifyHighRisk(ctx, event, analysis, routed...); err != nil {
			log.Error("high risk notification failed", "error", err)
		}
	}
	return names
}

// deliverable filters names down to the channels n actually has, when n
// can tell.
func deliverable(n Notifier, names []string) []string {
	h, ok := n.(interface{ Has(string) bool })
	if !ok {
		return names
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if h.Has(name) {
			out = append(out, name)
		}
	}
	return out
}

func (p *Pipeline) observe(record func(float64, string) error, start time.Time, traceID string, log *slog.Logger) {
	if err := record(time.Since(start).Seconds(), traceID); err != nil {
		log.Error("latency not recorded", "error", err)
	}
}

// withTraceID returns raw with a trace ID, reusing one already present.
// The caller's map is not modified.
func withTraceID(raw schema.RawEvent) (schema.RawEvent, string) {
	if raw == nil {
		return nil, uuid.New().String()
	}
	if id, ok := raw.String("traceId", "trace_id"); ok && id != "" {
		return raw, id
	}
	id := uuid.New().String()
	cp := make(schema.RawEvent, len(raw)+1)
	for k, v := range raw {
		cp[k] = v
	}
	cp["traceId"] = id
	return cp, id
}
