// Package analysis orchestrates the sub-analyzers for one event and combines
// their evidence into an EnhancedRiskAnalysis.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"risk-pipeline/internal/ai"
	"risk-pipeline/internal/analysis/behavior"
	"risk-pipeline/internal/analysis/graph"
	"risk-pipeline/internal/analysis/mev"
	"risk-pipeline/internal/analysis/pattern"
	"risk-pipeline/internal/analysis/score"
	"risk-pipeline/internal/history"
	"risk-pipeline/internal/schema"
)

// Factor names set by the orchestrator itself.
const (
	FactorMEVActivity     = "mev_activity"
	FactorLargeValue      = "large_value"
	FactorHighValue       = "high_value"
	FactorHighRiskMethod  = "high_risk_method"
	FactorUnknownMethod   = "unknown_method"
	FactorHighRiskProfile = "high_risk_profile"
	FactorRiskPath        = "graph_risk_path"
	FactorHighCentrality  = "graph_high_centrality"
	FactorAnalysisFailed  = "risk_analysis_failed"

	// AIFactorPrefix namespaces model factors so they never match
	// combinations or orchestrator factors.
	AIFactorPrefix = "ai:"
)

// ErrorKind is the errors_total label used for analysis failures.
const ErrorKind = "risk_analysis"

const (
	mevLookback     = 10 * time.Minute
	mevRecentLimit  = 50
	riskPathBonus   = 0.6
	centralityBonus = 0.5
	highCentrality  = 0.7
)

// DefaultHighRiskMethods is the contract method allowlist scored at 0.6.
var DefaultHighRiskMethods = []string{
	"transfer", "transferFrom", "approve", "setApprovalForAll",
	"swap", "swapExactTokensForTokens", "swapExactETHForTokens", "swapTokensForExactTokens",
	"flashLoan", "multicall", "execute", "delegatecall", "upgradeTo", "withdraw",
}

// Combination raises the score when all of its factors are present.
type Combination struct {
	Factors []string
	Bonus   float64
	Floor   float64
}

// Name is the "+"-joined factor list.
func (c Combination) Name() string {
	return strings.Join(c.Factors, "+")
}

// DefaultCombinations lists the factor pairs that escalate a verdict.
var DefaultCombinations = []Combination{
	{Factors: []string{FactorMEVActivity, FactorLargeValue}, Bonus: 0.15, Floor: 0.9},
	{Factors: []string{behavior.TagNewAccount, FactorLargeValue}, Bonus: 0.1, Floor: 0.7},
	{Factors: []string{behavior.TagMixerInteraction, behavior.TagFundDispersal}, Bonus: 0.15, Floor: 0.9},
}

// Config controls the orchestrator.
type Config struct {
	CallTimeout     time.Duration
	FailClosed      bool
	GraphDepth      int
	HighRiskMethods []string
	Combinations    []Combination
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		CallTimeout:     5 * time.Second,
		FailClosed:      true,
		GraphDepth:      graph.DefaultDepth,
		HighRiskMethods: DefaultHighRiskMethods,
		Combinations:    DefaultCombinations,
	}
}

// ErrorRecorder counts failures by kind.
type ErrorRecorder interface {
	RecordError(kind, traceID string)
}

// Deps are the collaborators of a RiskAnalyzer. Nil analyzers are skipped.
type Deps struct {
	Store      history.Store
	MEV        *mev.Detector
	Behavior   *behavior.Analyzer
	Pattern    *pattern.Analyzer
	Graph      *graph.Analyzer
	Model      ai.Model
	Calculator *score.Calculator
	Errors     ErrorRecorder
}

// RiskAnalyzer produces one EnhancedRiskAnalysis per event. It is safe for
// concurrent use.
type RiskAnalyzer struct {
	config      Config
	deps        Deps
	highRiskSet map[string]struct{}
	now         func() time.Time
	logger      *slog.Logger
}

// NewRiskAnalyzer creates a RiskAnalyzer.
func NewRiskAnalyzer(cfg Config, deps Deps, logger *slog.Logger) *RiskAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.GraphDepth <= 0 {
		cfg.GraphDepth = graph.DefaultDepth
	}
	if cfg.HighRiskMethods == nil {
		cfg.HighRiskMethods = DefaultHighRiskMethods
	}
	if cfg.Combinations == nil {
		cfg.Combinations = DefaultCombinations
	}
	if deps.Calculator == nil {
		deps.Calculator = score.NewCalculator(nil, nil)
	}
	if deps.Model == nil {
		deps.Model = ai.NoopModel{}
	}
	set := make(map[string]struct{}, len(cfg.HighRiskMethods))
	for _, m := range cfg.HighRiskMethods {
		set[strings.ToLower(m)] = struct{}{}
	}
	return &RiskAnalyzer{config: cfg, deps: deps, highRiskSet: set, now: time.Now, logger: logger}
}

// WithClock overrides the analysis timestamp source.
func (a *RiskAnalyzer) WithClock(now func() time.Time) *RiskAnalyzer {
	a.now = now
	return a
}

// Analyze scores event. It always returns an analysis: internal failures
// produce the configured fallback verdict.
func (a *RiskAnalyzer) Analyze(ctx context.Context, event *schema.NormalizedEvent, profile *schema.AddressProfile) (res schema.EnhancedRiskAnalysis) {
	defer func() {
		if r := recover(); r != nil {
			res = a.fallback(event, fmt.Errorf("panic: %v", r))
		}
	}()

	res, err := a.analyze(ctx, event, profile)
	if err != nil {
		return a.fallback(event, err)
	}
	return res
}

// fallback is the verdict used when analysis cannot complete. Fail-closed
// asks for review at medium risk; fail-open reports low risk.
func (a *RiskAnalyzer) fallback(event *schema.NormalizedEvent, cause error) schema.EnhancedRiskAnalysis {
	var traceID, txHash string
	if event != nil {
		traceID, txHash = event.TraceID, event.TransactionHash
	}

	a.logger.Error("risk analysis failed",
		"trace_id", traceID,
		"fail_closed", a.config.FailClosed,
		"error", cause,
	)
	if a.deps.Errors != nil {
		a.deps.Errors.RecordError(ErrorKind, traceID)
	}

	res := schema.EnhancedRiskAnalysis{
		TraceID:         traceID,
		TransactionHash: txHash,
		Factors:         []string{FactorAnalysisFailed},
		Features:        []string{},
		BehaviorTags:    []schema.BehaviorTag{},
		Dimensions:      []schema.DimensionScore{},
		Combinations:    []string{},
		Timestamp:       a.now(),
		Action:          schema.ActionMonitor,
		Fallback:        true,
		AIAnalysis: schema.AIAnalysis{
			Summary: "risk analysis failed: " + cause.Error(),
		},
	}
	if a.config.FailClosed {
		res.Score = 0.5
		res.Level = schema.LevelMedium
		res.Status = schema.StatusNeedsReview
	} else {
		res.Score = 0.2
		res.Level = schema.LevelLow
		res.Status = schema.StatusScored
	}
	return res
}

// findings collects the concurrent sub-analyzer outputs.
type findings struct {
	mev      mev.Result
	behavior behavior.Result
	pattern  pattern.Result
	ai       ai.Assessment
	graph    schema.GraphAnalysisResult
}

func (a *RiskAnalyzer) analyze(ctx context.Context, event *schema.NormalizedEvent, profile *schema.AddressProfile) (schema.EnhancedRiskAnalysis, error) {
	if event == nil {
		return schema.EnhancedRiskAnalysis{}, errors.New("nil event")
	}
	if profile == nil {
		profile = schema.EmptyProfile(event.From)
	}

	dims := make(map[schema.Dimension]float64, len(schema.Dimensions))
	dimTags := make(map[schema.Dimension][]string, len(schema.Dimensions))
	factors := newOrderedSet()
	raise := func(d schema.Dimension, v float64, tag string) {
		v = schema.Clamp01(v)
		if v > dims[d] {
			dims[d] = v
		}
		if tag != "" {
			dimTags[d] = appendUnique(dimTags[d], tag)
		}
	}

	// Historical risk comes from the profile.
	raise(schema.DimensionHistorical, profile.RiskScore, "")
	if profile.RiskScore >= 0.7 {
		factors.add(FactorHighRiskProfile)
		dimTags[schema.DimensionHistorical] = appendUnique(dimTags[schema.DimensionHistorical], FactorHighRiskProfile)
	}

	value := event.ValueWei()
	if v, factor := amountScore(value); v > 0 {
		raise(schema.DimensionFlow, v, factor)
		if factor != "" {
			factors.add(factor)
		}
	}

	if event.MethodName != "" {
		if a.isHighRiskMethod(event.MethodName) {
			raise(schema.DimensionTechnical, 0.6, FactorHighRiskMethod)
			factors.add(FactorHighRiskMethod)
		} else {
			raise(schema.DimensionTechnical, 0.3, FactorUnknownMethod)
		}
	}

	f, err := a.runAnalyzers(ctx, event, profile)
	if err != nil {
		return schema.EnhancedRiskAnalysis{}, err
	}

	tags := append([]schema.BehaviorTag{}, f.behavior.Tags...)

	if f.mev.Detected {
		factors.add(FactorMEVActivity)
		tags = append(tags, schema.BehaviorTag{
			Name:        FactorMEVActivity,
			Confidence:  f.mev.Confidence,
			Category:    schema.CategoryTechnical,
			Description: f.mev.Description,
		})
	}

	for _, d := range schema.Dimensions {
		r := a.deps.Calculator.DimensionScore(tags, d.Category())
		if len(r.Factors) == 0 {
			continue
		}
		raise(d, r.Value, "")
		for _, name := range r.Factors {
			dimTags[d] = appendUnique(dimTags[d], name)
		}
	}
	for _, t := range tags {
		if t.Category != schema.CategorySystem {
			factors.add(t.Name)
		}
	}

	if len(f.pattern.Factors) > 0 {
		raise(schema.DimensionBehavior, f.pattern.Score, "")
		for _, name := range f.pattern.Factors {
			factors.add(name)
			dimTags[schema.DimensionBehavior] = appendUnique(dimTags[schema.DimensionBehavior], name)
		}
	}

	if f.ai.Score > 0 {
		raise(schema.DimensionBehavior, f.ai.Score*f.ai.Confidence, "")
		for _, name := range f.ai.Factors {
			factors.add(AIFactorPrefix + name)
		}
	}

	assoc := dims[schema.DimensionAssociation]
	if len(f.graph.RiskPaths) > 0 {
		assoc += riskPathBonus
		factors.add(FactorRiskPath)
		dimTags[schema.DimensionAssociation] = appendUnique(dimTags[schema.DimensionAssociation], FactorRiskPath)
	}
	if f.graph.Centrality > highCentrality {
		assoc += centralityBonus
		factors.add(FactorHighCentrality)
		dimTags[schema.DimensionAssociation] = appendUnique(dimTags[schema.DimensionAssociation], FactorHighCentrality)
	}
	raise(schema.DimensionAssociation, assoc, "")

	final := a.deps.Calculator.WeightedMean(dims)
	var combos []string
	for _, c := range a.config.Combinations {
		if !factors.hasAll(c.Factors) {
			continue
		}
		combos = append(combos, c.Name())
		final += c.Bonus
		if final < c.Floor {
			final = c.Floor
		}
	}
	final = schema.Clamp01(final)

	dimensions := make([]schema.DimensionScore, 0, len(schema.Dimensions))
	for _, d := range schema.Dimensions {
		t := dimTags[d]
		if t == nil {
			t = []string{}
		}
		dimensions = append(dimensions, schema.DimensionScore{
			Name:   d.String(),
			Score:  dims[d],
			Weight: a.deps.Calculator.Weight(d),
			Tags:   t,
		})
	}

	if combos == nil {
		combos = []string{}
	}
	level, action := LevelFor(final), ActionFor(final)
	composite := a.deps.Calculator.Composite(dims)

	return schema.EnhancedRiskAnalysis{
		TraceID:         event.TraceID,
		TransactionHash: event.TransactionHash,
		Score:           final,
		Level:           level,
		Factors:         factors.list(),
		Features: []string{
			"value_eth=" + schema.FormatEther(value),
			"method=" + event.MethodName,
			fmt.Sprintf("graph_degree=%d", f.graph.Degree),
			fmt.Sprintf("graph_centrality=%.3f", f.graph.Centrality),
			fmt.Sprintf("graph_clustering=%.3f", f.graph.Clustering),
			fmt.Sprintf("pattern_score=%.3f", f.pattern.Score),
			fmt.Sprintf("composite=%.3f", composite),
			fmt.Sprintf("extended_level=%s", score.ExtendedLevelFor(final)),
		},
		BehaviorTags: tags,
		Dimensions:   dimensions,
		AIAnalysis: schema.AIAnalysis{
			BehaviorAnalysis: describeTags(tags, f.pattern),
			GraphAnalysis:    describeGraph(f.graph),
			Summary:          fmt.Sprintf("risk %.2f (%s), action %s; factors: %s", final, level, action, strings.Join(factors.list(), ", ")),
		},
		Combinations: combos,
		Timestamp:    a.now(),
		Action:       action,
		Status:       schema.StatusScored,
	}, nil
}

// runAnalyzers fans the sub-analyzers out, each under its own call timeout.
// Sub-analyzers are fail-soft, so an error here means a panic or a
// cancelled parent context.
func (a *RiskAnalyzer) runAnalyzers(ctx context.Context, event *schema.NormalizedEvent, profile *schema.AddressProfile) (findings, error) {
	var f findings
	f.graph = schema.EmptyGraphResult()
	f.pattern = pattern.Result{Factors: []string{}}

	g, gctx := errgroup.WithContext(ctx)
	run := func(name string, fn func(ctx context.Context)) {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%s analyzer panicked: %v", name, r)
				}
			}()
			cctx, cancel := context.WithTimeout(gctx, a.config.CallTimeout)
			defer cancel()
			fn(cctx)
			return nil
		})
	}

	if a.deps.MEV != nil {
		run("mev", func(ctx context.Context) {
			f.mev = a.deps.MEV.Evaluate(event, a.recentAround(ctx, event))
		})
	}
	if a.deps.Behavior != nil {
		run("behavior", func(ctx context.Context) {
			f.behavior = a.deps.Behavior.Analyze(ctx, event, profile)
		})
	}
	run("ai", func(ctx context.Context) {
		res, err := a.deps.Model.AnalyzeRisk(ctx, event)
		if err != nil {
			a.logger.Warn("ai model analysis failed", "trace_id", event.TraceID, "error", err)
			return
		}
		f.ai = res
	})
	if a.deps.Pattern != nil {
		run("pattern", func(ctx context.Context) {
			f.pattern = a.deps.Pattern.Evaluate(ctx, event)
		})
	}
	if a.deps.Graph != nil {
		run("graph", func(ctx context.Context) {
			f.graph = a.deps.Graph.Analyze(ctx, event.From, "", a.config.GraphDepth)
		})
	}

	if err := g.Wait(); err != nil {
		return findings{}, err
	}
	if err := ctx.Err(); err != nil {
		return findings{}, fmt.Errorf("analysis cancelled: %w", err)
	}
	return f, nil
}

// recentAround returns recent events touching the sender or the recipient.
func (a *RiskAnalyzer) recentAround(ctx context.Context, event *schema.NormalizedEvent) []*schema.NormalizedEvent {
	if a.deps.Store == nil {
		return nil
	}
	since := time.Unix(event.Timestamp, 0).Add(-mevLookback)
	var out []*schema.NormalizedEvent
	for _, addr := range []string{event.From, event.To} {
		if addr == "" {
			continue
		}
		events, err := a.deps.Store.RecentByAddress(ctx, addr, since, mevRecentLimit)
		if err != nil {
			a.logger.Warn("mev history lookup failed", "trace_id", event.TraceID, "address", addr, "error", err)
			continue
		}
		out = append(out, events...)
	}
	return out
}

func (a *RiskAnalyzer) isHighRiskMethod(method string) bool {
	_, ok := a.highRiskSet[strings.ToLower(method)]
	return ok
}

// amountScore rates the transferred value by fixed ether tiers.
func amountScore(value *big.Int) (float64, string) {
	switch {
	case value.Cmp(schema.Ether(10000)) >= 0:
		return 0.9, FactorLargeValue
	case value.Cmp(schema.Ether(1000)) >= 0:
		return 0.7, FactorLargeValue
	case value.Cmp(schema.Ether(100)) >= 0:
		return 0.5, FactorHighValue
	case value.Cmp(schema.Ether(10)) >= 0:
		return 0.3, FactorHighValue
	}
	return 0, ""
}

// LevelFor maps a final score to a level.
func LevelFor(s float64) schema.Level {
	switch {
	case s >= 0.9:
		return schema.LevelCritical
	case s >= 0.7:
		return schema.LevelHigh
	case s >= 0.4:
		return schema.LevelMedium
	}
	return schema.LevelLow
}

// ActionFor maps a final score to an action.
func ActionFor(s float64) schema.Action {
	switch {
	case s >= 0.9:
		return schema.ActionBlock
	case s >= 0.7:
		return schema.ActionAlert
	case s >= 0.4:
		return schema.ActionMonitor
	}
	return schema.ActionNone
}

func describeTags(tags []schema.BehaviorTag, p pattern.Result) string {
	merged := score.MergeSimilarTags(tags)
	if len(merged) == 0 {
		return "no notable behavior; " + p.Describe()
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Confidence > merged[j].Confidence })
	parts := make([]string, len(merged))
	for i, t := range merged {
		parts[i] = fmt.Sprintf("%s (%s, %.2f)", t.Name, t.Category, t.Confidence)
	}
	return strings.Join(parts, "; ") + "; " + p.Describe()
}

func describeGraph(g schema.GraphAnalysisResult) string {
	return fmt.Sprintf("degree %d, centrality %.2f, clustering %.2f, %d risk paths, %d risk nodes",
		g.Degree, g.Centrality, g.Clustering, len(g.RiskPaths), len(g.RiskNodes))
}

type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]struct{})}
}

func (s *orderedSet) add(v string) {
	if v == "" {
		return
	}
	if _, ok := s.seen[v]; ok {
		return
	}
	s.seen[v] = struct{}{}
	s.items = append(s.items, v)
}

func (s *orderedSet) hasAll(vs []string) bool {
	for _, v := range vs {
		if _, ok := s.seen[v]; !ok {
			return false
		}
	}
	return len(vs) > 0
}

func (s *orderedSet) list() []string {
	return append([]string{}, s.items...)
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
