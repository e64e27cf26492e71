// Package behavior derives behavior tags for a sender from its recent
// transaction history and address profile.
package behavior

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	"risk-pipeline/internal/analysis/timeseries"
	"risk-pipeline/internal/history"
	"risk-pipeline/internal/schema"
)

// Tag names produced by the analyzer.
const (
	TagNewAccount           = "new_account"
	TagHighFrequencyAccount = "high_frequency_account"
	TagDormantActivated     = "dormant_activated"
	TagUnusualLargeTx       = "unusual_large_tx"
	TagFundDispersal        = "fund_dispersal"
	TagPeriodicActivity     = "periodic_activity"
	TagFrequentContractUser = "frequent_contract_user"
	TagDEXUser              = "dex_user"
	TagDeFiUser             = "defi_user"
	TagMixerInteraction     = "mixer_interaction"
	TagPhishingRelated      = "phishing_related"
	TagFraudRelated         = "fraud_related"
	TagAnalysisError        = "analysis_error"
)

const day = 24 * time.Hour

// Config holds behavior analysis settings.
type Config struct {
	DispersalThreshold int           `yaml:"dispersal_threshold"`
	Mixers             []string      `yaml:"mixers"`
	Lookback           time.Duration `yaml:"lookback"`
	MaxEvents          int           `yaml:"max_events"`
}

// DefaultConfig returns the default behavior configuration.
func DefaultConfig() Config {
	return Config{
		DispersalThreshold: 10,
		Mixers: []string{
			"0x722122df12d4e14e13ac3b6895a86e84145b6967", // Tornado Cash proxy
			"0xd90e2f925da726b50c4ed8d0fb90ad053324f31b", // Tornado Cash router
			"0x910cbd523d972eb0a6f4cae4618ad62622b39dbf", // Tornado Cash 10 ETH
			"0xa160cdab225685da1d56aa342ad8841c3b53f291", // Tornado Cash 100 ETH
		},
		Lookback:  30 * day,
		MaxEvents: 100,
	}
}

// Details carries the measurements behind the tags.
type Details struct {
	HistoricalCount     int     `json:"historical_count"`
	AccountAgeDays      float64 `json:"account_age_days"`
	TxPerDay            float64 `json:"tx_per_day"`
	ValueZScore         float64 `json:"value_z_score"`
	UniqueRecipients24h int     `json:"unique_recipients_24h"`
	IntervalCV          float64 `json:"interval_cv"`
	ContractCallRatio   float64 `json:"contract_call_ratio"`
}

// Result is the outcome of a behavior analysis.
type Result struct {
	Tags    []schema.BehaviorTag `json:"tags"`
	Details Details              `json:"details"`
}

// Analyzer derives behavior tags. It is safe for concurrent use.
type Analyzer struct {
	store  history.Store
	config Config
	mixers map[string]struct{}
	logger *slog.Logger
}

// NewAnalyzer creates a behavior Analyzer reading from store.
func NewAnalyzer(store history.Store, cfg Config, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.DispersalThreshold <= 0 {
		cfg.DispersalThreshold = def.DispersalThreshold
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	mixers := make(map[string]struct{}, len(cfg.Mixers))
	for _, m := range cfg.Mixers {
		mixers[strings.ToLower(m)] = struct{}{}
	}
	return &Analyzer{store: store, config: cfg, mixers: mixers, logger: logger}
}

// Analyze returns the behavior tags for the sender of event. It never fails:
// internal errors produce a single analysis_error tag.
func (a *Analyzer) Analyze(ctx context.Context, event *schema.NormalizedEvent, profile *schema.AddressProfile) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("behavior analysis panicked", "trace_id", traceID(event), "panic", r)
			res = errorResult()
		}
	}()

	res, err := a.analyze(ctx, event, profile)
	if err != nil {
		a.logger.Warn("behavior analysis failed", "trace_id", traceID(event), "error", err)
		return errorResult()
	}
	return res
}

func errorResult() Result {
	return Result{Tags: []schema.BehaviorTag{{
		Name:        TagAnalysisError,
		Confidence:  1.0,
		Category:    schema.CategorySystem,
		Description: "behavior analysis failed",
	}}}
}

func traceID(e *schema.NormalizedEvent) string {
	if e == nil {
		return ""
	}
	return e.TraceID
}

func (a *Analyzer) analyze(ctx context.Context, event *schema.NormalizedEvent, profile *schema.AddressProfile) (Result, error) {
	if event == nil {
		return Result{}, fmt.Errorf("nil event")
	}

	now := time.Unix(event.Timestamp, 0)
	recent, err := a.store.RecentByAddress(ctx, event.From, now.Add(-a.config.Lookback), a.config.MaxEvents)
	if err != nil {
		return Result{}, fmt.Errorf("fetch history: %w", err)
	}

	// History excluding the event under analysis.
	past := make([]*schema.NormalizedEvent, 0, len(recent))
	for _, e := range recent {
		if e.TransactionHash != event.TransactionHash {
			past = append(past, e)
		}
	}

	var (
		tags    []schema.BehaviorTag
		details Details
	)
	add := func(name string, conf float64, cat schema.Category, desc string) {
		tags = append(tags, schema.BehaviorTag{
			Name:        name,
			Confidence:  schema.Clamp01(conf),
			Category:    cat,
			Description: desc,
		})
	}

	details.HistoricalCount = len(past)
	count := int64(len(past))
	if profile != nil && profile.TransactionCount > count {
		count = profile.TransactionCount
	}

	// Account age from the earliest evidence available.
	firstSeen := now
	if profile != nil && !profile.FirstSeen.IsZero() && profile.FirstSeen.Before(firstSeen) {
		firstSeen = profile.FirstSeen
	}
	if len(past) > 0 {
		if ts := time.Unix(past[0].Timestamp, 0); ts.Before(firstSeen) {
			firstSeen = ts
		}
	}
	age := now.Sub(firstSeen)
	details.AccountAgeDays = age.Hours() / 24

	if age < 7*day {
		add(TagNewAccount, 0.9, schema.CategoryHistorical,
			fmt.Sprintf("account is %.1f days old", details.AccountAgeDays))
	}

	details.TxPerDay = float64(count) / math.Max(details.AccountAgeDays, 1)
	if details.TxPerDay > 10 {
		add(TagHighFrequencyAccount, 0.8, schema.CategoryBehavior,
			fmt.Sprintf("%.1f transactions per day", details.TxPerDay))
	}

	var lastSeen time.Time
	if profile != nil {
		lastSeen = profile.LastSeen
	}
	if len(past) > 0 {
		if ts := time.Unix(past[len(past)-1].Timestamp, 0); ts.After(lastSeen) {
			lastSeen = ts
		}
	}
	if age > 30*day && count < 5 && !lastSeen.IsZero() && now.Sub(lastSeen) > 30*day {
		add(TagDormantActivated, 0.7, schema.CategoryHistorical,
			fmt.Sprintf("inactive for %.0f days", now.Sub(lastSeen).Hours()/24))
	}

	var sent []*schema.NormalizedEvent
	for _, e := range past {
		if e.From == event.From {
			sent = append(sent, e)
		}
	}

	if z, ok := valueZScore(sent, event.ValueWei()); ok {
		details.ValueZScore = z
		if z > 3 {
			add(TagUnusualLargeTx, math.Min(0.9, 0.5+z/10), schema.CategoryFlow,
				fmt.Sprintf("value is %.1f standard deviations above mean", z))
		}
	}

	recipients := map[string]struct{}{event.To: {}}
	dayAgo := event.Timestamp - int64(day/time.Second)
	for _, e := range sent {
		if e.Timestamp >= dayAgo {
			recipients[e.To] = struct{}{}
		}
	}
	details.UniqueRecipients24h = len(recipients)
	if len(recipients) >= a.config.DispersalThreshold {
		add(TagFundDispersal, 0.7, schema.CategoryFlow,
			fmt.Sprintf("%d unique recipients in 24h", len(recipients)))
	}

	if len(sent) >= 10 {
		st := timeseries.Stats(sent)
		details.IntervalCV = st.CV
		if st.Mean > 0 && st.CV < 0.5 {
			add(TagPeriodicActivity, 0.6, schema.CategoryBehavior,
				fmt.Sprintf("interval coefficient of variation %.2f", st.CV))
		}
	}

	all := append(sent, event)
	calls := 0
	var dex, defi bool
	for _, e := range all {
		if e.IsContractCall() {
			calls++
		}
		dex = dex || IsDEXMethod(e.MethodName)
		defi = defi || IsDeFiMethod(e.MethodName)
	}
	details.ContractCallRatio = float64(calls) / float64(len(all))
	if len(all) >= 5 && details.ContractCallRatio >= 0.5 {
		add(TagFrequentContractUser, 0.6, schema.CategoryTechnical,
			fmt.Sprintf("%.0f%% of transactions are contract calls", details.ContractCallRatio*100))
	}
	if dex {
		add(TagDEXUser, 0.7, schema.CategoryTechnical, "uses DEX swap or liquidity methods")
	}
	if defi {
		add(TagDeFiUser, 0.8, schema.CategoryTechnical, "uses lending, staking or flash loan methods")
	}

	if mixer, ok := a.mixerCounterparty(ctx, event); ok {
		add(TagMixerInteraction, 0.9, schema.CategoryAssociation,
			fmt.Sprintf("transacted with mixer %s", mixer))
	}

	if profile.HasTag("phishing") {
		add(TagPhishingRelated, 0.9, schema.CategoryAssociation, "address profile is tagged phishing")
	}
	if profile.HasTag("fraud") {
		add(TagFraudRelated, 0.9, schema.CategoryAssociation, "address profile is tagged fraud")
	}

	if tags == nil {
		tags = []schema.BehaviorTag{}
	}
	return Result{Tags: tags, Details: details}, nil
}

func (a *Analyzer) mixerCounterparty(ctx context.Context, event *schema.NormalizedEvent) (string, bool) {
	if len(a.mixers) == 0 {
		return "", false
	}
	if _, ok := a.mixers[event.To]; ok {
		return event.To, true
	}
	if _, ok := a.mixers[event.From]; ok {
		return event.From, true
	}
	others, err := a.store.Counterparties(ctx, event.From, a.config.MaxEvents)
	if err != nil {
		return "", false
	}
	for _, o := range others {
		if _, ok := a.mixers[o]; ok {
			return o, true
		}
	}
	return "", false
}

// valueZScore computes how far value sits above the mean of the historical
// values, using integer arithmetic for the mean and variance.
func valueZScore(past []*schema.NormalizedEvent, value *big.Int) (float64, bool) {
	if len(past) < 2 {
		return 0, false
	}
	n := big.NewInt(int64(len(past)))

	sum := new(big.Int)
	for _, e := range past {
		sum.Add(sum, e.ValueWei())
	}
	mean := new(big.Int).Quo(sum, n)

	variance := new(big.Int)
	d := new(big.Int)
	for _, e := range past {
		d.Sub(e.ValueWei(), mean)
		variance.Add(variance, d.Mul(d, d))
	}
	variance.Quo(variance, n)
	std := new(big.Int).Sqrt(variance)
	if std.Sign() == 0 {
		return 0, false
	}

	diff := new(big.Int).Sub(value, mean)
	z, _ := new(big.Rat).SetFrac(diff, std).Float64()
	return z, true
}

// IsDEXMethod reports whether method is a swap or liquidity call.
func IsDEXMethod(method string) bool {
	m := strings.ToLower(method)
	return strings.Contains(m, "swap") || strings.Contains(m, "liquidity") || strings.HasPrefix(m, "exactinput") || strings.HasPrefix(m, "exactoutput")
}

// IsDeFiMethod reports whether method is a lending, staking or flash loan call.
func IsDeFiMethod(method string) bool {
	m := strings.ToLower(method)
	for _, kw := range []string{"lend", "borrow", "stake", "deposit", "withdraw", "repay", "flashloan"} {
		if strings.Contains(m, kw) {
			return true
		}
	}
	return false
}
