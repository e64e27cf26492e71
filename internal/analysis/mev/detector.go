// Package mev detects maximal-extractable-value activity: known searcher
// bots, MEV-style method calls, sandwich patterns and bursty senders.
package mev

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"risk-pipeline/internal/schema"
)

// Detection windows and confidences.
const (
	SandwichWindowSeconds      = 30
	HighFrequencyWindowSeconds = 60
	HighFrequencyMinEvents     = 5

	ConfidenceKnownBot      = 0.95
	ConfidenceMethod        = 0.7
	ConfidenceSandwich      = 0.85
	ConfidenceHighFrequency = 0.6
)

// Signal names the check that fired.
type Signal string

const (
	SignalNone          Signal = ""
	SignalKnownBot      Signal = "known_bot"
	SignalMethod        Signal = "mev_method"
	SignalSandwich      Signal = "sandwich"
	SignalHighFrequency Signal = "high_frequency"
)

// Result is the outcome of a detection run.
type Result struct {
	Detected    bool    `json:"detected"`
	Confidence  float64 `json:"confidence"`
	Signal      Signal  `json:"signal,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Detector checks events for MEV activity. It is safe for concurrent use.
type Detector struct {
	knownBots map[string]struct{}
	logger    *slog.Logger
}

// NewDetector creates a Detector with the given known-bot addresses.
func NewDetector(knownBots []string, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	bots := make(map[string]struct{}, len(knownBots))
	for _, b := range knownBots {
		b = strings.ToLower(strings.TrimSpace(b))
		if b != "" {
			bots[b] = struct{}{}
		}
	}
	return &Detector{knownBots: bots, logger: logger}
}

// IsKnownBot reports whether addr is a listed MEV bot.
func (d *Detector) IsKnownBot(addr string) bool {
	_, ok := d.knownBots[strings.ToLower(addr)]
	return ok
}

// Detect reports whether event looks like MEV activity.
func (d *Detector) Detect(event *schema.NormalizedEvent, recent []*schema.NormalizedEvent) bool {
	return d.Evaluate(event, recent).Detected
}

// Evaluate runs the checks in order and returns the first that fires.
// Detection never fails: a panic inside a check yields no detection.
func (d *Detector) Evaluate(event *schema.NormalizedEvent, recent []*schema.NormalizedEvent) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("mev detection panicked", "panic", r)
			res = Result{}
		}
	}()

	if event == nil {
		return Result{}
	}

	if d.IsKnownBot(event.From) {
		return Result{
			Detected:    true,
			Confidence:  ConfidenceKnownBot,
			Signal:      SignalKnownBot,
			Description: fmt.Sprintf("sender %s is a known MEV bot", event.From),
		}
	}

	if IsMEVMethod(event.MethodName) {
		return Result{
			Detected:    true,
			Confidence:  ConfidenceMethod,
			Signal:      SignalMethod,
			Description: fmt.Sprintf("method %s matches an MEV signature", event.MethodName),
		}
	}

	timeline := mergeTimeline(event, recent)

	if attacker, ok := findSandwich(timeline); ok {
		return Result{
			Detected:    true,
			Confidence:  ConfidenceSandwich,
			Signal:      SignalSandwich,
			Description: fmt.Sprintf("sandwich pattern by %s", attacker),
		}
	}

	if n := maxEventsInWindow(timeline, event.From, HighFrequencyWindowSeconds); n >= HighFrequencyMinEvents {
		return Result{
			Detected:    true,
			Confidence:  ConfidenceHighFrequency,
			Signal:      SignalHighFrequency,
			Description: fmt.Sprintf("%d transactions from sender within %ds", n, HighFrequencyWindowSeconds),
		}
	}

	return Result{}
}

// IsMEVMethod matches swap*, flash* and flashLoan method names.
func IsMEVMethod(method string) bool {
	m := strings.ToLower(method)
	return strings.HasPrefix(m, "swap") || strings.HasPrefix(m, "flash")
}

// mergeTimeline returns recent plus event sorted by timestamp, without
// duplicate transactions.
func mergeTimeline(event *schema.NormalizedEvent, recent []*schema.NormalizedEvent) []*schema.NormalizedEvent {
	seen := make(map[string]bool, len(recent)+1)
	out := make([]*schema.NormalizedEvent, 0, len(recent)+1)
	add := func(e *schema.NormalizedEvent) {
		if e == nil {
			return
		}
		if e.TransactionHash != "" {
			if seen[e.TransactionHash] {
				return
			}
			seen[e.TransactionHash] = true
		}
		out = append(out, e)
	}
	for _, e := range recent {
		add(e)
	}
	add(event)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// findSandwich looks for consecutive (before, target, after) where the outer
// two are contract calls from the same sender wrapped around another sender.
func findSandwich(timeline []*schema.NormalizedEvent) (string, bool) {
	for i := 1; i+1 < len(timeline); i++ {
		before, target, after := timeline[i-1], timeline[i], timeline[i+1]
		if before.From != after.From || before.From == target.From {
			continue
		}
		if !before.IsContractCall() || !after.IsContractCall() {
			continue
		}
		if target.Timestamp-before.Timestamp < SandwichWindowSeconds &&
			after.Timestamp-target.Timestamp < SandwichWindowSeconds {
			return before.From, true
		}
	}
	return "", false
}

// maxEventsInWindow is the largest number of events from sender falling in
// any span of window seconds.
func maxEventsInWindow(timeline []*schema.NormalizedEvent, sender string, window int64) int {
	var ts []int64
	for _, e := range timeline {
		if e.From == sender {
			ts = append(ts, e.Timestamp)
		}
	}

	best, lo := 0, 0
	for hi := range ts {
		for ts[hi]-ts[lo] > window {
			lo++
		}
		if n := hi - lo + 1; n > best {
			best = n
		}
	}
	return best
}
