// Package timeseries scores the timing of an address's transactions for
// machine-like regularity, bursts, repeated cadences and odd-hour activity.
package timeseries

import (
	"math"
	"sort"
	"time"

	"risk-pipeline/internal/schema"
)

const (
	// MinEvents is the sample size below which no analysis is attempted.
	MinEvents = 5
	// DefaultScore is returned when there are too few events.
	DefaultScore = 0.1

	patternTolerance = 0.2
	burstFraction    = 0.2
)

// IntervalStats summarizes inter-arrival times in seconds.
type IntervalStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	CV     float64 `json:"cv"`
}

// Stats computes interval statistics for events in time order.
func Stats(events []*schema.NormalizedEvent) IntervalStats {
	return intervalStats(intervals(timestamps(events)))
}

// Analyzer scores event timing. The zero value is ready to use.
type Analyzer struct{}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// DetectAnomalies returns a score in [0,1]. Rules are combined with max.
func (a *Analyzer) DetectAnomalies(events []*schema.NormalizedEvent) float64 {
	ts := timestamps(events)
	if len(ts) < MinEvents {
		return DefaultScore
	}

	iv := intervals(ts)
	st := intervalStats(iv)
	score := 0.0

	// Machine-regular cadence.
	if st.CV < 0.1 && len(iv) > 5 {
		score = math.Max(score, 0.8)
	}

	if burstRatio(iv, st.Mean) > 0.7 {
		score = math.Max(score, 0.7)
	}

	switch r := patternRatio(iv); {
	case r > 0.7:
		score = math.Max(score, 0.9)
	case r > 0.5:
		score = math.Max(score, 0.7)
	case r > 0.3:
		score = math.Max(score, 0.5)
	}

	hours := make(map[int]int)
	night := 0
	for _, t := range ts {
		h := time.Unix(t, 0).UTC().Hour()
		hours[h]++
		if h < 5 {
			night++
		}
	}
	if len(hours) <= 3 && len(ts) > 10 {
		score = math.Max(score, 0.7)
	}
	if len(ts) > 5 && float64(night)/float64(len(ts)) > 0.5 {
		score = math.Max(score, 0.8)
	}

	return schema.Clamp01(score)
}

func timestamps(events []*schema.NormalizedEvent) []int64 {
	ts := make([]int64, 0, len(events))
	for _, e := range events {
		if e != nil {
			ts = append(ts, e.Timestamp)
		}
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	return ts
}

func intervals(ts []int64) []float64 {
	if len(ts) < 2 {
		return nil
	}
	iv := make([]float64, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		iv[i-1] = float64(ts[i] - ts[i-1])
	}
	return iv
}

func intervalStats(iv []float64) IntervalStats {
	st := IntervalStats{Count: len(iv)}
	if len(iv) == 0 {
		return st
	}
	for _, v := range iv {
		st.Mean += v
	}
	st.Mean /= float64(len(iv))

	var sq float64
	for _, v := range iv {
		d := v - st.Mean
		sq += d * d
	}
	st.StdDev = math.Sqrt(sq / float64(len(iv)))
	if st.Mean > 0 {
		st.CV = st.StdDev / st.Mean
	}
	return st
}

// burstRatio is the fraction of intervals shorter than a fifth of the mean.
func burstRatio(iv []float64, mean float64) float64 {
	if len(iv) == 0 || mean <= 0 {
		return 0
	}
	n := 0
	for _, v := range iv {
		if v < burstFraction*mean {
			n++
		}
	}
	return float64(n) / float64(len(iv))
}

// patternRatio measures how often an interval repeats the one three
// positions earlier, i.e. how strongly a 3-step cadence recurs.
func patternRatio(iv []float64) float64 {
	if len(iv) < 6 {
		return 0
	}
	matches := 0
	for i := 3; i < len(iv); i++ {
		if within(iv[i], iv[i-3], patternTolerance) {
			matches++
		}
	}
	return float64(matches) / float64(len(iv)-3)
}

func within(a, b, tol float64) bool {
	m := math.Max(math.Abs(a), math.Abs(b))
	if m == 0 {
		return true
	}
	return math.Abs(a-b) <= tol*m
}
