package schema

import (
	"fmt"
	"math"
	"time"
)

// Category groups behavior tags by the kind of evidence they carry.
type Category string

const (
	CategoryFlow        Category = "flow"
	CategoryBehavior    Category = "behavior"
	CategoryAssociation Category = "association"
	CategoryHistorical  Category = "historical"
	CategoryTechnical   Category = "technical"
	CategorySystem      Category = "system"
)

// IsValid checks if the category is a known value.
func (c Category) IsValid() bool {
	switch c {
	case CategoryFlow, CategoryBehavior, CategoryAssociation,
		CategoryHistorical, CategoryTechnical, CategorySystem:
		return true
	}
	return false
}

// Dimension is one scored risk dimension. The set is closed: adding a
// dimension means extending the enum and every switch over it.
type Dimension int

const (
	DimensionFlow Dimension = iota
	DimensionBehavior
	DimensionAssociation
	DimensionHistorical
	DimensionTechnical
)

// Dimensions lists every dimension in scoring order.
var Dimensions = []Dimension{
	DimensionFlow,
	DimensionBehavior,
	DimensionAssociation,
	DimensionHistorical,
	DimensionTechnical,
}

func (d Dimension) String() string {
	switch d {
	case DimensionFlow:
		return "flow"
	case DimensionBehavior:
		return "behavior"
	case DimensionAssociation:
		return "association"
	case DimensionHistorical:
		return "historical"
	case DimensionTechnical:
		return "technical"
	}
	return fmt.Sprintf("dimension(%d)", int(d))
}

// Category returns the tag category scored by this dimension.
func (d Dimension) Category() Category {
	switch d {
	case DimensionFlow:
		return CategoryFlow
	case DimensionBehavior:
		return CategoryBehavior
	case DimensionAssociation:
		return CategoryAssociation
	case DimensionHistorical:
		return CategoryHistorical
	case DimensionTechnical:
		return CategoryTechnical
	}
	return CategorySystem
}

// ParseDimension maps a configuration key to a dimension.
func ParseDimension(name string) (Dimension, error) {
	for _, d := range Dimensions {
		if d.String() == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown risk dimension %q", name)
}

// CategoryDimension maps a tag category onto the dimension that scores it.
// System tags describe the pipeline itself and are not scored.
func CategoryDimension(c Category) (Dimension, bool) {
	switch c {
	case CategoryFlow:
		return DimensionFlow, true
	case CategoryBehavior:
		return DimensionBehavior, true
	case CategoryAssociation:
		return DimensionAssociation, true
	case CategoryHistorical:
		return DimensionHistorical, true
	case CategoryTechnical:
		return DimensionTechnical, true
	case CategorySystem:
		return 0, false
	}
	return 0, false
}

// BehaviorTag is one piece of evidence produced by a sub-analyzer.
type BehaviorTag struct {
	Name        string   `json:"name"`
	Confidence  float64  `json:"confidence"`
	Category    Category `json:"category"`
	Description string   `json:"description,omitempty"`
}

// Level is the coarse risk level of an analysis.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Rank orders levels from low (0) to critical (3).
func (l Level) Rank() int {
	switch l {
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	}
	return 0
}

// Action is the operator action recommended for an analysis.
type Action string

const (
	ActionNone    Action = "none"
	ActionMonitor Action = "monitor"
	ActionAlert   Action = "alert"
	ActionBlock   Action = "block"
)

// AnalysisStatus distinguishes real verdicts from fallbacks.
type AnalysisStatus string

const (
	StatusScored      AnalysisStatus = "scored"
	StatusNeedsReview AnalysisStatus = "needs_review"
)

// DimensionScore is the per-dimension part of an analysis.
type DimensionScore struct {
	Name   string   `json:"name"`
	Score  float64  `json:"score"`
	Weight float64  `json:"weight"`
	Tags   []string `json:"tags"`
}

// AIAnalysis carries the narrative produced alongside the numeric score.
type AIAnalysis struct {
	BehaviorAnalysis string `json:"behavior_analysis"`
	GraphAnalysis    string `json:"graph_analysis"`
	Summary          string `json:"summary"`
}

// EnhancedRiskAnalysis is the verdict for one event. It is produced exactly
// once per event and not modified afterwards.
type EnhancedRiskAnalysis struct {
	TraceID         string           `json:"trace_id"`
	TransactionHash string           `json:"transaction_hash"`
	Score           float64          `json:"score"`
	Level           Level            `json:"level"`
	Factors         []string         `json:"factors"`
	Features        []string         `json:"features"`
	BehaviorTags    []BehaviorTag    `json:"behavior_tags"`
	Dimensions      []DimensionScore `json:"dimensions"`
	AIAnalysis      AIAnalysis       `json:"ai_analysis"`
	Combinations    []string         `json:"combinations"`
	Timestamp       time.Time        `json:"timestamp"`
	Action          Action           `json:"action"`
	Status          AnalysisStatus   `json:"status"`
	Fallback        bool             `json:"fallback,omitempty"` // default verdict after a failed analysis
}

// HasFactor reports whether name is among the analysis factors.
func (a *EnhancedRiskAnalysis) HasFactor(name string) bool {
	for _, f := range a.Factors {
		if f == name {
			return true
		}
	}
	return false
}

// RiskPath is a weighted path toward a risky address.
type RiskPath struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Weight float64 `json:"weight"`
}

// RiskNode is a network member with a notable risk score.
type RiskNode struct {
	Address   string  `json:"address"`
	RiskScore float64 `json:"risk_score"`
	Distance  int     `json:"distance"`
}

// GraphAnalysisResult is derived per request from a bounded neighborhood.
type GraphAnalysisResult struct {
	Centrality float64    `json:"centrality"`
	Degree     int        `json:"degree"`
	Clustering float64    `json:"clustering"`
	RiskPaths  []RiskPath `json:"risk_paths"`
	RiskNodes  []RiskNode `json:"risk_nodes"`
}

// EmptyGraphResult is the zero result returned when the graph cannot be built.
func EmptyGraphResult() GraphAnalysisResult {
	return GraphAnalysisResult{
		RiskPaths: []RiskPath{},
		RiskNodes: []RiskNode{},
	}
}

// Clamp01 bounds a score to [0,1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
