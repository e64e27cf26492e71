// Package score turns behavior tags into per-dimension scores and combines
// dimension scores into a composite risk score.
package score

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"risk-pipeline/internal/schema"
)

// DefaultDimensionWeights weights each dimension in the composite.
var DefaultDimensionWeights = map[schema.Dimension]float64{
	schema.DimensionFlow:        0.25,
	schema.DimensionBehavior:    0.2,
	schema.DimensionAssociation: 0.25,
	schema.DimensionHistorical:  0.15,
	schema.DimensionTechnical:   0.15,
}

// DimensionResult is the score of one dimension.
type DimensionResult struct {
	Value      float64  `json:"value"`
	Factors    []string `json:"factors"`
	Confidence float64  `json:"confidence"`
}

// Calculator scores dimensions and composites. Weights are read-only after
// construction, so a Calculator is safe for concurrent use.
type Calculator struct {
	dimensionWeights map[schema.Dimension]float64
	tagWeights       map[string]float64
}

// NewCalculator creates a Calculator. Missing or non-positive dimension
// weights fall back to the defaults; tags without a weight are weighted by
// their own confidence.
func NewCalculator(dimensionWeights map[schema.Dimension]float64, tagWeights map[string]float64) *Calculator {
	dw := make(map[schema.Dimension]float64, len(schema.Dimensions))
	for _, d := range schema.Dimensions {
		w := DefaultDimensionWeights[d]
		if v, ok := dimensionWeights[d]; ok && v > 0 {
			w = v
		}
		dw[d] = w
	}
	tw := make(map[string]float64, len(tagWeights))
	for name, w := range tagWeights {
		if w > 0 {
			tw[name] = w
		}
	}
	return &Calculator{dimensionWeights: dw, tagWeights: tw}
}

// Weight returns the configured weight of d.
func (c *Calculator) Weight(d schema.Dimension) float64 {
	return c.dimensionWeights[d]
}

// DimensionScore is the weighted mean of the confidences of the tags in
// category.
func (c *Calculator) DimensionScore(tags []schema.BehaviorTag, category schema.Category) DimensionResult {
	res := DimensionResult{Factors: []string{}}

	var weighted, total, conf float64
	for _, t := range tags {
		if t.Category != category {
			continue
		}
		cf := schema.Clamp01(t.Confidence)
		w, ok := c.tagWeights[t.Name]
		if !ok {
			w = cf
		}
		weighted += w * cf
		total += w
		conf += cf
		res.Factors = append(res.Factors, t.Name)
	}

	if n := len(res.Factors); n > 0 {
		res.Confidence = conf / float64(n)
		if total > 0 {
			res.Value = schema.Clamp01(weighted / total)
		}
	}
	return res
}

// Composite combines dimension scores non-linearly: each score is raised to
// 1.5, weighted, averaged, lifted onto a 0.1 floor and passed through a
// logistic curve centered at 0.5.
func (c *Calculator) Composite(scores map[schema.Dimension]float64) float64 {
	var sum, total float64
	for _, d := range schema.Dimensions {
		s, ok := scores[d]
		if !ok {
			continue
		}
		w := c.dimensionWeights[d]
		sum += math.Pow(schema.Clamp01(s), 1.5) * w
		total += w
	}

	normalized := 0.0
	if total > 0 {
		normalized = sum / total
	}
	x := 0.1 + 0.9*normalized
	return schema.Clamp01(1 / (1 + math.Exp(-6*(x-0.5))))
}

// WeightedMean is the plain weighted mean of all dimensions, counting missing
// dimensions as zero.
func (c *Calculator) WeightedMean(scores map[schema.Dimension]float64) float64 {
	var sum, total float64
	for _, d := range schema.Dimensions {
		w := c.dimensionWeights[d]
		sum += schema.Clamp01(scores[d]) * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return schema.Clamp01(sum / total)
}

// LevelFor maps a score onto the four-level scale using whole percentage
// points: <50 low, 50-74 medium, 75-89 high, >=90 critical.
func LevelFor(score float64) schema.Level {
	switch p := percent(score); {
	case p >= 90:
		return schema.LevelCritical
	case p >= 75:
		return schema.LevelHigh
	case p >= 50:
		return schema.LevelMedium
	}
	return schema.LevelLow
}

// ExtendedLevel is the eight-tier risk scale.
type ExtendedLevel string

const (
	ExtendedMinimal  ExtendedLevel = "minimal"
	ExtendedLow      ExtendedLevel = "low"
	ExtendedGuarded  ExtendedLevel = "guarded"
	ExtendedElevated ExtendedLevel = "elevated"
	ExtendedMedium   ExtendedLevel = "medium"
	ExtendedHigh     ExtendedLevel = "high"
	ExtendedSevere   ExtendedLevel = "severe"
	ExtendedCritical ExtendedLevel = "critical"
)

// ExtendedLevelFor maps a score onto the eight-tier scale. Tiers above
// minimal are five points wide and critical agrees with LevelFor.
func ExtendedLevelFor(score float64) ExtendedLevel {
	switch p := percent(score); {
	case p >= 90:
		return ExtendedCritical
	case p >= 85:
		return ExtendedSevere
	case p >= 80:
		return ExtendedHigh
	case p >= 75:
		return ExtendedMedium
	case p >= 70:
		return ExtendedElevated
	case p >= 65:
		return ExtendedGuarded
	case p >= 60:
		return ExtendedLow
	}
	return ExtendedMinimal
}

func percent(score float64) int {
	return int(math.Round(schema.Clamp01(score) * 100))
}

// MergeSimilarTags collapses categories with more than two tags into the
// highest-confidence tag plus a "<category>_summary" tag. It is meant for
// display; scoring uses the full tag list.
func MergeSimilarTags(tags []schema.BehaviorTag) []schema.BehaviorTag {
	var order []schema.Category
	groups := make(map[schema.Category][]schema.BehaviorTag)
	for _, t := range tags {
		if _, ok := groups[t.Category]; !ok {
			order = append(order, t.Category)
		}
		groups[t.Category] = append(groups[t.Category], t)
	}

	out := make([]schema.BehaviorTag, 0, len(tags))
	for _, cat := range order {
		group := groups[cat]
		if len(group) <= 2 {
			out = append(out, group...)
			continue
		}

		sorted := append([]schema.BehaviorTag(nil), group...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Confidence > sorted[j].Confidence
		})

		rest := sorted[1:]
		names := make([]string, len(rest))
		var conf float64
		for i, t := range rest {
			names[i] = t.Name
			conf += t.Confidence
		}
		out = append(out, sorted[0], schema.BehaviorTag{
			Name:        string(cat) + "_summary",
			Confidence:  conf / float64(len(rest)),
			Category:    cat,
			Description: fmt.Sprintf("%d more %s tags: %s", len(rest), cat, strings.Join(names, ", ")),
		})
	}
	return out
}
