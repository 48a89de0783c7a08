// Package similarity scores an article signature against a group signature
// with a weighted multi-dimension composite and temporal/source/core-entity
// adjustments.
package similarity

import (
	"time"

	"newsdesk/internal/core"
)

// Dimension weights. They sum to 0.90: the remaining 0.10 of the budget is
// reserved for future dimensions.
const (
	WeightEntity  = 0.40
	WeightCompany = 0.25
	WeightCVE     = 0.15
	WeightEvent   = 0.10
)

// Adjustment constants.
const (
	// DefaultRelevance stands in for an article entity with no recorded
	// relevance (technology/product refs).
	DefaultRelevance = 0.7

	temporalBonusWindow   = 48 * time.Hour
	temporalPenaltyCutoff = 168 * time.Hour
	temporalBonusMax      = 0.05
	temporalPenaltyMax    = 0.03
	sourceBonus           = 0.03
	coreEntityBonus       = 0.20
)

// Ambiguity zone constants used by the grouping decision.
const (
	// AmbiguityBelow widens the zone below the threshold.
	AmbiguityBelow = 0.10
	// AmbiguityAbove widens the zone above the threshold.
	AmbiguityAbove = 0.05
	// RunnerUpGap is the minimum lead over the second-best candidate for an
	// above-threshold match to be unambiguous.
	RunnerUpGap = 0.08
)

// Score is the full breakdown of one article-to-group comparison. Every
// per-dimension value and the final composite are in [0,1].
type Score struct {
	Entity  float64 `json:"entity_score"`
	Company float64 `json:"company_score"`
	CVE     float64 `json:"cve_score"`
	Event   float64 `json:"event_score"`

	Base       float64 `json:"base_score"`
	Temporal   float64 `json:"temporal_adjustment"`
	Source     float64 `json:"source_adjustment"`
	CoreEntity float64 `json:"core_entity_adjustment"`

	Final float64 `json:"final_score"`
}

// ArticleToGroup scores article signature a against group signature g.
func ArticleToGroup(a core.ArticleSignature, g core.GroupSignature) Score {
	var s Score
	s.Entity = entityScore(a, g)
	s.Company = jaccard(stringSet(a.Companies), freqSet(g.Companies))
	s.CVE = jaccard(stringSet(a.CVEs), freqSet(g.CVEs))
	s.Event = eventScore(a, g)

	s.Base = WeightEntity*s.Entity + WeightCompany*s.Company + WeightCVE*s.CVE + WeightEvent*s.Event
	s.Temporal = temporalAdjustment(a.Published, g.LatestPublished)
	s.Source = sourceAdjustment(a.Source, g.MemberSources)
	s.CoreEntity = coreEntityAdjustment(a, g)

	s.Final = clamp01(s.Base + s.Temporal + s.Source + s.CoreEntity)
	return s
}

// GroupToGroup computes the symmetric similarity of two groups: each is
// treated as an article against the other and the two scores are averaged.
// A non-negative labelSim (an LLM-rated label+description similarity in
// [0,1]) is blended in with weights 0.7/0.3; pass a negative value to skip
// the blend.
func GroupToGroup(a, b core.GroupSignature, labelSim float64) float64 {
	shared := firstSharedSource(a.MemberSources, b.MemberSources)
	forward := ArticleToGroup(asArticle(a, shared), b).Final
	backward := ArticleToGroup(asArticle(b, shared), a).Final
	avg := (forward + backward) / 2

	if labelSim < 0 {
		return avg
	}
	return clamp01(avg*0.7 + labelSim*0.3)
}

// entityScore weights the group's entities by frequency and average
// relevance; an entity contributes when the article mentions it, scaled by
// the article's own relevance for it.
func entityScore(a core.ArticleSignature, g core.GroupSignature) float64 {
	if len(g.PrimaryEntities) == 0 {
		return 0
	}
	articleRel := make(map[int64]float64, len(a.PrimaryEntities))
	for _, m := range a.PrimaryEntities {
		articleRel[m.EntityID] = m.Relevance
	}
	for _, ref := range a.Technologies {
		if _, ok := articleRel[ref.EntityID]; !ok {
			articleRel[ref.EntityID] = DefaultRelevance
		}
	}
	for _, ref := range a.Products {
		if _, ok := articleRel[ref.EntityID]; !ok {
			articleRel[ref.EntityID] = DefaultRelevance
		}
	}
	if len(articleRel) == 0 {
		return 0
	}

	var matched, totalWeight float64
	for _, ge := range g.PrimaryEntities {
		weight := ge.Frequency * ge.AvgRelevance
		totalWeight += weight
		if rel, ok := articleRel[ge.EntityID]; ok {
			matched += rel * weight
		}
	}
	if totalWeight == 0 {
		return 0
	}
	return clamp01(matched / totalWeight)
}

// eventScore is the frequency-weighted share of group events the article
// also mentions.
func eventScore(a core.ArticleSignature, g core.GroupSignature) float64 {
	if len(g.Events) == 0 {
		return 0
	}
	articleEvents := make(map[string]bool, len(a.Events))
	for _, ev := range a.Events {
		articleEvents[ev.Name] = true
	}
	var matched, total float64
	for _, item := range g.Events {
		total += item.Frequency
		if articleEvents[item.Name] {
			matched += item.Frequency
		}
	}
	if total == 0 {
		return 0
	}
	return clamp01(matched / total)
}

// temporalAdjustment rewards recency against the group's newest member and
// penalizes large gaps. Bounded by [-0.03, +0.05]; zero when either
// timestamp is unknown.
func temporalAdjustment(published, latest time.Time) float64 {
	if published.IsZero() || latest.IsZero() {
		return 0
	}
	delta := published.Sub(latest)
	if delta < 0 {
		delta = -delta
	}
	switch {
	case delta <= temporalBonusWindow:
		return temporalBonusMax * (1 - delta.Hours()/temporalBonusWindow.Hours())
	case delta > temporalPenaltyCutoff:
		over := delta.Hours()/temporalPenaltyCutoff.Hours() - 1
		if over > 1 {
			over = 1
		}
		return -temporalPenaltyMax * over
	default:
		return 0
	}
}

func sourceAdjustment(source string, memberSources []string) float64 {
	for _, s := range memberSources {
		if s == source && source != "" {
			return sourceBonus
		}
	}
	return 0
}

// coreEntityAdjustment applies when the article's top entity by relevance
// is also the group's top entity by frequency × avg relevance, and that
// entity is a product, organization, or technology.
func coreEntityAdjustment(a core.ArticleSignature, g core.GroupSignature) float64 {
	if len(a.PrimaryEntities) == 0 || len(g.PrimaryEntities) == 0 {
		return 0
	}
	articleTop := a.PrimaryEntities[0]
	for _, m := range a.PrimaryEntities[1:] {
		if m.Relevance > articleTop.Relevance {
			articleTop = m
		}
	}
	groupTop := g.PrimaryEntities[0]
	best := groupTop.Frequency * groupTop.AvgRelevance
	for _, ge := range g.PrimaryEntities[1:] {
		if w := ge.Frequency * ge.AvgRelevance; w > best {
			groupTop, best = ge, w
		}
	}
	if articleTop.EntityID != groupTop.EntityID {
		return 0
	}
	switch articleTop.Type {
	case "product", "organization", "technology":
		return coreEntityBonus
	}
	return 0
}

// InAmbiguityZone reports whether a best score sits in the neighborhood of
// its threshold where LLM arbitration should be consulted:
// T−0.10 ≤ S < T+0.05.
func InAmbiguityZone(score, threshold float64) bool {
	return score >= threshold-AmbiguityBelow && score < threshold+AmbiguityAbove
}

// CloseRunnerUp reports whether the second-best candidate is near enough to
// the best to make an above-threshold match ambiguous.
func CloseRunnerUp(best, second float64) bool {
	return best-second < RunnerUpGap
}

// asArticle views a group signature as an article signature so the scorer
// can run group-to-group. The shared source, when the two groups overlap,
// carries the source bonus through both directions.
func asArticle(g core.GroupSignature, sharedSource string) core.ArticleSignature {
	a := core.ArticleSignature{
		ArticleID: -g.GroupID,
		Published: g.LatestPublished,
		Source:    sharedSource,
	}
	for _, ge := range g.PrimaryEntities {
		a.PrimaryEntities = append(a.PrimaryEntities, core.EntityMention{
			EntityID:  ge.EntityID,
			Name:      ge.Name,
			Type:      ge.Type,
			Relevance: ge.AvgRelevance,
		})
	}
	for _, item := range g.Companies {
		a.Companies = append(a.Companies, item.Name)
	}
	for _, item := range g.CVEs {
		a.CVEs = append(a.CVEs, item.Name)
	}
	for _, item := range g.Events {
		a.Events = append(a.Events, core.Event{Name: item.Name})
	}
	a.Technologies = append(a.Technologies, g.Technologies...)
	a.Products = append(a.Products, g.Products...)
	return a
}

func firstSharedSource(a, b []string) string {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return s
		}
	}
	return ""
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for s := range a {
		if b[s] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func stringSet(in []string) map[string]bool {
	set := make(map[string]bool, len(in))
	for _, s := range in {
		set[s] = true
	}
	return set
}

func freqSet(in []core.FreqItem) map[string]bool {
	set := make(map[string]bool, len(in))
	for _, item := range in {
		set[item.Name] = true
	}
	return set
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
