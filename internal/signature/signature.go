// Package signature builds the per-article and per-group feature bundles
// that similarity scoring consumes.
package signature

import (
	"fmt"
	"sort"
	"time"

	"newsdesk/internal/core"
	"newsdesk/internal/store"
)

// PrimaryRelevance is the relevance cutoff for an entity to count as
// primary in an article signature.
const PrimaryRelevance = 0.7

// Engine resolves article and group signatures from the store.
type Engine struct {
	store *store.Store
}

// New returns an Engine over the given store.
func New(st *store.Store) *Engine {
	return &Engine{store: st}
}

// Article builds the immutable signature snapshot for one article.
func (e *Engine) Article(a core.Article) (core.ArticleSignature, error) {
	sig := core.ArticleSignature{
		ArticleID: a.ID,
		Published: a.PublishedAt,
		Source:    a.Source,
	}

	mentions, err := e.store.EntitiesForArticle(a.ID)
	if err != nil {
		return sig, fmt.Errorf("article %d entities: %w", a.ID, err)
	}
	for _, m := range mentions {
		if m.Relevance >= PrimaryRelevance {
			sig.PrimaryEntities = append(sig.PrimaryEntities, m)
		}
		switch m.Type {
		case "technology":
			sig.Technologies = append(sig.Technologies, core.EntityRef{EntityID: m.EntityID, Name: m.Name})
		case "product":
			sig.Products = append(sig.Products, core.EntityRef{EntityID: m.EntityID, Name: m.Name})
		}
	}
	sortMentions(sig.PrimaryEntities)
	sortRefs(sig.Technologies)
	sortRefs(sig.Products)

	if sig.Companies, err = e.store.CompaniesForArticle(a.ID); err != nil {
		return sig, fmt.Errorf("article %d companies: %w", a.ID, err)
	}
	if sig.CVEs, err = e.store.CVEsForArticle(a.ID); err != nil {
		return sig, fmt.Errorf("article %d cves: %w", a.ID, err)
	}
	if sig.References, err = e.store.ReferencesForArticle(a.ID); err != nil {
		return sig, fmt.Errorf("article %d references: %w", a.ID, err)
	}
	if sig.Events, err = e.store.EventsForArticle(a.ID); err != nil {
		return sig, fmt.Errorf("article %d events: %w", a.ID, err)
	}
	if sig.Quotes, err = e.store.QuotesForArticle(a.ID); err != nil {
		return sig, fmt.Errorf("article %d quotes: %w", a.ID, err)
	}
	if sig.Author, err = e.store.ArticleAuthor(a.ID); err != nil {
		return sig, fmt.Errorf("article %d author: %w", a.ID, err)
	}
	return sig, nil
}

// Group builds the aggregate signature of a group from its current members.
func (e *Engine) Group(g core.Group) (core.GroupSignature, error) {
	members := make([]core.ArticleSignature, 0, len(g.ArticleIDs))
	for _, id := range g.ArticleIDs {
		a, err := e.store.GetArticle(id)
		if err != nil {
			return core.GroupSignature{}, err
		}
		if a == nil {
			continue
		}
		sig, err := e.Article(*a)
		if err != nil {
			return core.GroupSignature{}, err
		}
		members = append(members, sig)
	}
	return Aggregate(g, members), nil
}

// Aggregate summarizes member article signatures into a group signature.
// Pure: given identical members it yields an identical, canonically sorted
// result.
func Aggregate(g core.Group, members []core.ArticleSignature) core.GroupSignature {
	sig := core.GroupSignature{
		GroupID:     g.ID,
		Label:       g.Label,
		Description: g.Description,
		MainTopic:   g.MainTopic,
		MemberCount: len(members),
	}
	if len(members) == 0 {
		return sig
	}
	total := float64(len(members))

	type entityAgg struct {
		mention    core.EntityMention
		articles   int
		totalRel   float64
		relSamples int
	}
	entities := make(map[int64]*entityAgg)
	companyCounts := make(map[string]int)
	cveCounts := make(map[string]int)
	eventCounts := make(map[string]int)
	techs := make(map[int64]core.EntityRef)
	products := make(map[int64]core.EntityRef)
	sources := make(map[string]bool)
	var latest time.Time

	for _, m := range members {
		seen := make(map[int64]bool)
		for _, ent := range m.PrimaryEntities {
			agg, ok := entities[ent.EntityID]
			if !ok {
				agg = &entityAgg{mention: ent}
				entities[ent.EntityID] = agg
			}
			if !seen[ent.EntityID] {
				agg.articles++
				seen[ent.EntityID] = true
			}
			agg.totalRel += ent.Relevance
			agg.relSamples++
		}
		for _, name := range uniqueStrings(m.Companies) {
			companyCounts[name]++
		}
		for _, id := range uniqueStrings(m.CVEs) {
			cveCounts[id]++
		}
		eventSeen := make(map[string]bool)
		for _, ev := range m.Events {
			if !eventSeen[ev.Name] {
				eventCounts[ev.Name]++
				eventSeen[ev.Name] = true
			}
		}
		for _, ref := range m.Technologies {
			techs[ref.EntityID] = ref
		}
		for _, ref := range m.Products {
			products[ref.EntityID] = ref
		}
		if m.Source != "" {
			sources[m.Source] = true
		}
		if m.Published.After(latest) {
			latest = m.Published
		}
	}

	for _, agg := range entities {
		sig.PrimaryEntities = append(sig.PrimaryEntities, core.GroupEntity{
			EntityID:     agg.mention.EntityID,
			Name:         agg.mention.Name,
			Type:         agg.mention.Type,
			Frequency:    float64(agg.articles) / total,
			AvgRelevance: agg.totalRel / float64(agg.relSamples),
		})
	}
	sort.Slice(sig.PrimaryEntities, func(i, j int) bool {
		a, b := sig.PrimaryEntities[i], sig.PrimaryEntities[j]
		if a.Frequency != b.Frequency {
			return a.Frequency > b.Frequency
		}
		if a.AvgRelevance != b.AvgRelevance {
			return a.AvgRelevance > b.AvgRelevance
		}
		return a.EntityID < b.EntityID
	})

	sig.Companies = freqItems(companyCounts, total)
	sig.CVEs = freqItems(cveCounts, total)
	sig.Events = freqItems(eventCounts, total)

	for _, ref := range techs {
		sig.Technologies = append(sig.Technologies, ref)
	}
	for _, ref := range products {
		sig.Products = append(sig.Products, ref)
	}
	sortRefs(sig.Technologies)
	sortRefs(sig.Products)

	for s := range sources {
		sig.MemberSources = append(sig.MemberSources, s)
	}
	sort.Strings(sig.MemberSources)
	sig.LatestPublished = latest
	return sig
}

// freqItems converts name counts into a canonically sorted frequency set:
// frequency desc, then name asc.
func freqItems(counts map[string]int, total float64) []core.FreqItem {
	items := make([]core.FreqItem, 0, len(counts))
	for name, n := range counts {
		items = append(items, core.FreqItem{Name: name, Frequency: float64(n) / total})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Frequency != items[j].Frequency {
			return items[i].Frequency > items[j].Frequency
		}
		return items[i].Name < items[j].Name
	})
	if len(items) == 0 {
		return nil
	}
	return items
}

func sortMentions(mentions []core.EntityMention) {
	sort.Slice(mentions, func(i, j int) bool {
		if mentions[i].Relevance != mentions[j].Relevance {
			return mentions[i].Relevance > mentions[j].Relevance
		}
		return mentions[i].EntityID < mentions[j].EntityID
	})
}

func sortRefs(refs []core.EntityRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Name != refs[j].Name {
			return refs[i].Name < refs[j].Name
		}
		return refs[i].EntityID < refs[j].EntityID
	})
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
