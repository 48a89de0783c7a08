// Package core defines the domain types shared across the newsdesk pipeline.
package core

import (
	"fmt"
	"strings"
	"time"
)

// TimeFormat is the canonical timestamp layout stored in the database.
// All timestamps are UTC.
const TimeFormat = "2006-01-02 15:04:05"

// Article represents an ingested news item. Articles are immutable after
// insertion.
type Article struct {
	ID          int64     `json:"id"`           // Unique identifier for the article
	Link        string    `json:"link"`         // Source URL (unique)
	Title       string    `json:"title"`        // Title of the article
	Content     string    `json:"content"`      // Full article body text
	PublishedAt time.Time `json:"published_at"` // Publication instant (UTC)
	Source      string    `json:"source"`       // Source domain tag (e.g., "bleepingcomputer")
	ProcessedAt time.Time `json:"processed_at"` // When the article was stored
}

// RawArticle is an article as produced by a scraper, before it has been
// assigned an id by the store.
type RawArticle struct {
	Link        string    `json:"link"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	PublishedAt time.Time `json:"published_at"`
	Source      string    `json:"source"`
	Author      string    `json:"author,omitempty"`
}

// Categories is the fixed set of group main topics and trend categories.
var Categories = []string{
	"Science & Environment",
	"Business, Finance & Trade",
	"Artificial Intelligence & Machine Learning",
	"Software Development & Open Source",
	"Cybersecurity & Data Privacy",
	"Politics & Government",
	"Consumer Technology & Gadgets",
	"Automotive, Space & Transportation",
	"Enterprise Technology & Cloud Computing",
	"Other",
}

// NormalizeCategory maps a free-form category string onto the fixed set.
// Anything unrecognized becomes "Other".
func NormalizeCategory(c string) string {
	trimmed := strings.TrimSpace(c)
	for _, known := range Categories {
		if strings.EqualFold(trimmed, known) {
			return known
		}
	}
	return "Other"
}

// CVEPattern matches CVE identifiers in article text.
const CVEPattern = `\bCVE-\d{4}-\d{4,7}\b`

// FormatTime renders a timestamp in the canonical database layout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime reads a canonical timestamp, tolerating RFC3339 input at the
// ingest boundary. The zero time and an error come back for anything else.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Entity is a named thing extracted from article text, unique by (name, type).
type Entity struct {
	ID           int64     `json:"entity_id"`
	Name         string    `json:"entity_name"`
	Type         string    `json:"entity_type"` // one of EntityTypes
	Description  string    `json:"description"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	MentionCount int       `json:"mention_count"` // monotonic
}

// EntityTypes enumerates the valid entity type tags. Unknown types collapse
// to "other" on insert.
var EntityTypes = []string{
	"person", "organization", "technology", "product",
	"place", "concept", "event", "other",
}

// NormalizeEntityType maps an arbitrary type string onto the fixed set.
func NormalizeEntityType(t string) string {
	for _, known := range EntityTypes {
		if t == known {
			return t
		}
	}
	return "other"
}

// Group is a topical cluster of articles.
type Group struct {
	ID               int64     `json:"group_id"`
	MainTopic        string    `json:"main_topic"` // one of Categories
	SubTopic         string    `json:"sub_topic"`
	Label            string    `json:"group_label"`
	Description      string    `json:"description"`
	ConsistencyScore float64   `json:"consistency_score"` // [0,1]
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	ArticleIDs       []int64   `json:"article_ids"` // current members
}

// Trend is a short-lived (<=48h) cluster of related articles in a category.
type Trend struct {
	ID         int64     `json:"trend_id"`
	Category   string    `json:"category"`
	Label      string    `json:"trend_label"`
	Summary    string    `json:"summary"`
	Importance float64   `json:"importance_score"` // [1,10]
	Confidence float64   `json:"confidence_score"` // [0,1]
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ArticleIDs []int64   `json:"article_ids"`
}

// CVEInfo is the metadata record for a CVE identifier, fetched from the
// MITRE CVE service.
type CVEInfo struct {
	CVEID            string    `json:"cve_id"`
	BaseScore        float64   `json:"base_score"` // 0 when unknown
	HasBaseScore     bool      `json:"has_base_score"`
	Vendor           string    `json:"vendor"`
	AffectedProducts string    `json:"affected_products"`
	CVEURL           string    `json:"cve_url"`
	VendorLink       string    `json:"vendor_link"`
	Solution         string    `json:"solution"`
	TimesMentioned   int       `json:"times_mentioned"`
	RawJSON          string    `json:"-"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Exemplar is a prototypical high-consistency group used as prompting
// context for future grouping decisions.
type Exemplar struct {
	ID          int64   `json:"exemplar_id"`
	Category    string  `json:"category"`
	PatternName string  `json:"pattern_name"`
	Description string  `json:"pattern_description"`
	Score       float64 `json:"success_score"`
	ArticleIDs  []int64 `json:"article_ids"`
}

// EntityMention is an entity as it appears in a single article.
type EntityMention struct {
	EntityID  int64   `json:"entity_id"`
	Name      string  `json:"entity_name"`
	Type      string  `json:"entity_type"`
	Relevance float64 `json:"relevance_score"` // [0,1]
}

// EntityRef is a bare (id, name) reference used for technology/product sets.
type EntityRef struct {
	EntityID int64  `json:"entity_id"`
	Name     string `json:"entity_name"`
}

// Reference is an external URL mentioned inside an article body.
type Reference struct {
	URL    string `json:"url"`    // normalized URL
	Domain string `json:"domain"` // hostname
	Type   string `json:"type"`   // e.g., "advisory", "generic"
}

// Event is a named event mentioned in an article.
type Event struct {
	EventID int64  `json:"event_id"`
	Name    string `json:"event_name"`
	Type    string `json:"event_type"`
	CVEIDs  string `json:"cve_ids,omitempty"`
}

// Quote is a direct quotation extracted from an article.
type Quote struct {
	QuoteID int64  `json:"quote_id"`
	Text    string `json:"text"`
	Speaker string `json:"speaker,omitempty"`
}

// ArticleSignature is an immutable snapshot of an article's identifying
// features, used for similarity matching.
type ArticleSignature struct {
	ArticleID       int64           `json:"article_id"`
	Published       time.Time       `json:"published_date"` // zero when unknown
	Source          string          `json:"source"`
	PrimaryEntities []EntityMention `json:"primary_entities"` // relevance >= 0.7, sorted desc
	Companies       []string        `json:"companies"`
	CVEs            []string        `json:"cves"`
	Technologies    []EntityRef     `json:"technologies"`
	Products        []EntityRef     `json:"products"`
	References      []Reference     `json:"references"`
	Events          []Event         `json:"events"`
	Quotes          []Quote         `json:"quotes"`
	Author          string          `json:"author,omitempty"`
}

// GroupEntity is an entity aggregated across the members of a group.
type GroupEntity struct {
	EntityID     int64   `json:"entity_id"`
	Name         string  `json:"entity_name"`
	Type         string  `json:"entity_type"`
	Frequency    float64 `json:"frequency"`     // members mentioning it / member count
	AvgRelevance float64 `json:"avg_relevance"` // mean of per-mention relevance
}

// FreqItem is a name with the fraction of group members that mention it.
// Used for companies, CVE ids, and event names.
type FreqItem struct {
	Name      string  `json:"name"`
	Frequency float64 `json:"frequency"`
}

// GroupSignature is the aggregate of all member-article signatures of a
// group, with canonical ordering (entities by frequency desc then
// avg_relevance desc then id asc; frequency sets by frequency desc then
// name asc).
type GroupSignature struct {
	GroupID         int64         `json:"group_id"`
	Label           string        `json:"group_label"`
	Description     string        `json:"description"`
	MainTopic       string        `json:"main_topic"`
	PrimaryEntities []GroupEntity `json:"primary_entities"`
	Companies       []FreqItem    `json:"companies"`
	CVEs            []FreqItem    `json:"cves"`
	Events          []FreqItem    `json:"events"`
	Technologies    []EntityRef   `json:"technologies"`
	Products        []EntityRef   `json:"products"`
	LatestPublished time.Time     `json:"latest_published_date"` // max across members
	MemberSources   []string      `json:"member_sources"`        // sorted set
	MemberCount     int           `json:"member_count"`
}
