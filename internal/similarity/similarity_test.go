package similarity

import (
	"math"
	"testing"
	"time"

	"newsdesk/internal/core"
)

func approx(t *testing.T, got, want float64, label string) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s = %v, want %v", label, got, want)
	}
}

func groupSig() core.GroupSignature {
	return core.GroupSignature{
		GroupID:   1,
		MainTopic: "Cybersecurity & Data Privacy",
		PrimaryEntities: []core.GroupEntity{
			{EntityID: 1, Name: "Acme", Type: "organization", Frequency: 1.0, AvgRelevance: 0.9},
			{EntityID: 2, Name: "Widget", Type: "product", Frequency: 0.5, AvgRelevance: 0.8},
		},
		Companies:       []core.FreqItem{{Name: "Acme", Frequency: 1.0}},
		CVEs:            []core.FreqItem{{Name: "CVE-2024-1234", Frequency: 1.0}},
		Events:          []core.FreqItem{{Name: "Acme breach", Frequency: 0.5}},
		LatestPublished: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		MemberSources:   []string{"bleepingcomputer"},
		MemberCount:     2,
	}
}

func TestEntityScore_WeightedOverlap(t *testing.T) {
	g := groupSig()
	a := core.ArticleSignature{
		ArticleID: 10,
		PrimaryEntities: []core.EntityMention{
			{EntityID: 1, Name: "Acme", Type: "organization", Relevance: 0.9},
		},
	}
	s := ArticleToGroup(a, g)

	// matched = 0.9 * (1.0*0.9); total = 1.0*0.9 + 0.5*0.8 = 1.3
	want := (0.9 * 0.9) / 1.3
	approx(t, s.Entity, want, "entity score")
}

func TestScoreBoundsInvariant(t *testing.T) {
	g := groupSig()
	a := core.ArticleSignature{
		ArticleID: 10,
		Published: time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC),
		Source:    "bleepingcomputer",
		PrimaryEntities: []core.EntityMention{
			{EntityID: 1, Name: "Acme", Type: "organization", Relevance: 1.0},
			{EntityID: 2, Name: "Widget", Type: "product", Relevance: 1.0},
		},
		Companies: []string{"Acme"},
		CVEs:      []string{"CVE-2024-1234"},
		Events:    []core.Event{{Name: "Acme breach"}},
	}
	s := ArticleToGroup(a, g)

	for label, v := range map[string]float64{
		"entity": s.Entity, "company": s.Company, "cve": s.CVE,
		"event": s.Event, "final": s.Final,
	} {
		if v < 0 || v > 1 {
			t.Errorf("%s score %v out of [0,1]", label, v)
		}
	}
	if s.Final != 1 {
		// Perfect overlap plus bonuses clamps at 1.
		t.Errorf("final = %v, want clamp at 1", s.Final)
	}
}

func TestEmptySignatureScoresZero(t *testing.T) {
	s := ArticleToGroup(core.ArticleSignature{ArticleID: 1}, groupSig())
	if s.Entity != 0 || s.Company != 0 || s.CVE != 0 || s.Event != 0 || s.Base != 0 {
		t.Errorf("empty article should score zero on every dimension: %+v", s)
	}
}

func TestTemporalAdjustment(t *testing.T) {
	latest := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		published time.Time
		want      float64
	}{
		{"six hours", latest.Add(6 * time.Hour), 0.05 * (1 - 6.0/48.0)},
		{"exactly 48h", latest.Add(48 * time.Hour), 0},
		{"dead zone", latest.Add(100 * time.Hour), 0},
		{"one week plus", latest.Add(252 * time.Hour), -0.03 * 0.5},
		{"very old", latest.Add(1000 * time.Hour), -0.03},
		{"unknown", time.Time{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := temporalAdjustment(tt.published, latest)
			approx(t, got, tt.want, "temporal adjustment")
			if math.Abs(got) > 0.05 {
				t.Errorf("|temporal| = %v exceeds 0.05", got)
			}
		})
	}
}

func TestSourceBonus(t *testing.T) {
	g := groupSig()
	a := core.ArticleSignature{ArticleID: 1, Source: "bleepingcomputer"}
	if s := ArticleToGroup(a, g); s.Source != 0.03 {
		t.Errorf("source adjustment = %v, want 0.03", s.Source)
	}
	a.Source = "theregister"
	if s := ArticleToGroup(a, g); s.Source != 0 {
		t.Errorf("source adjustment = %v, want 0", s.Source)
	}
}

func TestCoreEntityBonus(t *testing.T) {
	g := groupSig()
	a := core.ArticleSignature{
		ArticleID: 1,
		PrimaryEntities: []core.EntityMention{
			{EntityID: 1, Name: "Acme", Type: "organization", Relevance: 0.95},
			{EntityID: 5, Name: "Someone", Type: "person", Relevance: 0.8},
		},
	}
	if s := ArticleToGroup(a, g); s.CoreEntity != 0.20 {
		t.Errorf("core entity adjustment = %v, want 0.20", s.CoreEntity)
	}

	// Top entity differs: no bonus.
	a.PrimaryEntities[0].Relevance = 0.5
	if s := ArticleToGroup(a, g); s.CoreEntity != 0 {
		t.Errorf("core entity adjustment = %v, want 0", s.CoreEntity)
	}

	// Matching top entity of a non-core type: no bonus.
	gp := groupSig()
	gp.PrimaryEntities = []core.GroupEntity{
		{EntityID: 9, Name: "Jane Doe", Type: "person", Frequency: 1.0, AvgRelevance: 0.9},
	}
	ap := core.ArticleSignature{
		ArticleID: 1,
		PrimaryEntities: []core.EntityMention{
			{EntityID: 9, Name: "Jane Doe", Type: "person", Relevance: 0.9},
		},
	}
	if s := ArticleToGroup(ap, gp); s.CoreEntity != 0 {
		t.Errorf("person top entity should not earn the bonus, got %v", s.CoreEntity)
	}
}

func TestAttachByCVEIdentityScenario(t *testing.T) {
	// Group about CVE-2024-1234, article from the same source six hours
	// later mentioning the same CVE and the group's core organization.
	g := groupSig()
	a := core.ArticleSignature{
		ArticleID: 10,
		Published: time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC),
		Source:    "bleepingcomputer",
		PrimaryEntities: []core.EntityMention{
			{EntityID: 1, Name: "Acme", Type: "organization", Relevance: 0.9},
		},
		CVEs: []string{"CVE-2024-1234"},
	}
	s := ArticleToGroup(a, g)

	approx(t, s.CVE, 1.0, "cve jaccard")
	approx(t, s.Temporal, 0.05*(1-6.0/48.0), "temporal")
	approx(t, s.Source, 0.03, "source")
	if s.CoreEntity != 0.20 {
		t.Errorf("core entity = %v", s.CoreEntity)
	}
	if s.Final < 0.40 {
		t.Errorf("final = %v, should clear the default threshold", s.Final)
	}
}

func TestAmbiguityPredicates(t *testing.T) {
	// Exactly at threshold counts as in-zone.
	if !InAmbiguityZone(0.40, 0.40) {
		t.Error("S == T should be in the ambiguity zone")
	}
	if !InAmbiguityZone(0.30, 0.40) {
		t.Error("T-0.10 should be in the zone")
	}
	if InAmbiguityZone(0.299, 0.40) {
		t.Error("below T-0.10 should be out of the zone")
	}
	if InAmbiguityZone(0.45, 0.40) {
		t.Error("T+0.05 should be out of the zone")
	}

	if !CloseRunnerUp(0.50, 0.43) {
		t.Error("gap 0.07 should be ambiguous")
	}
	if CloseRunnerUp(0.50, 0.42) {
		t.Error("gap 0.08 should be decisive")
	}
}

func TestGroupToGroup(t *testing.T) {
	a := groupSig()
	b := groupSig()
	b.GroupID = 2

	sim := GroupToGroup(a, b, -1)
	if sim <= 0.6 {
		t.Errorf("identical groups should be highly similar, got %v", sim)
	}

	blended := GroupToGroup(a, b, 1.0)
	if blended < sim*0.7 {
		t.Errorf("label blend should not reduce below 0.7*avg: %v vs %v", blended, sim)
	}
	if blended > 1 {
		t.Errorf("blended similarity out of range: %v", blended)
	}

	unrelated := core.GroupSignature{
		GroupID: 3,
		PrimaryEntities: []core.GroupEntity{
			{EntityID: 99, Name: "Mars", Type: "place", Frequency: 1.0, AvgRelevance: 0.9},
		},
		MemberSources: []string{"nasa"},
	}
	if got := GroupToGroup(a, unrelated, -1); got >= 0.6 {
		t.Errorf("unrelated groups should stay below merge threshold, got %v", got)
	}
}
