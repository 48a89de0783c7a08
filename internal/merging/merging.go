// Package merging collapses duplicate groups: a single pass over all group
// pairs merges any pair whose symmetric similarity clears the threshold.
package merging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"newsdesk/internal/core"
	"newsdesk/internal/llm"
	"newsdesk/internal/logger"
	"newsdesk/internal/signature"
	"newsdesk/internal/similarity"
	"newsdesk/internal/store"
)

// DefaultThreshold is the group-to-group similarity above which two groups
// are considered duplicates.
const DefaultThreshold = 0.60

// Merger runs merge passes.
type Merger struct {
	store     *store.Store
	engine    *signature.Engine
	chat      llm.Chatter // nil disables label similarity and relabeling
	threshold float64
}

// New builds a Merger. chat may be nil.
func New(st *store.Store, chat llm.Chatter, threshold float64) *Merger {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Merger{
		store:     st,
		engine:    signature.New(st),
		chat:      chat,
		threshold: threshold,
	}
}

// Run executes one merge pass. Each group participates in at most one merge
// per pass; repeated passes across invocations converge. Returns the number
// of merges performed.
func (m *Merger) Run(ctx context.Context) (int, error) {
	groups, err := m.store.GroupsWithMembers()
	if err != nil {
		return 0, fmt.Errorf("load groups: %w", err)
	}
	sigs := make(map[int64]core.GroupSignature, len(groups))
	for _, g := range groups {
		sig, err := m.engine.Group(g)
		if err != nil {
			return 0, fmt.Errorf("group %d signature: %w", g.ID, err)
		}
		sigs[g.ID] = sig
	}

	merged := 0
	processed := make(map[int64]bool)
	for i := 0; i < len(groups); i++ {
		for j := i + 1; j < len(groups); j++ {
			if err := ctx.Err(); err != nil {
				return merged, err
			}
			a, b := groups[i], groups[j]
			if processed[a.ID] || processed[b.ID] {
				continue
			}

			labelSim := m.labelSimilarity(ctx, a, b)
			sim := similarity.GroupToGroup(sigs[a.ID], sigs[b.ID], labelSim)
			if sim < m.threshold {
				continue
			}

			survivor, loser := pickSurvivor(a, b)
			label, description := m.unifiedLabel(ctx, survivor, loser)
			if err := m.store.MergeGroups(survivor.ID, loser.ID, label, description); err != nil {
				logger.Error("merge failed", err, "survivor", survivor.ID, "loser", loser.ID)
				continue
			}
			processed[a.ID] = true
			processed[b.ID] = true
			merged++
			logger.Info("groups merged", "survivor", survivor.ID, "loser", loser.ID, "similarity", sim)
		}
	}
	return merged, nil
}

// pickSurvivor chooses deterministically: larger membership, then older
// created_at, then smaller id.
func pickSurvivor(a, b core.Group) (survivor, loser core.Group) {
	switch {
	case len(a.ArticleIDs) != len(b.ArticleIDs):
		if len(a.ArticleIDs) > len(b.ArticleIDs) {
			return a, b
		}
		return b, a
	case !a.CreatedAt.Equal(b.CreatedAt):
		if a.CreatedAt.Before(b.CreatedAt) {
			return a, b
		}
		return b, a
	default:
		if a.ID < b.ID {
			return a, b
		}
		return b, a
	}
}

// labelSimilarity asks the LLM how similar two groups' labels and
// descriptions are, in [0,1]. Returns a negative value (skip the blend)
// when no chat client is configured or the call fails.
func (m *Merger) labelSimilarity(ctx context.Context, a, b core.Group) float64 {
	if m.chat == nil {
		return -1
	}
	prompt := fmt.Sprintf(
		"Rate how likely these two news topic groups describe the same story, from 0.0 to 1.0.\nGroup A: %s — %s\nGroup B: %s — %s\nAnswer with only the number.",
		a.Label, a.Description, b.Label, b.Description)
	resp, err := m.chat.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You compare news topic groups. Answer with a single number between 0 and 1."},
		{Role: llm.RoleUser, Content: prompt},
	})
	if err != nil {
		logger.Warn("label similarity call failed", "error", err.Error())
		return -1
	}
	var v float64
	if _, err := fmt.Sscanf(strings.TrimSpace(llm.CleanJSON(resp)), "%f", &v); err != nil || v < 0 || v > 1 {
		return -1
	}
	return v
}

type unifiedLabelResponse struct {
	GroupLabel  string `json:"group_label"`
	Description string `json:"description"`
}

// unifiedLabel asks the LLM for a single label and description covering
// both groups; on any failure it falls back to concatenation.
func (m *Merger) unifiedLabel(ctx context.Context, survivor, loser core.Group) (string, string) {
	fallbackLabel := survivor.Label
	if loser.Label != "" && loser.Label != survivor.Label {
		fallbackLabel = survivor.Label + " / " + loser.Label
	}
	fallbackDescription := strings.TrimSpace(survivor.Description + " " + loser.Description)
	if m.chat == nil {
		return fallbackLabel, fallbackDescription
	}

	prompt := fmt.Sprintf(
		"These two news topic groups are being merged. Write one unified label and a 1-2 sentence description.\nGroup A: %s — %s\nGroup B: %s — %s\nRespond with JSON only: {\"group_label\": \"...\", \"description\": \"...\"}",
		survivor.Label, survivor.Description, loser.Label, loser.Description)
	resp, err := m.chat.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You label news topic groups. Respond with compact JSON."},
		{Role: llm.RoleUser, Content: prompt},
	})
	if err != nil {
		logger.Warn("unified label call failed", "error", err.Error())
		return fallbackLabel, fallbackDescription
	}

	var parsed unifiedLabelResponse
	if err := json.Unmarshal([]byte(llm.CleanJSON(resp)), &parsed); err != nil || parsed.GroupLabel == "" {
		return fallbackLabel, fallbackDescription
	}
	return parsed.GroupLabel, parsed.Description
}
