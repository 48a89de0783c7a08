package store

import (
	"fmt"
	"time"

	"newsdesk/internal/core"
)

// ArticlePreview is a compact article rendering for group listings.
type ArticlePreview struct {
	ID        int64  `json:"id"`
	Link      string `json:"link"`
	Title     string `json:"title"`
	Preview   string `json:"preview"` // 300-char body prefix
	Published string `json:"published_date"`
	Source    string `json:"source"`
}

// GroupSummary is one group as served by the web API.
type GroupSummary struct {
	GroupID     int64            `json:"group_id"`
	MainTopic   string           `json:"main_topic"`
	Label       string           `json:"group_label"`
	Description string           `json:"description"`
	MemberCount int              `json:"member_count"`
	UpdatedAt   string           `json:"updated_at"`
	Articles    []ArticlePreview `json:"articles"`
}

const previewLength = 300

// HomeGroups returns, per category, up to topN groups with recent member
// activity inside the window, largest membership first.
func (s *Store) HomeGroups(window time.Duration, topN int) (map[string][]GroupSummary, error) {
	result := make(map[string][]GroupSummary)
	for _, category := range core.Categories {
		groups, err := s.CategoryGroups(category, window, topN)
		if err != nil {
			return nil, err
		}
		if len(groups) > 0 {
			result[category] = groups
		}
	}
	return result, nil
}

// CategoryGroups returns groups in a category whose members were published
// inside the window, largest membership first, with article previews.
func (s *Store) CategoryGroups(category string, window time.Duration, limit int) ([]GroupSummary, error) {
	cutoff := core.FormatTime(time.Now().Add(-window))
	rows, err := s.db.Query(`
		SELECT g.group_id, g.main_topic, g.group_label, COALESCE(g.description, ''),
		       g.updated_at, COUNT(gm.article_id) AS members
		FROM groups g
		JOIN group_memberships gm ON gm.group_id = g.group_id
		JOIN articles a ON a.id = gm.article_id
		WHERE g.main_topic = ? AND a.published_date >= ?
		GROUP BY g.group_id
		ORDER BY members DESC, g.updated_at DESC
		LIMIT ?`, category, cutoff, limit)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query category groups: %w", err))
	}
	defer rows.Close()

	var groups []GroupSummary
	for rows.Next() {
		var g GroupSummary
		if err := rows.Scan(&g.GroupID, &g.MainTopic, &g.Label, &g.Description,
			&g.UpdatedAt, &g.MemberCount); err != nil {
			return nil, fmt.Errorf("failed to scan group summary: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range groups {
		previews, err := s.groupPreviews(groups[i].GroupID, cutoff)
		if err != nil {
			return nil, err
		}
		groups[i].Articles = previews
	}
	return groups, nil
}

func (s *Store) groupPreviews(groupID int64, cutoff string) ([]ArticlePreview, error) {
	rows, err := s.db.Query(`
		SELECT a.id, a.link, a.title, substr(a.content, 1, ?), a.published_date, a.source
		FROM group_memberships gm
		JOIN articles a ON a.id = gm.article_id
		WHERE gm.group_id = ? AND a.published_date >= ?
		ORDER BY a.published_date DESC`, previewLength, groupID, cutoff)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query previews: %w", err))
	}
	defer rows.Close()

	var previews []ArticlePreview
	for rows.Next() {
		var p ArticlePreview
		if err := rows.Scan(&p.ID, &p.Link, &p.Title, &p.Preview, &p.Published, &p.Source); err != nil {
			return nil, fmt.Errorf("failed to scan preview: %w", err)
		}
		previews = append(previews, p)
	}
	return previews, rows.Err()
}
