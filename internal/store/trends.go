package store

import (
	"fmt"
	"time"

	"newsdesk/internal/core"
)

// DeleteTrendsOlderThan removes trends created before the window opened;
// membership and entity rows cascade.
func (s *Store) DeleteTrendsOlderThan(window time.Duration) (int64, error) {
	cutoff := core.FormatTime(time.Now().Add(-window))
	res, err := s.db.Exec(`DELETE FROM trending_groups WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, mapErr(fmt.Errorf("failed to expire trends: %w", err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CreateTrend inserts a trend row and returns its id.
func (s *Store) CreateTrend(tx Execer, category, label, summary string, importance, confidence float64) (int64, error) {
	now := core.FormatTime(time.Now())
	res, err := s.exec(tx).Exec(`
		INSERT INTO trending_groups (category, trend_label, summary, importance_score, confidence_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		core.NormalizeCategory(category), label, summary, importance, confidence, now, now)
	if err != nil {
		return 0, mapErr(fmt.Errorf("failed to create trend: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read trend id: %w", err)
	}
	return id, nil
}

// AddArticleToTrend links an article to a trend. Returns false when the
// article id does not exist; callers log and skip those.
func (s *Store) AddArticleToTrend(tx Execer, trendID, articleID int64) (bool, error) {
	e := s.exec(tx)
	var exists int
	if err := e.QueryRow(`SELECT COUNT(*) FROM articles WHERE id = ?`, articleID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check article: %w", err)
	}
	if exists == 0 {
		return false, nil
	}
	_, err := e.Exec(`
		INSERT OR IGNORE INTO trending_group_memberships (trend_id, article_id) VALUES (?, ?)`,
		trendID, articleID)
	if err != nil {
		return false, mapErr(fmt.Errorf("failed to link article to trend: %w", err))
	}
	return true, nil
}

// Trends lists trends created inside the window, optionally filtered by
// category, highest importance first.
func (s *Store) Trends(category string, window time.Duration, limit int) ([]core.Trend, error) {
	cutoff := core.FormatTime(time.Now().Add(-window))
	query := `
		SELECT trend_id, category, trend_label, COALESCE(summary, ''), importance_score,
		       confidence_score, created_at, updated_at
		FROM trending_groups
		WHERE created_at >= ?`
	args := []any{cutoff}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY importance_score DESC, trend_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query trends: %w", err))
	}
	defer rows.Close()

	var trends []core.Trend
	for rows.Next() {
		var t core.Trend
		var created, updated string
		if err := rows.Scan(&t.ID, &t.Category, &t.Label, &t.Summary,
			&t.Importance, &t.Confidence, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan trend: %w", err)
		}
		if ts, err := core.ParseTime(created); err == nil {
			t.CreatedAt = ts
		}
		if ts, err := core.ParseTime(updated); err == nil {
			t.UpdatedAt = ts
		}
		trends = append(trends, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range trends {
		ids, err := s.trendMembers(trends[i].ID)
		if err != nil {
			return nil, err
		}
		trends[i].ArticleIDs = ids
	}
	return trends, nil
}

// TrendCount returns how many trends exist inside the window.
func (s *Store) TrendCount(window time.Duration) (int, error) {
	cutoff := core.FormatTime(time.Now().Add(-window))
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM trending_groups WHERE created_at >= ?`, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count trends: %w", err)
	}
	return n, nil
}

// TrendLabels returns the labels of trends inside the window. The trend
// floor uses this to avoid promoting a group twice.
func (s *Store) TrendLabels(window time.Duration) (map[string]bool, error) {
	cutoff := core.FormatTime(time.Now().Add(-window))
	rows, err := s.db.Query(`SELECT trend_label FROM trending_groups WHERE created_at >= ?`, cutoff)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query trend labels: %w", err))
	}
	defer rows.Close()

	labels := make(map[string]bool)
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("failed to scan trend label: %w", err)
		}
		labels[label] = true
	}
	return labels, rows.Err()
}

func (s *Store) trendMembers(trendID int64) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT article_id FROM trending_group_memberships WHERE trend_id = ? ORDER BY article_id`,
		trendID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query trend members: %w", err))
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan trend member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
