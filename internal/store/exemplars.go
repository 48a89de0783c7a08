package store

import (
	"fmt"
	"time"

	"newsdesk/internal/core"
)

// CreateExemplar records a prototypical group pattern for a category.
// (category, pattern name) is unique; re-creating refreshes the description
// and score.
func (s *Store) CreateExemplar(tx Execer, category, patternName, description string, score float64) (int64, error) {
	e := s.exec(tx)
	_, err := e.Exec(`
		INSERT INTO exemplar_groups (category, pattern_name, pattern_description, success_score, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (category, pattern_name) DO UPDATE SET
			pattern_description = excluded.pattern_description,
			success_score = excluded.success_score`,
		core.NormalizeCategory(category), patternName, description, score, core.FormatTime(time.Now()))
	if err != nil {
		return 0, mapErr(fmt.Errorf("failed to upsert exemplar: %w", err))
	}

	var id int64
	err = e.QueryRow(`SELECT exemplar_id FROM exemplar_groups WHERE category = ? AND pattern_name = ?`,
		core.NormalizeCategory(category), patternName).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read exemplar id: %w", err)
	}
	return id, nil
}

// AddArticleToExemplar links an article to an exemplar pattern.
func (s *Store) AddArticleToExemplar(tx Execer, exemplarID, articleID int64) error {
	_, err := s.exec(tx).Exec(`
		INSERT OR IGNORE INTO exemplar_articles (exemplar_id, article_id) VALUES (?, ?)`,
		exemplarID, articleID)
	if err != nil {
		return mapErr(fmt.Errorf("failed to link article to exemplar: %w", err))
	}
	return nil
}

// ExemplarsForCategory returns the exemplar patterns of one category,
// best score first.
func (s *Store) ExemplarsForCategory(category string) ([]core.Exemplar, error) {
	rows, err := s.db.Query(`
		SELECT exemplar_id, category, pattern_name, COALESCE(pattern_description, ''), success_score
		FROM exemplar_groups
		WHERE category = ?
		ORDER BY success_score DESC, exemplar_id ASC`, core.NormalizeCategory(category))
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query exemplars: %w", err))
	}
	defer rows.Close()

	var exemplars []core.Exemplar
	for rows.Next() {
		var ex core.Exemplar
		if err := rows.Scan(&ex.ID, &ex.Category, &ex.PatternName, &ex.Description, &ex.Score); err != nil {
			return nil, fmt.Errorf("failed to scan exemplar: %w", err)
		}
		exemplars = append(exemplars, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range exemplars {
		ids, err := s.exemplarArticles(exemplars[i].ID)
		if err != nil {
			return nil, err
		}
		exemplars[i].ArticleIDs = ids
	}
	return exemplars, nil
}

func (s *Store) exemplarArticles(exemplarID int64) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT article_id FROM exemplar_articles WHERE exemplar_id = ? ORDER BY article_id`,
		exemplarID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query exemplar articles: %w", err))
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan exemplar article: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
