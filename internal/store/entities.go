package store

import (
	"database/sql"
	"fmt"
	"time"

	"newsdesk/internal/core"
)

// UpsertEntity inserts an entity keyed by (name, type) or, when it already
// exists, refreshes last_seen and fills an empty description. The mention
// counter is NOT bumped here; callers bump it via BumpEntityMention only
// when a new article link was created, which keeps enrichment idempotent.
func (s *Store) UpsertEntity(tx Execer, name, entityType, description string) (int64, error) {
	e := s.exec(tx)
	now := core.FormatTime(time.Now())
	entityType = core.NormalizeEntityType(entityType)

	_, err := e.Exec(`
		INSERT INTO entity_profiles (entity_name, entity_type, description, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_name, entity_type) DO UPDATE SET
			last_seen = excluded.last_seen,
			description = COALESCE(NULLIF(entity_profiles.description, ''), excluded.description)`,
		name, entityType, description, now, now)
	if err != nil {
		return 0, mapErr(fmt.Errorf("failed to upsert entity: %w", err))
	}

	var id int64
	err = e.QueryRow(`SELECT entity_id FROM entity_profiles WHERE entity_name = ? AND entity_type = ?`,
		name, entityType).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read entity id: %w", err)
	}
	return id, nil
}

// BumpEntityMention increments the mention counter and refreshes last_seen.
func (s *Store) BumpEntityMention(tx Execer, entityID int64) error {
	_, err := s.exec(tx).Exec(`
		UPDATE entity_profiles SET mention_count = mention_count + 1, last_seen = ?
		WHERE entity_id = ?`, core.FormatTime(time.Now()), entityID)
	if err != nil {
		return mapErr(fmt.Errorf("failed to bump entity mention: %w", err))
	}
	return nil
}

// LinkEntityToArticle links an entity to an article with its relevance and
// context snippet. Returns true when a new link row was created; an existing
// link gets its relevance and context refreshed instead.
func (s *Store) LinkEntityToArticle(tx Execer, articleID, entityID int64, relevance float64, context string) (bool, error) {
	e := s.exec(tx)
	res, err := e.Exec(`
		INSERT OR IGNORE INTO article_entities (article_id, entity_id, relevance_score, context)
		VALUES (?, ?, ?, ?)`, articleID, entityID, relevance, context)
	if err != nil {
		return false, mapErr(fmt.Errorf("failed to link entity to article: %w", err))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	_, err = e.Exec(`
		UPDATE article_entities SET relevance_score = ?, context = ?
		WHERE article_id = ? AND entity_id = ?`, relevance, context, articleID, entityID)
	if err != nil {
		return false, mapErr(fmt.Errorf("failed to refresh entity link: %w", err))
	}
	return false, nil
}

// LinkEntityToGroup links an entity to a group with a relevance score.
func (s *Store) LinkEntityToGroup(tx Execer, groupID, entityID int64, relevance float64) error {
	_, err := s.exec(tx).Exec(`
		INSERT INTO group_entities (group_id, entity_id, relevance_score)
		VALUES (?, ?, ?)
		ON CONFLICT (group_id, entity_id) DO UPDATE SET relevance_score = excluded.relevance_score`,
		groupID, entityID, relevance)
	if err != nil {
		return mapErr(fmt.Errorf("failed to link entity to group: %w", err))
	}
	return nil
}

// LinkEntityToTrend links an entity to a trend with a relevance score.
func (s *Store) LinkEntityToTrend(tx Execer, trendID, entityID int64, relevance float64) error {
	_, err := s.exec(tx).Exec(`
		INSERT INTO trend_entities (trend_id, entity_id, relevance_score)
		VALUES (?, ?, ?)
		ON CONFLICT (trend_id, entity_id) DO UPDATE SET relevance_score = excluded.relevance_score`,
		trendID, entityID, relevance)
	if err != nil {
		return mapErr(fmt.Errorf("failed to link entity to trend: %w", err))
	}
	return nil
}

// EntitiesForArticle returns the entity mentions of one article, highest
// relevance first.
func (s *Store) EntitiesForArticle(articleID int64) ([]core.EntityMention, error) {
	rows, err := s.db.Query(`
		SELECT ep.entity_id, ep.entity_name, ep.entity_type, ae.relevance_score
		FROM article_entities ae
		JOIN entity_profiles ep ON ep.entity_id = ae.entity_id
		WHERE ae.article_id = ?
		ORDER BY ae.relevance_score DESC, ep.entity_id ASC`, articleID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query article entities: %w", err))
	}
	defer rows.Close()

	var mentions []core.EntityMention
	for rows.Next() {
		var m core.EntityMention
		if err := rows.Scan(&m.EntityID, &m.Name, &m.Type, &m.Relevance); err != nil {
			return nil, fmt.Errorf("failed to scan entity mention: %w", err)
		}
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}

// EntityCount is an entity name paired with a mention count, used by the
// trending and category entity queries.
type EntityCount struct {
	EntityID int64  `json:"entity_id"`
	Name     string `json:"entity_name"`
	Type     string `json:"entity_type"`
	Count    int    `json:"mention_count"`
}

// TrendingEntities returns the most-mentioned entities across articles
// published inside the window.
func (s *Store) TrendingEntities(window time.Duration, limit int) ([]EntityCount, error) {
	cutoff := core.FormatTime(time.Now().Add(-window))
	return s.queryEntityCounts(`
		SELECT ep.entity_id, ep.entity_name, ep.entity_type, COUNT(*) AS mentions
		FROM article_entities ae
		JOIN entity_profiles ep ON ep.entity_id = ae.entity_id
		JOIN articles a ON a.id = ae.article_id
		WHERE a.published_date >= ?
		GROUP BY ep.entity_id
		ORDER BY mentions DESC, ep.entity_name ASC
		LIMIT ?`, cutoff, limit)
}

// CategoryEntities returns the most-mentioned entities among articles whose
// group falls in the category.
func (s *Store) CategoryEntities(category string, limit int) ([]EntityCount, error) {
	return s.queryEntityCounts(`
		SELECT ep.entity_id, ep.entity_name, ep.entity_type, COUNT(*) AS mentions
		FROM article_entities ae
		JOIN entity_profiles ep ON ep.entity_id = ae.entity_id
		JOIN group_memberships gm ON gm.article_id = ae.article_id
		JOIN groups g ON g.group_id = gm.group_id
		WHERE g.main_topic = ?
		GROUP BY ep.entity_id
		ORDER BY mentions DESC, ep.entity_name ASC
		LIMIT ?`, category, limit)
}

// Cooccurrence is a pair of entities mentioned together, with the number of
// articles mentioning both.
type Cooccurrence struct {
	First  string `json:"first"`
	Second string `json:"second"`
	Count  int    `json:"count"`
}

// EntityCooccurrences returns the top entity pairs co-mentioned in articles
// of a category within the window.
func (s *Store) EntityCooccurrences(category string, window time.Duration, limit int) ([]Cooccurrence, error) {
	cutoff := core.FormatTime(time.Now().Add(-window))
	rows, err := s.db.Query(`
		SELECT e1.entity_name, e2.entity_name, COUNT(*) AS pair_count
		FROM article_entities ae1
		JOIN article_entities ae2 ON ae1.article_id = ae2.article_id AND ae1.entity_id < ae2.entity_id
		JOIN entity_profiles e1 ON e1.entity_id = ae1.entity_id
		JOIN entity_profiles e2 ON e2.entity_id = ae2.entity_id
		JOIN group_memberships gm ON gm.article_id = ae1.article_id
		JOIN groups g ON g.group_id = gm.group_id
		JOIN articles a ON a.id = ae1.article_id
		WHERE g.main_topic = ? AND a.published_date >= ?
		GROUP BY ae1.entity_id, ae2.entity_id
		ORDER BY pair_count DESC
		LIMIT ?`, category, cutoff, limit)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query co-occurrences: %w", err))
	}
	defer rows.Close()

	var pairs []Cooccurrence
	for rows.Next() {
		var p Cooccurrence
		if err := rows.Scan(&p.First, &p.Second, &p.Count); err != nil {
			return nil, fmt.Errorf("failed to scan co-occurrence: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// EntityByID returns one entity profile, or nil when absent.
func (s *Store) EntityByID(id int64) (*core.Entity, error) {
	row := s.db.QueryRow(`
		SELECT entity_id, entity_name, entity_type, COALESCE(description, ''), first_seen, last_seen, mention_count
		FROM entity_profiles WHERE entity_id = ?`, id)

	var ent core.Entity
	var firstSeen, lastSeen string
	err := row.Scan(&ent.ID, &ent.Name, &ent.Type, &ent.Description, &firstSeen, &lastSeen, &ent.MentionCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}
	if t, err := core.ParseTime(firstSeen); err == nil {
		ent.FirstSeen = t
	}
	if t, err := core.ParseTime(lastSeen); err == nil {
		ent.LastSeen = t
	}
	return &ent, nil
}

// InsertArticleCompany records a company mention. Returns true when a new
// row was created.
func (s *Store) InsertArticleCompany(tx Execer, articleID int64, company string) (bool, error) {
	res, err := s.exec(tx).Exec(`
		INSERT OR IGNORE INTO article_companies (article_id, company_name) VALUES (?, ?)`,
		articleID, company)
	if err != nil {
		return false, mapErr(fmt.Errorf("failed to insert company mention: %w", err))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompaniesForArticle returns the company names mentioned by an article.
func (s *Store) CompaniesForArticle(articleID int64) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT company_name FROM article_companies WHERE article_id = ? ORDER BY company_name`,
		articleID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query companies: %w", err))
	}
	defer rows.Close()

	var companies []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan company: %w", err)
		}
		companies = append(companies, name)
	}
	return companies, rows.Err()
}

func (s *Store) queryEntityCounts(query string, args ...any) ([]EntityCount, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query entity counts: %w", err))
	}
	defer rows.Close()

	var counts []EntityCount
	for rows.Next() {
		var c EntityCount
		if err := rows.Scan(&c.EntityID, &c.Name, &c.Type, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan entity count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
