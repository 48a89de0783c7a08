package store

import (
	"database/sql"
	"fmt"
	"time"

	"newsdesk/internal/core"
)

// InsertArticle stores a scraped article, keyed by its unique link.
// Returns the article id and whether a new row was created; an existing
// link leaves the stored article untouched.
func (s *Store) InsertArticle(tx Execer, raw core.RawArticle) (int64, bool, error) {
	e := s.exec(tx)

	published := ""
	if !raw.PublishedAt.IsZero() {
		published = core.FormatTime(raw.PublishedAt)
	}

	res, err := e.Exec(`
		INSERT OR IGNORE INTO articles (link, title, content, published_date, source, processed_date)
		VALUES (?, ?, ?, ?, ?, ?)`,
		raw.Link, raw.Title, raw.Content, published, raw.Source, core.FormatTime(time.Now()))
	if err != nil {
		return 0, false, mapErr(fmt.Errorf("failed to insert article: %w", err))
	}

	if n, _ := res.RowsAffected(); n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("failed to read article id: %w", err)
		}
		if raw.Author != "" {
			if err := s.AddArticleAuthor(tx, id, raw.Author); err != nil {
				return 0, false, err
			}
		}
		return id, true, nil
	}

	var id int64
	if err := e.QueryRow(`SELECT id FROM articles WHERE link = ?`, raw.Link).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("failed to look up existing article: %w", err)
	}
	return id, false, nil
}

// GetArticle fetches one article by id. Returns nil when absent.
func (s *Store) GetArticle(id int64) (*core.Article, error) {
	row := s.db.QueryRow(`
		SELECT id, link, title, content, published_date, source, processed_date
		FROM articles WHERE id = ?`, id)
	a, err := scanArticle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan article: %w", err)
	}
	return a, nil
}

// ArticlesWithoutEntities lists articles that have no entity rows yet,
// oldest first so backlog drains in ingestion order.
func (s *Store) ArticlesWithoutEntities() ([]core.Article, error) {
	return s.queryArticles(`
		SELECT a.id, a.link, a.title, a.content, a.published_date, a.source, a.processed_date
		FROM articles a
		LEFT JOIN article_entities ae ON ae.article_id = a.id
		WHERE ae.article_id IS NULL
		ORDER BY a.id ASC`)
}

// ArticlesWithoutCompanies lists articles with no company mention rows.
func (s *Store) ArticlesWithoutCompanies() ([]core.Article, error) {
	return s.queryArticles(`
		SELECT a.id, a.link, a.title, a.content, a.published_date, a.source, a.processed_date
		FROM articles a
		LEFT JOIN article_companies ac ON ac.article_id = a.id
		WHERE ac.article_id IS NULL
		ORDER BY a.id ASC`)
}

// UngroupedArticles lists articles with no group membership, newest first.
// The grouping run processes them in this order.
func (s *Store) UngroupedArticles() ([]core.Article, error) {
	return s.queryArticles(`
		SELECT a.id, a.link, a.title, a.content, a.published_date, a.source, a.processed_date
		FROM articles a
		LEFT JOIN group_memberships gm ON gm.article_id = a.id
		WHERE gm.article_id IS NULL
		ORDER BY a.published_date DESC, a.id DESC`)
}

// ArticlesInCategorySince lists articles, joined through group memberships,
// whose group main topic matches category and which were published within
// the window.
func (s *Store) ArticlesInCategorySince(category string, window time.Duration) ([]core.Article, error) {
	cutoff := core.FormatTime(time.Now().Add(-window))
	return s.queryArticles(`
		SELECT a.id, a.link, a.title, a.content, a.published_date, a.source, a.processed_date
		FROM articles a
		JOIN group_memberships gm ON gm.article_id = a.id
		JOIN groups g ON g.group_id = gm.group_id
		WHERE g.main_topic = ? AND a.published_date >= ?
		ORDER BY a.published_date DESC`, category, cutoff)
}

// AddArticleAuthor records an author byline for an article.
func (s *Store) AddArticleAuthor(tx Execer, articleID int64, author string) error {
	_, err := s.exec(tx).Exec(`
		INSERT OR IGNORE INTO article_authors (article_id, author) VALUES (?, ?)`,
		articleID, author)
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert author: %w", err))
	}
	return nil
}

// ArticleAuthor returns the first recorded author for an article, or "".
func (s *Store) ArticleAuthor(articleID int64) (string, error) {
	var author string
	err := s.db.QueryRow(`
		SELECT author FROM article_authors WHERE article_id = ? ORDER BY author LIMIT 1`,
		articleID).Scan(&author)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read author: %w", err)
	}
	return author, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(row rowScanner) (*core.Article, error) {
	var a core.Article
	var published, processed sql.NullString
	if err := row.Scan(&a.ID, &a.Link, &a.Title, &a.Content, &published, &a.Source, &processed); err != nil {
		return nil, err
	}
	if published.Valid && published.String != "" {
		if t, err := core.ParseTime(published.String); err == nil {
			a.PublishedAt = t
		}
	}
	if processed.Valid && processed.String != "" {
		if t, err := core.ParseTime(processed.String); err == nil {
			a.ProcessedAt = t
		}
	}
	return &a, nil
}

func (s *Store) queryArticles(query string, args ...any) ([]core.Article, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query articles: %w", err))
	}
	defer rows.Close()

	var articles []core.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		articles = append(articles, *a)
	}
	return articles, rows.Err()
}
