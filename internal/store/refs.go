package store

import (
	"fmt"

	"newsdesk/internal/core"
)

// InsertArticleReference records an external URL mentioned inside an
// article body.
func (s *Store) InsertArticleReference(tx Execer, articleID int64, ref core.Reference) error {
	_, err := s.exec(tx).Exec(`
		INSERT OR IGNORE INTO article_external_references (article_id, url, domain, ref_type)
		VALUES (?, ?, ?, ?)`, articleID, ref.URL, ref.Domain, ref.Type)
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert reference: %w", err))
	}
	return nil
}

// ReferencesForArticle returns the external references of one article.
func (s *Store) ReferencesForArticle(articleID int64) ([]core.Reference, error) {
	rows, err := s.db.Query(`
		SELECT url, COALESCE(domain, ''), COALESCE(ref_type, '')
		FROM article_external_references WHERE article_id = ? ORDER BY url`, articleID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query references: %w", err))
	}
	defer rows.Close()

	var refs []core.Reference
	for rows.Next() {
		var r core.Reference
		if err := rows.Scan(&r.URL, &r.Domain, &r.Type); err != nil {
			return nil, fmt.Errorf("failed to scan reference: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// UpsertNamedEvent inserts a named event or returns the existing id. The
// CVE id list is refreshed when non-empty.
func (s *Store) UpsertNamedEvent(tx Execer, name, eventType, cveIDs string) (int64, error) {
	e := s.exec(tx)
	_, err := e.Exec(`
		INSERT INTO named_events (event_name, event_type, cve_ids)
		VALUES (?, ?, ?)
		ON CONFLICT (event_name) DO UPDATE SET
			event_type = excluded.event_type,
			cve_ids = COALESCE(NULLIF(excluded.cve_ids, ''), named_events.cve_ids)`,
		name, eventType, cveIDs)
	if err != nil {
		return 0, mapErr(fmt.Errorf("failed to upsert event: %w", err))
	}

	var id int64
	if err := e.QueryRow(`SELECT event_id FROM named_events WHERE event_name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read event id: %w", err)
	}
	return id, nil
}

// LinkEventToArticle records that an article mentions a named event.
func (s *Store) LinkEventToArticle(tx Execer, articleID, eventID int64) error {
	_, err := s.exec(tx).Exec(`
		INSERT OR IGNORE INTO article_events (article_id, event_id) VALUES (?, ?)`,
		articleID, eventID)
	if err != nil {
		return mapErr(fmt.Errorf("failed to link event: %w", err))
	}
	return nil
}

// EventsForArticle returns the named events mentioned by an article.
func (s *Store) EventsForArticle(articleID int64) ([]core.Event, error) {
	rows, err := s.db.Query(`
		SELECT ne.event_id, ne.event_name, COALESCE(ne.event_type, ''), COALESCE(ne.cve_ids, '')
		FROM article_events ae
		JOIN named_events ne ON ne.event_id = ae.event_id
		WHERE ae.article_id = ?
		ORDER BY ne.event_name`, articleID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query events: %w", err))
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var ev core.Event
		if err := rows.Scan(&ev.EventID, &ev.Name, &ev.Type, &ev.CVEIDs); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// InsertQuote stores a direct quotation and links it to the article.
func (s *Store) InsertQuote(tx Execer, articleID int64, text, speaker string) (int64, error) {
	e := s.exec(tx)
	res, err := e.Exec(`INSERT INTO quotes (quote_text, speaker) VALUES (?, ?)`, text, speaker)
	if err != nil {
		return 0, mapErr(fmt.Errorf("failed to insert quote: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read quote id: %w", err)
	}
	if _, err := e.Exec(`
		INSERT OR IGNORE INTO article_quotes (article_id, quote_id) VALUES (?, ?)`,
		articleID, id); err != nil {
		return 0, mapErr(fmt.Errorf("failed to link quote: %w", err))
	}
	return id, nil
}

// QuotesForArticle returns the quotations extracted from an article.
func (s *Store) QuotesForArticle(articleID int64) ([]core.Quote, error) {
	rows, err := s.db.Query(`
		SELECT q.quote_id, q.quote_text, COALESCE(q.speaker, '')
		FROM article_quotes aq
		JOIN quotes q ON q.quote_id = aq.quote_id
		WHERE aq.article_id = ?
		ORDER BY q.quote_id`, articleID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query quotes: %w", err))
	}
	defer rows.Close()

	var quotes []core.Quote
	for rows.Next() {
		var q core.Quote
		if err := rows.Scan(&q.QuoteID, &q.Text, &q.Speaker); err != nil {
			return nil, fmt.Errorf("failed to scan quote: %w", err)
		}
		quotes = append(quotes, q)
	}
	return quotes, rows.Err()
}
