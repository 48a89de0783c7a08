package store

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"newsdesk/internal/core"
)

var cveIDPattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,7}$`)

// InsertArticleCVE records a CVE mention for an article. Malformed ids are
// rejected so the mention table only ever holds valid identifiers.
func (s *Store) InsertArticleCVE(tx Execer, articleID int64, cveID string, published time.Time) error {
	if !cveIDPattern.MatchString(cveID) {
		return fmt.Errorf("invalid CVE id %q", cveID)
	}
	publishedText := ""
	if !published.IsZero() {
		publishedText = core.FormatTime(published)
	}
	_, err := s.exec(tx).Exec(`
		INSERT OR IGNORE INTO article_cves (article_id, cve_id, published_date) VALUES (?, ?, ?)`,
		articleID, cveID, publishedText)
	if err != nil {
		return mapErr(fmt.Errorf("failed to insert CVE mention: %w", err))
	}
	return nil
}

// CVEsForArticle returns the CVE ids mentioned by an article, sorted.
func (s *Store) CVEsForArticle(articleID int64) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT cve_id FROM article_cves WHERE article_id = ? ORDER BY cve_id`, articleID)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query article CVEs: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan CVE id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CVEsNeedingRefresh returns distinct mentioned CVE ids whose metadata is
// missing or older than maxAge.
func (s *Store) CVEsNeedingRefresh(maxAge time.Duration) ([]string, error) {
	cutoff := core.FormatTime(time.Now().Add(-maxAge))
	rows, err := s.db.Query(`
		SELECT DISTINCT ac.cve_id
		FROM article_cves ac
		LEFT JOIN cve_info ci ON ci.cve_id = ac.cve_id
		WHERE ci.cve_id IS NULL OR ci.updated_at < ?
		ORDER BY ac.cve_id`, cutoff)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query stale CVEs: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan CVE id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertCVEInfo inserts or refreshes CVE metadata. Every column except
// created_at is overwritten on conflict.
func (s *Store) UpsertCVEInfo(tx Execer, info core.CVEInfo) error {
	now := core.FormatTime(time.Now())
	hasScore := 0
	if info.HasBaseScore {
		hasScore = 1
	}
	_, err := s.exec(tx).Exec(`
		INSERT INTO cve_info (cve_id, base_score, has_base_score, vendor, affected_products,
			cve_url, vendor_link, solution, raw_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cve_id) DO UPDATE SET
			base_score = excluded.base_score,
			has_base_score = excluded.has_base_score,
			vendor = excluded.vendor,
			affected_products = excluded.affected_products,
			cve_url = excluded.cve_url,
			vendor_link = excluded.vendor_link,
			solution = excluded.solution,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at`,
		info.CVEID, info.BaseScore, hasScore, info.Vendor, info.AffectedProducts,
		info.CVEURL, info.VendorLink, info.Solution, info.RawJSON, now, now)
	if err != nil {
		return mapErr(fmt.Errorf("failed to upsert CVE info: %w", err))
	}
	return nil
}

// CVEArticleLink is one article that mentioned a CVE.
type CVEArticleLink struct {
	URL    string `json:"url"`
	Source string `json:"source"`
}

// CVETableRow is the aggregated view of one CVE for the web API.
type CVETableRow struct {
	CVEID            string           `json:"cve_id"`
	TimesSeen        int              `json:"times_seen"`
	FirstMention     string           `json:"first_mention"`
	LastMention      string           `json:"last_mention"`
	ArticleLinks     []CVEArticleLink `json:"article_links"`
	BaseScore        *float64         `json:"base_score"`
	Vendor           string           `json:"vendor"`
	AffectedProducts string           `json:"affected_products"`
	VendorLink       string           `json:"vendor_link"`
	Solution         string           `json:"solution"`
	Sources          string           `json:"sources"` // sorted unique hostnames, comma separated
}

// CVETable aggregates CVE mentions across articles published inside the
// window, newest mention first.
func (s *Store) CVETable(window time.Duration) ([]CVETableRow, error) {
	cutoff := core.FormatTime(time.Now().Add(-window))
	rows, err := s.db.Query(`
		SELECT ac.cve_id, a.link, a.source, a.published_date,
		       ci.base_score, ci.has_base_score,
		       COALESCE(ci.vendor, ''), COALESCE(ci.affected_products, ''),
		       COALESCE(ci.vendor_link, ''), COALESCE(ci.solution, '')
		FROM article_cves ac
		JOIN articles a ON a.id = ac.article_id
		LEFT JOIN cve_info ci ON ci.cve_id = ac.cve_id
		WHERE a.published_date >= ?
		ORDER BY ac.cve_id, a.published_date`, cutoff)
	if err != nil {
		return nil, mapErr(fmt.Errorf("failed to query CVE table: %w", err))
	}
	defer rows.Close()

	byID := make(map[string]*CVETableRow)
	hostsByID := make(map[string]map[string]bool)
	var order []string

	for rows.Next() {
		var cveID, link, source, published string
		var baseScore *float64
		var hasScore *int
		var vendor, products, vendorLink, solution string
		if err := rows.Scan(&cveID, &link, &source, &published,
			&baseScore, &hasScore, &vendor, &products, &vendorLink, &solution); err != nil {
			return nil, fmt.Errorf("failed to scan CVE row: %w", err)
		}

		row, ok := byID[cveID]
		if !ok {
			row = &CVETableRow{
				CVEID:            cveID,
				FirstMention:     published,
				Vendor:           vendor,
				AffectedProducts: products,
				VendorLink:       vendorLink,
				Solution:         solution,
			}
			if hasScore != nil && *hasScore == 1 {
				row.BaseScore = baseScore
			}
			byID[cveID] = row
			hostsByID[cveID] = make(map[string]bool)
			order = append(order, cveID)
		}

		row.TimesSeen++
		row.LastMention = published
		row.ArticleLinks = append(row.ArticleLinks, CVEArticleLink{URL: link, Source: source})
		hostsByID[cveID][hostOf(link, source)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]CVETableRow, 0, len(order))
	for _, id := range order {
		row := byID[id]
		hosts := make([]string, 0, len(hostsByID[id]))
		for h := range hostsByID[id] {
			hosts = append(hosts, h)
		}
		sort.Strings(hosts)
		row.Sources = strings.Join(hosts, ", ")
		result = append(result, *row)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LastMention > result[j].LastMention })
	return result, nil
}

// hostOf extracts the hostname of an article link, falling back to the
// source tag when the link does not parse.
func hostOf(link, source string) string {
	if u, err := url.Parse(link); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return source
}
