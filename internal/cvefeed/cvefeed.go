// Package cvefeed fetches CVE metadata from the MITRE CVE services API.
package cvefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"newsdesk/internal/core"
)

// DefaultBaseURL is the MITRE CVE record endpoint.
const DefaultBaseURL = "https://cveawg.mitre.org/api/cve"

// Client fetches CVE records over HTTP with bounded retries.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient builds a client against the MITRE service.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    DefaultBaseURL,
	}
}

// NewClientWithBaseURL builds a client against an alternate endpoint,
// used by tests.
func NewClientWithBaseURL(baseURL string) *Client {
	c := NewClient()
	c.baseURL = strings.TrimSuffix(baseURL, "/")
	return c
}

// record mirrors the slice of the MITRE CVE JSON document this system
// reads: .containers.cna.{affected, metrics, references, solutions}.
type record struct {
	Containers struct {
		CNA struct {
			Affected []struct {
				Vendor   string `json:"vendor"`
				Product  string `json:"product"`
				Versions []struct {
					Version string `json:"version"`
					Status  string `json:"status"`
				} `json:"versions"`
			} `json:"affected"`
			Metrics []struct {
				CVSSV31 *cvss `json:"cvssV3_1"`
				CVSSV30 *cvss `json:"cvssV3_0"`
				CVSSV2  *cvss `json:"cvssV2_0"`
			} `json:"metrics"`
			References []struct {
				URL  string   `json:"url"`
				Tags []string `json:"tags"`
			} `json:"references"`
			Solutions []struct {
				Value string `json:"value"`
			} `json:"solutions"`
		} `json:"cna"`
	} `json:"containers"`
}

type cvss struct {
	BaseScore float64 `json:"baseScore"`
}

// Fetch retrieves and parses the metadata record for one CVE id. A 4xx
// response or a parse failure is permanent; 5xx and transport errors are
// retried up to 3 times with exponential backoff.
func (c *Client) Fetch(ctx context.Context, cveID string) (*core.CVEInfo, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, cveID)

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("CVE service returned %d for %s", resp.StatusCode, cveID)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("CVE service returned %d for %s", resp.StatusCode, cveID))
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", cveID, err)
	}

	var rec record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record for %s: %w", cveID, err)
	}

	info := &core.CVEInfo{
		CVEID:   cveID,
		CVEURL:  fmt.Sprintf("https://www.cve.org/CVERecord?id=%s", cveID),
		RawJSON: string(body),
	}

	cna := rec.Containers.CNA

	// Base score preference: CVSS v3.1 > v3.0 > v2.
	for _, m := range cna.Metrics {
		if m.CVSSV31 != nil {
			info.BaseScore, info.HasBaseScore = m.CVSSV31.BaseScore, true
			break
		}
	}
	if !info.HasBaseScore {
		for _, m := range cna.Metrics {
			if m.CVSSV30 != nil {
				info.BaseScore, info.HasBaseScore = m.CVSSV30.BaseScore, true
				break
			}
		}
	}
	if !info.HasBaseScore {
		for _, m := range cna.Metrics {
			if m.CVSSV2 != nil {
				info.BaseScore, info.HasBaseScore = m.CVSSV2.BaseScore, true
				break
			}
		}
	}

	var products []string
	for _, a := range cna.Affected {
		if info.Vendor == "" && a.Vendor != "" && a.Vendor != "n/a" {
			info.Vendor = a.Vendor
		}
		if a.Product != "" && a.Product != "n/a" {
			products = append(products, a.Product)
		}
	}
	info.AffectedProducts = strings.Join(products, ", ")

	// Vendor advisory URL = first reference tagged vendor-advisory.
	for _, ref := range cna.References {
		for _, tag := range ref.Tags {
			if tag == "vendor-advisory" {
				info.VendorLink = ref.URL
				break
			}
		}
		if info.VendorLink != "" {
			break
		}
	}

	if len(cna.Solutions) > 0 {
		info.Solution = cna.Solutions[0].Value
	}

	return info, nil
}
