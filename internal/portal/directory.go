package portal

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jverhoef/schoolgate/internal/logging"
)

// SearchDirectory queries the portal's member directory and parses the
// result table. Results are cached per user and query; refresh forces a
// fresh scrape.
func (c *Client) SearchDirectory(ctx context.Context, email, query string, refresh bool) ([]DirectoryEntry, error) {
	params := map[string]any{"query": strings.TrimSpace(query)}

	var entries []DirectoryEntry
	err := c.cached(ctx, email, "directory_search", params, refresh, &entries, func() (any, error) {
		target := c.base.ResolveReference(&url.URL{
			Path:     c.cfg.DirectoryPath,
			RawQuery: url.Values{"q": {query}}.Encode(),
		})
		body, err := c.fetchAuthenticated(ctx, email, target)
		if err != nil {
			return nil, err
		}
		parsed, err := parseDirectoryHTML(body)
		if err != nil {
			return nil, err
		}
		c.logger.Info("directory search scraped",
			logging.UserHash(email), logging.Tool("directory_search"))
		return parsed, nil
	})
	return entries, err
}

// parseDirectoryHTML extracts family records from the directory result
// table. The portal renders one row per family: name, contact email,
// phone, students, classroom. Rows missing a name are decoration and are
// skipped.
func parseDirectoryHTML(body []byte) ([]DirectoryEntry, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	entries := []DirectoryEntry{}
	doc.Find("table tbody tr, table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() == 0 {
			return
		}
		entry := DirectoryEntry{
			Name:  cleanCell(cells.Eq(0).Text()),
			Email: directoryEmail(cells.Eq(1)),
			Phone: cleanCell(cells.Eq(2).Text()),
		}
		if entry.Name == "" {
			return
		}
		if cells.Length() > 3 {
			for _, student := range strings.Split(cells.Eq(3).Text(), ",") {
				if s := cleanCell(student); s != "" {
					entry.Students = append(entry.Students, s)
				}
			}
		}
		if cells.Length() > 4 {
			entry.Classroom = cleanCell(cells.Eq(4).Text())
		}
		entries = append(entries, entry)
	})
	return entries, nil
}

// directoryEmail prefers the mailto link target over the cell text, which
// the portal sometimes truncates for display.
func directoryEmail(cell *goquery.Selection) string {
	if href, ok := cell.Find("a[href^='mailto:']").Attr("href"); ok {
		return cleanCell(strings.TrimPrefix(href, "mailto:"))
	}
	return cleanCell(cell.Text())
}

func cleanCell(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
