package portal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jverhoef/schoolgate/internal/logging"
)

// DefaultVolunteerDays is how far ahead lunch_volunteers looks when the
// caller gives no window.
const DefaultVolunteerDays = 14

// slotDateFormats covers the date shapes the signup sheet has been seen
// rendering.
var slotDateFormats = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

func parseSlotDate(s string) (time.Time, error) {
	for _, layout := range slotDateFormats {
		if d, err := time.Parse(layout, s); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized slot date %q", s)
}

// FilterVolunteerSlots returns the slots whose date falls in the window
// [start, start+days). Slots with a date the sheet renders in an
// unrecognized shape are kept; dropping them would hide rows the sheet
// plainly shows.
func FilterVolunteerSlots(slots []VolunteerSlot, start time.Time, days int) []VolunteerSlot {
	if days <= 0 {
		days = DefaultVolunteerDays
	}
	start = start.Truncate(24 * time.Hour)
	end := start.AddDate(0, 0, days)

	out := make([]VolunteerSlot, 0, len(slots))
	for _, slot := range slots {
		d, err := parseSlotDate(slot.Date)
		if err != nil {
			out = append(out, slot)
			continue
		}
		if d.Before(start) || !d.Before(end) {
			continue
		}
		out = append(out, slot)
	}
	return out
}

// LunchVolunteers reads the public lunch-volunteer signup sheet. The page
// needs no login, so this goes straight to the portal without touching the
// session machinery; the result is still cached per user so refresh
// semantics match the other tools.
func (c *Client) LunchVolunteers(ctx context.Context, email string, refresh bool) ([]VolunteerSlot, error) {
	params := map[string]any{}

	var slots []VolunteerSlot
	err := c.cached(ctx, email, "lunch_volunteers", params, refresh, &slots, func() (any, error) {
		target := c.base.ResolveReference(&url.URL{Path: c.cfg.VolunteersPath})
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return nil, err
		}
		client := &http.Client{Timeout: c.cfg.RequestTimeout}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: volunteer page returned %d", ErrTransient, resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxScrapeBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		parsed, err := parseVolunteerHTML(body)
		if err != nil {
			return nil, err
		}
		c.logger.Info("volunteer sheet scraped", logging.UserHash(email),
			logging.Tool("lunch_volunteers"))
		return parsed, nil
	})
	return slots, err
}

// parseVolunteerHTML extracts signup slots from the sheet's table: one row
// per slot with date, slot label, and the volunteer's name when taken.
func parseVolunteerHTML(body []byte) ([]VolunteerSlot, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	slots := []VolunteerSlot{}
	doc.Find("table tbody tr, table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		slot := VolunteerSlot{
			Date: cleanCell(cells.Eq(0).Text()),
			Slot: cleanCell(cells.Eq(1).Text()),
		}
		if slot.Date == "" {
			return
		}
		if cells.Length() > 2 {
			slot.Volunteer = cleanCell(cells.Eq(2).Text())
		}
		slot.Open = slot.Volunteer == "" || strings.EqualFold(slot.Volunteer, "open")
		if slot.Open {
			slot.Volunteer = ""
		}
		slots = append(slots, slot)
	})
	return slots, nil
}
