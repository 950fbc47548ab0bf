package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/jverhoef/schoolgate/internal/logging"
)

// DefaultSearchMonths is how far ahead the calendar is read when the caller
// does not say.
const DefaultSearchMonths = 2

// portalEvent mirrors the portal's internal calendar JSON.
type portalEvent struct {
	Title       string `json:"title"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Location    string `json:"location"`
	Description string `json:"description"`
	AllDay      bool   `json:"allDay"`
}

// SchoolEvents reads the school calendar from today through searchMonths
// months ahead, sorted by start time. Results are cached per user and
// window; refresh forces a fresh fetch.
func (c *Client) SchoolEvents(ctx context.Context, email string, searchMonths int, refresh bool) ([]Event, error) {
	if searchMonths <= 0 {
		searchMonths = DefaultSearchMonths
	}
	params := map[string]any{"searchMonths": searchMonths}

	var events []Event
	err := c.cached(ctx, email, "school_events", params, refresh, &events, func() (any, error) {
		start := c.now().Truncate(24 * time.Hour)
		end := start.AddDate(0, searchMonths, 0)
		target := c.base.ResolveReference(&url.URL{
			Path: c.cfg.EventsPath,
			RawQuery: url.Values{
				"start": {start.Format("2006-01-02")},
				"end":   {end.Format("2006-01-02")},
			}.Encode(),
		})
		body, err := c.fetchAuthenticated(ctx, email, target)
		if err != nil {
			return nil, err
		}
		parsed, err := parseEventsJSON(body)
		if err != nil {
			return nil, err
		}
		c.logger.Info("calendar fetched", logging.UserHash(email),
			logging.Tool("school_events"))
		return parsed, nil
	})
	return events, err
}

// parseEventsJSON decodes the portal's calendar feed. Events without a
// parseable start time are dropped rather than surfaced with a zero time.
func parseEventsJSON(body []byte) ([]Event, error) {
	var raw []portalEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: calendar feed was not valid JSON: %v", ErrTransient, err)
	}

	events := make([]Event, 0, len(raw))
	for _, e := range raw {
		start, err := parseEventTime(e.Start)
		if err != nil {
			continue
		}
		event := Event{
			Title:       e.Title,
			Start:       start,
			Location:    e.Location,
			Description: e.Description,
			AllDay:      e.AllDay,
		}
		if end, err := parseEventTime(e.End); err == nil {
			event.End = end
		}
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })
	return events, nil
}

// parseEventTime accepts the two timestamp shapes the portal emits:
// RFC 3339 for timed events and bare dates for all-day events.
func parseEventTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}
