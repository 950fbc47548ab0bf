package portal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jverhoef/schoolgate/internal/instrumentation"
	"github.com/jverhoef/schoolgate/internal/logging"
	"github.com/jverhoef/schoolgate/internal/store"
)

// maxScrapeBodyBytes caps how much portal HTML or JSON is read per page.
const maxScrapeBodyBytes = 4 << 20

// ClientConfig names the portal paths the data client scrapes. Zero values
// fall back to the portal's stock layout.
type ClientConfig struct {
	DirectoryPath  string
	EventsPath     string
	VolunteersPath string
	RequestTimeout time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.DirectoryPath == "" {
		c.DirectoryPath = "/directory/search"
	}
	if c.EventsPath == "" {
		c.EventsPath = "/api/calendar/events"
	}
	if c.VolunteersPath == "" {
		c.VolunteersPath = "/lunch/volunteers"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Client reads portal data through the session Manager, with per-user
// result caching in front of every scrape.
type Client struct {
	manager *Manager
	cache   *store.Cache
	base    *url.URL
	cfg     ClientConfig
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// NewClient creates a data client over the given Manager and cache.
func NewClient(manager *Manager, cache *store.Cache, cfg ClientConfig, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		manager: manager,
		cache:   cache,
		base:    manager.cfg.BaseURL,
		cfg:     cfg,
		logger:  logging.WithComponent(logger, "portal_client"),
		now:     time.Now,
	}
}

// Manager exposes the session manager the client rides on.
func (c *Client) Manager() *Manager { return c.manager }

// SetMetrics attaches the metrics recorder. Call before serving traffic.
func (c *Client) SetMetrics(metrics *instrumentation.Metrics) {
	c.metrics = metrics
}

// fetchAuthenticated runs an authenticated GET and returns the body.
func (c *Client) fetchAuthenticated(ctx context.Context, email string, target *url.URL) ([]byte, error) {
	ctx, span := instrumentation.StartPortalSpan(ctx, target.Path)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.manager.AuthenticatedRequest(ctx, email, req)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: portal returned %d for %s", ErrTransient, resp.StatusCode, target.Path)
		instrumentation.SetSpanError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return io.ReadAll(io.LimitReader(resp.Body, maxScrapeBodyBytes))
}

// cached wraps a fetch with the per-user result cache. refresh bypasses the
// read but still repopulates the slot.
func (c *Client) cached(ctx context.Context, email, tool string, params map[string]any, refresh bool, out any, fetch func() (any, error)) error {
	signature := store.Signature(tool, params)
	if !refresh {
		hit, err := c.cache.Get(ctx, email, signature, out)
		if err != nil {
			c.logger.Warn("cache read failed, falling through to portal",
				logging.Tool(tool), logging.Err(err))
		} else if hit {
			c.metrics.RecordCacheLookup(ctx, tool, true)
			c.logger.Debug("cache hit", logging.Tool(tool), logging.UserHash(email))
			return nil
		}
		c.metrics.RecordCacheLookup(ctx, tool, false)
	}

	fresh, err := fetch()
	if err != nil {
		return err
	}
	if err := c.cache.Set(ctx, email, signature, fresh, 0); err != nil {
		c.logger.Warn("cache write failed", logging.Tool(tool), logging.Err(err))
	}
	return reassign(fresh, out)
}

// reassign copies a fetched value into the caller's out pointer using the
// same JSON shape the cache path uses, so both paths yield identical data.
func reassign(value, out any) error {
	switch dst := out.(type) {
	case *[]DirectoryEntry:
		src, ok := value.([]DirectoryEntry)
		if !ok {
			return fmt.Errorf("unexpected directory payload %T", value)
		}
		*dst = src
	case *[]Event:
		src, ok := value.([]Event)
		if !ok {
			return fmt.Errorf("unexpected events payload %T", value)
		}
		*dst = src
	case *[]VolunteerSlot:
		src, ok := value.([]VolunteerSlot)
		if !ok {
			return fmt.Errorf("unexpected volunteer payload %T", value)
		}
		*dst = src
	default:
		return fmt.Errorf("unsupported result type %T", out)
	}
	return nil
}
