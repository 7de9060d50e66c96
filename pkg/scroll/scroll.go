package scroll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/Sternrassler/scalr-api-client/pkg/client"
	"github.com/Sternrassler/scalr-api-client/pkg/logging"
	"github.com/Sternrassler/scalr-api-client/pkg/signer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	scrollPagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalr_scroll_pages_total",
		Help: "Total number of pages fetched by scroll operations",
	})

	scrollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scalr_scroll_duration_seconds",
		Help:    "Duration of complete scroll operations in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	scrollFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalr_scroll_failures_total",
		Help: "Total number of scroll operations that failed",
	})
)

var (
	// ErrMalformedPage indicates a page body that is not a JSON object or
	// whose data member is not an array.
	ErrMalformedPage = errors.New("malformed page")

	// ErrPageLimit is returned when Config.MaxPages is set and exceeded.
	ErrPageLimit = errors.New("page limit exceeded")
)

// Getter issues a single signed GET. *client.Client implements it.
type Getter interface {
	Get(ctx context.Context, path string, query signer.Query) (*client.Response, error)
}

// Config holds coordinator configuration.
type Config struct {
	// MaxPages aborts a scroll with ErrPageLimit after this many pages (0 = unlimited)
	MaxPages int

	// PageTimeout bounds each page fetch (0 = no timeout)
	PageTimeout time.Duration
}

// DefaultConfig returns an unlimited configuration.
func DefaultConfig() Config {
	return Config{}
}

// Page is one fetched page.
type Page struct {
	// Number is 1-based
	Number   int
	Response *client.Response
	Items    []json.RawMessage

	// Next is the raw pagination.next cursor; empty on the last page
	Next string
}

// Result is the outcome of a complete scroll.
type Result struct {
	// Last is the final page's response
	Last *client.Response

	// Items holds every page's items in page-arrival order
	Items []json.RawMessage

	Pages int
}

// Coordinator follows pagination cursors over a Getter.
type Coordinator struct {
	getter Getter
	config Config
	logger zerolog.Logger
}

// New creates a Coordinator.
func New(getter Getter, cfg Config) *Coordinator {
	if cfg.MaxPages < 0 {
		cfg.MaxPages = 0
	}
	return &Coordinator{
		getter: getter,
		config: cfg,
		logger: logging.NewLogger(logging.ComponentScroll),
	}
}

// Pages lazily yields each page of path. Iteration stops after the first
// error, which is yielded with a nil page.
func (c *Coordinator) Pages(ctx context.Context, path string, query signer.Query) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		q := query
		for n := 1; ; n++ {
			if c.config.MaxPages > 0 && n > c.config.MaxPages {
				yield(nil, fmt.Errorf("%w: %s has more than %d pages", ErrPageLimit, path, c.config.MaxPages))
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			page, err := c.fetch(ctx, path, q, n)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(page, nil) || page.Next == "" {
				return
			}
			q = cursorQuery(page.Next)
		}
	}
}

// Scroll fetches every page of path and merges their items.
func (c *Coordinator) Scroll(ctx context.Context, path string, query signer.Query) (*Result, error) {
	start := time.Now()
	c.logger.Info().Str("path", path).Msg("Starting scroll")

	result := &Result{Items: []json.RawMessage{}}
	for page, err := range c.Pages(ctx, path, query) {
		if err != nil {
			scrollFailuresTotal.Inc()
			c.logger.Warn().Err(err).
				Str("path", path).
				Int("pages_fetched", result.Pages).
				Msg("Scroll failed")
			return nil, err
		}
		result.Items = append(result.Items, page.Items...)
		result.Last = page.Response
		result.Pages = page.Number
	}

	duration := time.Since(start)
	scrollDuration.Observe(duration.Seconds())
	c.logger.Info().
		Str("path", path).
		Int("pages", result.Pages).
		Int("items", len(result.Items)).
		Dur("duration", duration).
		Msg("Scroll complete")
	return result, nil
}

// Go runs Scroll in a goroutine. Exactly one of onSuccess or onError is called,
// once. The returned function cancels the scroll; onError then receives the
// context error.
func (c *Coordinator) Go(ctx context.Context, path string, query signer.Query, onSuccess func(*Result), onError func(error)) (cancel func()) {
	ctx, cancel = context.WithCancel(ctx)
	go func() {
		defer cancel()
		result, err := c.Scroll(ctx, path, query)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onSuccess != nil {
			onSuccess(result)
		}
	}()
	return cancel
}

// Collect scrolls path and decodes every item into T.
func Collect[T any](ctx context.Context, c *Coordinator, path string, query signer.Query) ([]T, error) {
	result, err := c.Scroll(ctx, path, query)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(result.Items))
	for i, raw := range result.Items {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode item %d of %s: %w", i, path, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *Coordinator) fetch(ctx context.Context, path string, query signer.Query, n int) (*Page, error) {
	if c.config.PageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.PageTimeout)
		defer cancel()
	}

	resp, err := c.getter.Get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	scrollPagesTotal.Inc()

	items, next, err := parsePage(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s page %d: %w", path, n, err)
	}

	c.logger.Debug().
		Str("path", path).
		Int("page", n).
		Int("items", len(items)).
		Bool("has_next", next != "").
		Msg("Page fetched")

	return &Page{Number: n, Response: resp, Items: items, Next: next}, nil
}

// parsePage extracts the items and next cursor. A missing or oddly shaped
// pagination member means there is no next page.
func parsePage(body []byte) ([]json.RawMessage, string, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil || envelope == nil {
		return nil, "", fmt.Errorf("%w: body is not a JSON object", ErrMalformedPage)
	}

	var items []json.RawMessage
	if raw, ok := envelope["data"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, "", fmt.Errorf("%w: data is not an array", ErrMalformedPage)
		}
	}

	var pagination struct {
		Next json.RawMessage `json:"next"`
	}
	if err := json.Unmarshal(envelope["pagination"], &pagination); err != nil {
		return items, "", nil
	}
	var next string
	if err := json.Unmarshal(pagination.Next, &next); err != nil {
		return items, "", nil
	}
	return items, next, nil
}

// cursorQuery returns the part of a next cursor after its first '?'.
func cursorQuery(next string) signer.RawQuery {
	_, query, found := strings.Cut(next, "?")
	if !found {
		return ""
	}
	return signer.RawQuery(query)
}
