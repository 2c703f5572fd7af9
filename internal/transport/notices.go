package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/driftline/spotwatch/internal/clock"
	"github.com/driftline/spotwatch/internal/models"
)

// NoticeHandler consumes one interruption signal.
type NoticeHandler func(ctx context.Context, sig models.InterruptionSignal)

// NoticeFeed delivers provider interruption notices until ctx is cancelled.
type NoticeFeed interface {
	Run(ctx context.Context, handle NoticeHandler) error
}

// HTTPNoticeFeed polls a JSON endpoint for notices newer than its cursor.
type HTTPNoticeFeed struct {
	endpoint   string
	interval   time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	httpClient *http.Client

	cursor string
}

type noticePage struct {
	Notices []models.InterruptionSignal `json:"notices"`
	Cursor  string                      `json:"cursor"`
}

// NewHTTPNoticeFeed constructs a poller for endpoint.
func NewHTTPNoticeFeed(endpoint string, interval, timeout time.Duration, clk clock.Clock, logger *slog.Logger) *HTTPNoticeFeed {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPNoticeFeed{
		endpoint:   endpoint,
		interval:   interval,
		clock:      clk,
		logger:     logger,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Run polls on every tick. Poll failures are logged and retried next tick.
func (f *HTTPNoticeFeed) Run(ctx context.Context, handle NoticeHandler) error {
	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := f.Poll(ctx, handle); err != nil && ctx.Err() == nil {
				f.logger.Warn("interruption notice poll failed", slog.String("endpoint", f.endpoint), slog.Any("error", err))
			}
		}
	}
}

// Poll fetches one page and hands every notice to handle.
func (f *HTTPNoticeFeed) Poll(ctx context.Context, handle NoticeHandler) (int, error) {
	u, err := url.Parse(f.endpoint)
	if err != nil {
		return 0, fmt.Errorf("notice feed url: %w", err)
	}
	if f.cursor != "" {
		q := u.Query()
		q.Set("cursor", f.cursor)
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	var page noticePage
	if err := doJSON(f.httpClient, req, &page); err != nil {
		return 0, err
	}
	for _, sig := range page.Notices {
		if sig.ReceivedAt.IsZero() {
			sig.ReceivedAt = f.clock.Now()
		}
		handle(ctx, sig)
	}
	if page.Cursor != "" {
		f.cursor = page.Cursor
	}
	return len(page.Notices), nil
}

// ChannelFeed is an in-process NoticeFeed; Publish never blocks past ctx.
type ChannelFeed struct {
	ch   chan models.InterruptionSignal
	once sync.Once
}

// NewChannelFeed creates a feed with the given buffer.
func NewChannelFeed(buffer int) *ChannelFeed {
	return &ChannelFeed{ch: make(chan models.InterruptionSignal, buffer)}
}

// Publish enqueues sig.
func (f *ChannelFeed) Publish(ctx context.Context, sig models.InterruptionSignal) error {
	select {
	case f.ch <- sig:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends Run once the buffer is drained.
func (f *ChannelFeed) Close() {
	f.once.Do(func() { close(f.ch) })
}

// Run delivers published signals until ctx is cancelled or the feed is closed.
func (f *ChannelFeed) Run(ctx context.Context, handle NoticeHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-f.ch:
			if !ok {
				return nil
			}
			handle(ctx, sig)
		}
	}
}
