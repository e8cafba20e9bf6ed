package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sf19-97/SPtraderB-sub003/internal/config"
	"github.com/sf19-97/SPtraderB-sub003/internal/logger"
	"github.com/sf19-97/SPtraderB-sub003/internal/model"
	"go.uber.org/ratelimit"
	"resty.dev/v3"
)

var (
	// ErrNotYetAvailable means the upstream has not published the hour
	// file yet. It is not a gap and not an error to retry immediately.
	ErrNotYetAvailable = errors.New("tick data not yet available upstream")
	// ErrMalformedChunk means the hour file was published but does not
	// decode. The chunk is retried with backoff and reported unresolved
	// if it never parses.
	ErrMalformedChunk = errors.New("malformed tick chunk")
)

// Client pulls hour-granularity tick files from the upstream feed.
type Client struct {
	c           *resty.Client
	rateLimiter ratelimit.Limiter

	logger logger.Logger
}

func NewClient(cfg config.FeedConfig, logger logger.Logger) *Client {
	client := resty.New().
		SetLogger(logger).
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout())

	return &Client{
		c:           client,
		rateLimiter: ratelimit.New(cfg.RequestsPerMinute, ratelimit.Per(time.Minute)),
		logger:      logger,
	}
}

// hourPath builds the upstream path for one hour file. The upstream
// numbers months from zero.
func hourPath(symbol string, hour time.Time) string {
	hour = hour.UTC()
	return fmt.Sprintf("/%s/%04d/%02d/%02d/%02dh_ticks.bi5",
		strings.ToUpper(symbol), hour.Year(), int(hour.Month())-1, hour.Day(), hour.Hour())
}

// FetchHour downloads and decodes the tick file covering [hour, hour+1h).
// A 404 maps to ErrNotYetAvailable; an empty decoded body is a confirmed
// zero-activity hour and returns an empty slice.
func (c *Client) FetchHour(ctx context.Context, symbol string, hour time.Time) ([]model.Tick, error) {
	c.rateLimiter.Take()

	hour = hour.UTC().Truncate(time.Hour)
	resp, err := c.c.R().SetContext(ctx).Get(hourPath(symbol, hour))
	if err != nil {
		return nil, fmt.Errorf("%w: can't fetch hour file", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrNotYetAvailable
	}
	if resp.IsError() {
		return nil, fmt.Errorf("hour file request failed: %s", resp.Status())
	}

	ticks, err := DecodeHour(resp.Bytes(), symbol, hour)
	if err != nil {
		return nil, err
	}

	c.logger.Debugf("fetched %d ticks for %s %s", len(ticks), symbol, hour.Format(time.RFC3339))
	return ticks, nil
}

// _probeOffsets is the order of hours-back probed when locating the most
// recent published hour. Upstream typically lags one to two hours.
var _probeOffsets = []int{1, 2, 0, 3, 4, 5, 6, 12, 24}

// LatestAvailableHour finds the most recent hour the upstream has
// published for symbol, or ErrNotYetAvailable if none of the probed
// hours exist.
func (c *Client) LatestAvailableHour(ctx context.Context, symbol string) (time.Time, error) {
	currentHour := time.Now().UTC().Truncate(time.Hour)

	for _, back := range _probeOffsets {
		probe := currentHour.Add(-time.Duration(back) * time.Hour)

		c.rateLimiter.Take()
		resp, err := c.c.R().SetContext(ctx).Head(hourPath(symbol, probe))
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: can't probe hour file", err)
		}
		resp.Body.Close()

		if resp.StatusCode() == http.StatusOK {
			return probe, nil
		}
		if resp.StatusCode() != http.StatusNotFound {
			c.logger.Warnf("unexpected status %s probing %s %s", resp.Status(), symbol, probe.Format(time.RFC3339))
		}
	}

	return time.Time{}, ErrNotYetAvailable
}
