package node

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// TimeSync keeps an offset between the local clock and a reference server,
// read from the HTTP Date header.
type TimeSync struct {
	url    string
	client *http.Client
	now    func() time.Time
	offset atomic.Int64
	logger *zap.Logger
}

// NewTimeSync creates a TimeSync. An empty url disables syncing.
func NewTimeSync(url string, logger *zap.Logger) *TimeSync {
	return &TimeSync{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		now:    time.Now,
		logger: logger,
	}
}

// Now is the local clock corrected by the last measured offset.
func (t *TimeSync) Now() time.Time {
	return t.now().Add(t.Offset())
}

// Offset returns the last measured correction.
func (t *TimeSync) Offset() time.Duration {
	return time.Duration(t.offset.Load())
}

// Sync measures the offset. Failures keep the previous offset.
func (t *TimeSync) Sync(ctx context.Context) error {
	if t.url == "" {
		return nil
	}
	err := retry.Do(func() error {
		return t.measure(ctx)
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		t.logger.Warn("Time sync failed", zap.String("url", t.url), zap.Error(err))
		return err
	}
	t.logger.Info("Clock synced", zap.Duration("offset", t.Offset()))
	return nil
}

func (t *TimeSync) measure(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.url, nil)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	sent := t.now()
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	received := t.now()

	date := resp.Header.Get("Date")
	if date == "" {
		return fmt.Errorf("no Date header from %s", t.url)
	}
	server, err := http.ParseTime(date)
	if err != nil {
		return fmt.Errorf("parse Date %q: %w", date, err)
	}
	// Date has one-second resolution; assume the server stamped the midpoint.
	local := sent.Add(received.Sub(sent) / 2)
	t.offset.Store(int64(server.Sub(local)))
	return nil
}
