package assetcache

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"chatcore/internal/metrics"
)

const (
	DefaultWorkers     = 10
	DefaultMaxAttempts = 3
	DefaultCooldown    = 5 * time.Minute
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultPerHost     = 6

	maxAssetSize = 16 << 20
)

// statusError is a non-200 response.
type statusError struct {
	URL  string
	Code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.Code)
}

// permanent reports whether retrying the same URL cannot help.
func (e *statusError) permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests
}

// taskQueue orders tasks by priority, then by arrival.
type taskQueue []*DownloadTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*DownloadTask)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// hostLimiter caps in-flight requests per host. Retry sleeps do not hold
// a slot.
type hostLimiter struct {
	limit int64

	mu    sync.Mutex
	hosts map[string]*semaphore.Weighted
}

func newHostLimiter(limit int) *hostLimiter {
	return &hostLimiter{limit: int64(max(1, limit)), hosts: make(map[string]*semaphore.Weighted)}
}

func (h *hostLimiter) acquire(ctx context.Context, rawURL string) (release func(), err error) {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	h.mu.Lock()
	sem := h.hosts[host]
	if sem == nil {
		sem = semaphore.NewWeighted(h.limit)
		h.hosts[host] = sem
	}
	h.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

// downloader is a fixed pool of workers draining a priority queue. Every
// finished task, successful or not, is reported through onDone exactly once.
type downloader struct {
	client      *http.Client
	maxAttempts uint
	retryDelay  time.Duration
	hosts       *hostLimiter
	logger      *slog.Logger
	onDone      func(t *DownloadTask, data []byte, err error)

	mu    sync.Mutex
	queue taskQueue
	seq   uint64
	wake  chan struct{}

	inflight atomic.Int32
	wg       sync.WaitGroup
}

func newDownloader(client *http.Client, workers, perHost, maxAttempts int, retryDelay time.Duration, logger *slog.Logger, onDone func(*DownloadTask, []byte, error)) *downloader {
	return &downloader{
		client:      client,
		maxAttempts: uint(maxAttempts),
		retryDelay:  retryDelay,
		hosts:       newHostLimiter(perHost),
		logger:      logger,
		onDone:      onDone,
		wake:        make(chan struct{}, workers),
	}
}

func (d *downloader) start(ctx context.Context, workers int) {
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

func (d *downloader) push(t *DownloadTask) {
	d.mu.Lock()
	d.seq++
	t.seq = d.seq
	heap.Push(&d.queue, t)
	n := d.queue.Len()
	d.mu.Unlock()

	metrics.DownloadsQueued.Set(float64(n))
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *downloader) pop() *DownloadTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue.Len() == 0 {
		return nil
	}
	t := heap.Pop(&d.queue).(*DownloadTask)
	metrics.DownloadsQueued.Set(float64(d.queue.Len()))
	return t
}

// remove drops the queued task for key, if any. A task a worker already
// took is not affected.
func (d *downloader) remove(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.queue {
		if t.Key == key {
			heap.Remove(&d.queue, t.index)
			metrics.DownloadsQueued.Set(float64(d.queue.Len()))
			return true
		}
	}
	return false
}

// drain empties the queue and returns what was still waiting.
func (d *downloader) drain() []*DownloadTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*DownloadTask, 0, d.queue.Len())
	for d.queue.Len() > 0 {
		out = append(out, heap.Pop(&d.queue).(*DownloadTask))
	}
	metrics.DownloadsQueued.Set(0)
	return out
}

func (d *downloader) queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

func (d *downloader) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		t := d.pop()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}
		d.run(ctx, id, t)
		if ctx.Err() != nil {
			return
		}
	}
}

// run processes one task. A panic is logged and reported as a failure so
// the worker keeps serving the queue.
func (d *downloader) run(ctx context.Context, id int, t *DownloadTask) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("download worker panic", "worker", id, "key", t.Key, "panic", r)
			d.onDone(t, nil, fmt.Errorf("download %s: panic: %v", t.Key, r))
		}
	}()

	metrics.DownloadsInflight.Set(float64(d.inflight.Add(1)))
	defer func() { metrics.DownloadsInflight.Set(float64(d.inflight.Add(-1))) }()

	start := time.Now()
	data, err := d.fetchWithRetry(ctx, t, t.URL)
	result := "ok"
	if err != nil && t.FallbackURL != "" && ctx.Err() == nil {
		d.logger.Debug("asset download failed, trying fallback", "key", t.Key, "error", err)
		t.Attempts++
		data, err = d.fetch(ctx, t.FallbackURL)
		result = "fallback"
	}
	if err != nil {
		result = "failed"
	}
	metrics.ObserveSince(metrics.DownloadDuration, start)
	metrics.DownloadsTotal.WithLabelValues(result).Inc()

	d.onDone(t, data, err)
}

func (d *downloader) fetchWithRetry(ctx context.Context, t *DownloadTask, url string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryDelay
	b.MaxInterval = 8 * d.retryDelay
	b.Reset()

	return backoff.Retry(ctx, func() ([]byte, error) {
		t.Attempts++
		data, err := d.fetch(ctx, url)
		var se *statusError
		if errors.As(err, &se) && se.permanent() {
			return nil, backoff.Permanent(err)
		}
		return data, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(d.maxAttempts))
}

func (d *downloader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	release, err := d.hosts.acquire(ctx, url)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &statusError{URL: url, Code: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetSize))
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	return data, nil
}

func (d *downloader) wait() { d.wg.Wait() }
