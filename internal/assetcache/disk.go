package assetcache

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chai2010/webp"

	"chatcore/internal/metrics"
)

const (
	DefaultDiskBudget  = 500 << 20
	DefaultRescanEvery = 5 * time.Minute

	diskTargetRatio = 0.8
	diskQueueSize   = 256
	tmpPrefix       = ".tmp-"
	staleTmpAge     = time.Minute

	extWebP = ".webp"
	extRaw  = ".raw"
)

// diskOp is a queued write. An op with only done set is a barrier.
type diskOp struct {
	key  string
	raw  []byte
	img  image.Image
	done chan struct{}
}

type diskFile struct {
	path  string
	size  int64
	mtime time.Time
	rank  int // .webp files go before .raw files
}

// diskTier stores one file per key: the raw source of animations or a
// lossless WebP of a decoded static image. All writes go through a single
// writer goroutine.
type diskTier struct {
	dir         string
	budget      int64
	rescanEvery time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	total    int64
	lastScan time.Time

	qmu    sync.RWMutex
	closed bool
	queue  chan diskOp
	done   chan struct{}
}

func newDiskTier(dir string, budget int64, rescanEvery time.Duration, logger *slog.Logger) (*diskTier, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	d := &diskTier{
		dir:         dir,
		budget:      budget,
		rescanEvery: rescanEvery,
		logger:      logger,
		now:         time.Now,
		queue:       make(chan diskOp, diskQueueSize),
		done:        make(chan struct{}),
	}
	go d.run()
	return d, nil
}

func (d *diskTier) run() {
	defer close(d.done)
	for op := range d.queue {
		if op.key == "" {
			close(op.done)
			continue
		}
		if err := d.write(op); err != nil {
			d.logger.Warn("disk cache write failed", "key", op.key, "error", err)
			continue
		}
		d.enforce(false)
	}
}

// enqueue hands op to the writer. A full queue drops the write; the asset
// stays in memory and is fetched again after a restart.
func (d *diskTier) enqueue(op diskOp) bool {
	d.qmu.RLock()
	defer d.qmu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- op:
		return true
	default:
		d.logger.Debug("disk write queue full", "key", op.key)
		return false
	}
}

// flush waits until every write queued before it has finished.
func (d *diskTier) flush() {
	done := make(chan struct{})
	d.qmu.RLock()
	if d.closed {
		d.qmu.RUnlock()
		return
	}
	d.queue <- diskOp{done: done}
	d.qmu.RUnlock()
	<-done
}

// close drains pending writes and stops the writer.
func (d *diskTier) close() {
	d.qmu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.qmu.Unlock()
	<-d.done
}

func (d *diskTier) path(key, ext string) string {
	sum := md5.Sum([]byte(key))
	return filepath.Join(d.dir, hex.EncodeToString(sum[:])+ext)
}

func (d *diskTier) write(op diskOp) error {
	data, ext := op.raw, extRaw
	if data == nil {
		var buf bytes.Buffer
		if err := webp.Encode(&buf, op.img, &webp.Options{Lossless: true}); err != nil {
			return fmt.Errorf("encode webp: %w", err)
		}
		data, ext = buf.Bytes(), extWebP
	}

	tmp, err := os.CreateTemp(d.dir, tmpPrefix+"*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	path := d.path(op.key, ext)
	var old int64
	if fi, err := os.Stat(path); err == nil {
		old = fi.Size()
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	d.mu.Lock()
	d.total += int64(len(data)) - old
	metrics.DiskBytes.Set(float64(d.total))
	d.mu.Unlock()
	return nil
}

// read returns the stored bytes for key, preferring the raw source, and
// bumps the file's mtime so recently used files survive eviction.
func (d *diskTier) read(key string) ([]byte, string, error) {
	for _, ext := range []string{extRaw, extWebP} {
		path := d.path(key, ext)
		data, err := os.ReadFile(path)
		if err == nil {
			now := d.now()
			os.Chtimes(path, now, now)
			return data, ext, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
	}
	return nil, "", fs.ErrNotExist
}

func (d *diskTier) has(key string) bool {
	for _, ext := range []string{extRaw, extWebP} {
		if _, err := os.Stat(d.path(key, ext)); err == nil {
			return true
		}
	}
	return false
}

func (d *diskTier) size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// scanLocked lists the cache files, resets the running total and removes
// temp files abandoned by a crash.
func (d *diskTier) scanLocked() ([]diskFile, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	now := d.now()
	var (
		files []diskFile
		total int64
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasPrefix(name, tmpPrefix):
			if now.Sub(info.ModTime()) > staleTmpAge {
				os.Remove(filepath.Join(d.dir, name))
			}
			continue
		case strings.HasSuffix(name, extWebP):
			files = append(files, diskFile{path: filepath.Join(d.dir, name), size: info.Size(), mtime: info.ModTime(), rank: 0})
		case strings.HasSuffix(name, extRaw):
			files = append(files, diskFile{path: filepath.Join(d.dir, name), size: info.Size(), mtime: info.ModTime(), rank: 1})
		default:
			continue
		}
		total += info.Size()
	}
	d.total = total
	d.lastScan = now
	metrics.DiskBytes.Set(float64(total))
	return files, nil
}

// enforce evicts files down to diskTargetRatio of the budget once the total
// exceeds it. The running total is resynced from a full scan on first use,
// every rescanEvery, and whenever eviction runs.
func (d *diskTier) enforce(force bool) (evicted int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if force || d.lastScan.IsZero() || d.now().Sub(d.lastScan) >= d.rescanEvery {
		if _, err := d.scanLocked(); err != nil {
			return 0, err
		}
	}
	if d.budget <= 0 || d.total <= d.budget {
		return 0, nil
	}

	files, err := d.scanLocked()
	if err != nil {
		return 0, err
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].rank != files[j].rank {
			return files[i].rank < files[j].rank
		}
		return files[i].mtime.Before(files[j].mtime)
	})

	target := int64(float64(d.budget) * diskTargetRatio)
	for _, f := range files {
		if d.total <= target {
			break
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("disk cache evict failed", "path", f.path, "error", err)
			continue
		}
		d.total -= f.size
		evicted++
	}
	metrics.DiskBytes.Set(float64(d.total))
	metrics.DiskEvictions.Add(float64(evicted))
	d.logger.Info("disk cache trimmed", "evicted", evicted, "bytes", d.total, "budget", d.budget)
	return evicted, nil
}
