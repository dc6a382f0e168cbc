package assetcache

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestDisk(t *testing.T, budget int64) *diskTier {
	t.Helper()
	d, err := newDiskTier(t.TempDir(), budget, time.Hour, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(d.close)
	return d
}

func TestDiskTier_WriteAndRead(t *testing.T) {
	d := newTestDisk(t, 1<<20)

	d.enqueue(diskOp{key: "emote:7tv:a", raw: []byte("GIF89a-raw")})
	d.enqueue(diskOp{key: "emote:7tv:b", img: solid(4, 4, green)})
	d.flush()

	data, ext, err := d.read("emote:7tv:a")
	if err != nil || ext != extRaw || string(data) != "GIF89a-raw" {
		t.Fatalf("read a = %q %q %v", data, ext, err)
	}
	data, ext, err = d.read("emote:7tv:b")
	if err != nil || ext != extWebP || sniff(data) != formatWebP {
		t.Fatalf("read b = %d bytes %q %v", len(data), ext, err)
	}
	if !d.has("emote:7tv:a") || d.has("missing") {
		t.Error("has mismatch")
	}
	if _, _, err := d.read("missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing err = %v", err)
	}

	entries, _ := os.ReadDir(d.dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tmpPrefix) {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestDiskTier_FileNaming(t *testing.T) {
	d := newTestDisk(t, 1<<20)
	sum := md5.Sum([]byte("emote:twitch:25"))
	want := filepath.Join(d.dir, hex.EncodeToString(sum[:])+extRaw)
	if got := d.path("emote:twitch:25", extRaw); got != want {
		t.Errorf("path = %s, want %s", got, want)
	}
	if d.path("a", extRaw) == d.path("b", extRaw) {
		t.Error("distinct keys share a file")
	}
}

func TestDiskTier_RescanMatchesIncrementalTotal(t *testing.T) {
	d := newTestDisk(t, 1<<20)

	d.enqueue(diskOp{key: "a", raw: bytes.Repeat([]byte{1}, 1000)})
	d.enqueue(diskOp{key: "b", raw: bytes.Repeat([]byte{2}, 2500)})
	d.enqueue(diskOp{key: "c", img: solid(8, 8, red)})
	d.enqueue(diskOp{key: "a", raw: bytes.Repeat([]byte{3}, 400)}) // overwrite
	d.flush()

	incremental := d.size()

	d.mu.Lock()
	files, err := d.scanLocked()
	scanned := d.total
	d.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Errorf("files = %d, want 3", len(files))
	}
	if incremental != scanned {
		t.Errorf("incremental total %d != rescanned %d", incremental, scanned)
	}
}

func TestDiskTier_EnforceEvictsToTarget(t *testing.T) {
	const (
		budget   = 500_000
		fileSize = 50_000
	)
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)

	// 8 raw + 4 webp = 600kB; the webp files are the newest.
	for i := 0; i < 12; i++ {
		ext := extRaw
		if i >= 8 {
			ext = extWebP
		}
		p := filepath.Join(dir, strings.Repeat(string(rune('a'+i)), 32)+ext)
		if err := os.WriteFile(p, make([]byte, fileSize), 0o600); err != nil {
			t.Fatal(err)
		}
		mt := base.Add(time.Duration(i) * time.Minute)
		os.Chtimes(p, mt, mt)
	}

	d, err := newDiskTier(dir, budget, time.Hour, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer d.close()

	evicted, err := d.enforce(false)
	if err != nil {
		t.Fatal(err)
	}
	if d.size() > budget*8/10 {
		t.Errorf("size after enforce = %d, want <= %d", d.size(), budget*8/10)
	}
	if evicted != 4 {
		t.Errorf("evicted = %d, want 4", evicted)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), extWebP) {
			t.Errorf("webp %s survived while raw files were evicted", e.Name())
		}
	}
}

func TestDiskTier_EnforceOldestFirst(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	names := []string{"old", "mid", "new"}
	for i, n := range names {
		p := filepath.Join(dir, n+extRaw)
		os.WriteFile(p, make([]byte, 100), 0o600)
		mt := base.Add(time.Duration(i) * time.Minute)
		os.Chtimes(p, mt, mt)
	}

	d, err := newDiskTier(dir, 250, time.Hour, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer d.close()

	if _, err := d.enforce(true); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "old"+extRaw)); !errors.Is(err, fs.ErrNotExist) {
		t.Error("oldest file kept")
	}
	for _, n := range []string{"mid", "new"} {
		if _, err := os.Stat(filepath.Join(dir, n+extRaw)); err != nil {
			t.Errorf("%s evicted although the target was already reached", n)
		}
	}
}

func TestDiskTier_CloseRejectsWrites(t *testing.T) {
	d, err := newDiskTier(t.TempDir(), 1<<20, time.Hour, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	d.enqueue(diskOp{key: "a", raw: []byte("x")})
	d.close()
	if !d.has("a") {
		t.Error("queued write lost on close")
	}
	if d.enqueue(diskOp{key: "b", raw: []byte("y")}) {
		t.Error("enqueue after close accepted")
	}
	d.flush() // must not block
}
