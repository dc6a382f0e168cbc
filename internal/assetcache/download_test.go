package assetcache

import (
	"container/heap"
	"context"
	"net/http"
	"sync"
	"testing"
	"time"
)

func TestTaskQueue_PriorityThenFIFO(t *testing.T) {
	var q taskQueue
	for i, p := range []Priority{PriorityLow, PriorityHigh, PriorityLow, PriorityHigh} {
		heap.Push(&q, &DownloadTask{Key: string(rune('a' + i)), Priority: p, seq: uint64(i)})
	}
	var order string
	for q.Len() > 0 {
		order += heap.Pop(&q).(*DownloadTask).Key
	}
	if order != "bdac" {
		t.Errorf("order = %s, want bdac", order)
	}
}

func TestDownloader_WorkersTakeHighPriorityFirst(t *testing.T) {
	srv := newAssetServer(t)
	srv.serve("/x", []byte("ok"))

	var (
		mu    sync.Mutex
		order []string
		done  = make(chan struct{}, 8)
	)
	d := newDownloader(http.DefaultClient, 1, DefaultPerHost, 1, time.Millisecond, testLogger(), func(task *DownloadTask, data []byte, err error) {
		mu.Lock()
		order = append(order, task.Key)
		mu.Unlock()
		done <- struct{}{}
	})
	d.push(&DownloadTask{Key: "low1", URL: srv.URL + "/x", Priority: PriorityLow})
	d.push(&DownloadTask{Key: "high1", URL: srv.URL + "/x", Priority: PriorityHigh})
	d.push(&DownloadTask{Key: "low2", URL: srv.URL + "/x", Priority: PriorityLow})
	d.push(&DownloadTask{Key: "high2", URL: srv.URL + "/x", Priority: PriorityHigh})

	ctx, cancel := context.WithCancel(context.Background())
	d.start(ctx, 1)
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("downloads did not finish")
		}
	}
	cancel()
	d.wait()

	want := []string{"high1", "high2", "low1", "low2"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCache_RetriesServerErrors(t *testing.T) {
	srv := newAssetServer(t)
	data := pngBytes(t, 28, 28, red)
	var (
		mu    sync.Mutex
		calls int
	)
	srv.handle("/flaky.png", func(w http.ResponseWriter) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(data)
	})
	c := newTestCache(t, Config{})

	c.Request("flaky", srv.URL+"/flaky.png", PriorityHigh, "", false)
	waitReady(t, c, "flaky")
	if n := srv.count("/flaky.png"); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestCache_NotFoundIsPermanentThenFallback(t *testing.T) {
	srv := newAssetServer(t)
	srv.serve("/static.png", pngBytes(t, 28, 28, blue))
	c := newTestCache(t, Config{})

	c.Request("e", srv.URL+"/gone.webp", PriorityHigh, srv.URL+"/static.png", true)
	waitReady(t, c, "e")

	if n := srv.count("/gone.webp"); n != 1 {
		t.Errorf("primary attempts = %d, want 1 for a 404", n)
	}
	if n := srv.count("/static.png"); n != 1 {
		t.Errorf("fallback attempts = %d, want 1", n)
	}
}

func TestCache_FailureStartsCooldown(t *testing.T) {
	srv := newAssetServer(t)
	srv.handle("/down.png", func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) })
	c := newTestCache(t, Config{MaxAttempts: 3, Cooldown: time.Minute})

	now := time.Now()
	var mu sync.Mutex
	c.mu.Lock()
	c.now = func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	c.mu.Unlock()

	c.Request("down", srv.URL+"/down.png", PriorityHigh, "", false)
	eventually(t, "blocked", func() bool { return c.Blocked("down") })

	if n := srv.count("/down.png"); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	c.Request("down", srv.URL+"/down.png", PriorityHigh, "", false)
	if _, st := c.Get("down"); st != Absent {
		t.Errorf("status while cooling down = %v", st)
	}
	if st := c.Stats(); st.Blocked != 1 || st.Pending != 0 {
		t.Errorf("stats = %+v", st)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	c.Request("down", srv.URL+"/down.png", PriorityHigh, "", false)
	eventually(t, "second round", func() bool { return srv.count("/down.png") == 6 })
}

func TestCache_UndecodableBytesAreBlocked(t *testing.T) {
	srv := newAssetServer(t)
	srv.serve("/junk", []byte("definitely not an image"))
	c := newTestCache(t, Config{})

	c.Request("junk", srv.URL+"/junk", PriorityHigh, "", false)
	eventually(t, "decode failure", func() bool { return c.Blocked("junk") })

	c.Request("junk", srv.URL+"/junk", PriorityHigh, "", false)
	time.Sleep(20 * time.Millisecond)
	if n := srv.count("/junk"); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}
