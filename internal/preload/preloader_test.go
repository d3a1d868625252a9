package preload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/perflayer/perflayer/internal/batch"
	"github.com/perflayer/perflayer/pkg/types"
)

type stubFetcher struct {
	mu    sync.Mutex
	calls []string
}

func (f *stubFetcher) Fetch(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, endpoint)
	f.mu.Unlock()
	return []byte("data:" + endpoint), nil
}

func (f *stubFetcher) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type captureSink struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newCaptureSink() *captureSink {
	return &captureSink{data: make(map[string][]byte)}
}

func (s *captureSink) sink(dest string, data []byte) {
	s.mu.Lock()
	s.data[dest] = data
	s.mu.Unlock()
}

func (s *captureSink) got(dest string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[dest]
	return d, ok
}

func testConfig() Config {
	return Config{HistorySize: 50, TopEntities: 10, RatePerSecond: 1000, Burst: 1000}
}

func newTestBatcher(t *testing.T, fetcher types.Fetcher, delay time.Duration) *batch.Batcher {
	t.Helper()
	level := types.OptimizationLevel{
		Mode:                  types.ModeBalanced,
		MaxConcurrentRequests: 4,
		BatchingDelay:         delay,
		DefaultTTL:            5 * time.Minute,
		StaleWindow:           150 * time.Second,
	}
	b := batch.New(batch.Config{QueueLimit: 100, FetchTimeout: time.Second}, fetcher, level, nil, nil)
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Stop)
	return b
}

func TestPredictNextDestination(t *testing.T) {
	tests := []struct {
		name    string
		history []string
		want    string
	}{
		{"no history", nil, ""},
		{"single entry", []string{"home"}, ""},
		{"no precedent for current", []string{"home", "feed"}, ""},
		{"single successor", []string{"home", "feed", "home"}, "feed"},
		{"most frequent successor wins", []string{
			"home", "feed", "home", "feed", "home", "profile", "home",
		}, "feed"},
		{"tie broken by recency", []string{
			"home", "feed", "home", "profile", "home",
		}, "profile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &stubFetcher{}
			b := newTestBatcher(t, fetcher, time.Hour)
			p := New(Config{HistorySize: 50, TopEntities: 10, RatePerSecond: 0.0001, Burst: 1}, b, nil, nil, nil, nil)
			defer p.Close()

			p.mu.Lock()
			p.history = append(p.history, tt.history...)
			p.mu.Unlock()

			if got := p.PredictNextDestination(); got != tt.want {
				t.Errorf("predicted %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHistoryBounded(t *testing.T) {
	fetcher := &stubFetcher{}
	b := newTestBatcher(t, fetcher, time.Hour)
	p := New(Config{HistorySize: 5, TopEntities: 10, RatePerSecond: 0.0001, Burst: 1}, b, nil, nil, nil, nil)
	defer p.Close()

	for i := 0; i < 20; i++ {
		p.OnNavigate("screen")
	}

	p.mu.Lock()
	n := len(p.history)
	p.mu.Unlock()
	if n != 5 {
		t.Errorf("expected history truncated to 5, got %d", n)
	}
}

func TestNavigatePreloadsPrediction(t *testing.T) {
	fetcher := &stubFetcher{}
	b := newTestBatcher(t, fetcher, 5*time.Millisecond)
	sink := newCaptureSink()
	p := New(testConfig(), b, sink.sink, nil, nil, nil)

	// Teach the pattern home -> feed, then navigate to home again.
	p.OnNavigate("home")
	p.OnNavigate("feed")
	p.OnNavigate("home")

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := sink.got("feed"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("predicted destination was never preloaded")
		case <-time.After(5 * time.Millisecond):
		}
	}

	data, _ := sink.got("feed")
	if string(data) != "data:feed" {
		t.Errorf("unexpected preloaded payload %q", data)
	}
}

func TestTopEntitiesRanking(t *testing.T) {
	fetcher := &stubFetcher{}
	b := newTestBatcher(t, fetcher, time.Hour)
	p := New(Config{HistorySize: 50, TopEntities: 2, RatePerSecond: 0.0001, Burst: 1}, b, nil, nil, nil, nil)
	defer p.Close()

	for i := 0; i < 5; i++ {
		p.RecordAccess("popular")
	}
	for i := 0; i < 3; i++ {
		p.RecordAccess("middling")
	}
	p.RecordAccess("rare")

	top := p.TopEntities()
	if len(top) != 2 || top[0] != "popular" || top[1] != "middling" {
		t.Errorf("unexpected ranking %v", top)
	}
}

func TestCancelAllPendingOnly(t *testing.T) {
	fetcher := &stubFetcher{}
	// Hour-long debounce keeps preloads queued and cancellable.
	b := newTestBatcher(t, fetcher, time.Hour)
	sink := newCaptureSink()
	p := New(testConfig(), b, sink.sink, nil, nil, nil)

	p.RecordAccess("a")
	p.RecordAccess("b")
	p.PreloadTopEntities()

	if canceled := p.CancelAll(); canceled != 2 {
		t.Fatalf("expected 2 cancelled preloads, got %d", canceled)
	}

	p.Close()
	if len(fetcher.seen()) != 0 {
		t.Error("cancelled preloads must never reach the fetcher")
	}
	if _, ok := sink.got("a"); ok {
		t.Error("cancelled preload must not write into the sink")
	}
}

func TestCancelByDestination(t *testing.T) {
	fetcher := &stubFetcher{}
	b := newTestBatcher(t, fetcher, time.Hour)
	p := New(testConfig(), b, nil, nil, nil, nil)

	p.RecordAccess("a")
	p.PreloadTopEntities()

	if !p.Cancel("a") {
		t.Error("expected pending preload to cancel")
	}
	if p.Cancel("absent") {
		t.Error("cancelling an unknown destination should report false")
	}
	p.Close()
}

func TestCompactTruncatesTracking(t *testing.T) {
	fetcher := &stubFetcher{}
	b := newTestBatcher(t, fetcher, time.Hour)
	p := New(Config{HistorySize: 50, TopEntities: 3, RatePerSecond: 0.0001, Burst: 1}, b, nil, nil, nil, nil)
	defer p.Close()

	for i := 0; i < 30; i++ {
		p.OnNavigate("screen")
	}
	p.RecordAccess("a")
	p.RecordAccess("b")
	p.RecordAccess("c")
	p.RecordAccess("d")

	p.Compact()

	p.mu.Lock()
	historyLen, countsLen := len(p.history), len(p.counts)
	p.mu.Unlock()

	if historyLen > 3 {
		t.Errorf("expected history compacted to 3, got %d", historyLen)
	}
	if countsLen > 3 {
		t.Errorf("expected counts compacted to 3, got %d", countsLen)
	}
}

func TestPreloadDeduped(t *testing.T) {
	fetcher := &stubFetcher{}
	b := newTestBatcher(t, fetcher, time.Hour)
	p := New(testConfig(), b, nil, nil, nil, nil)
	defer p.CancelAll()

	p.RecordAccess("a")
	p.PreloadTopEntities()
	p.PreloadTopEntities()

	if n := p.PendingCount(); n != 1 {
		t.Errorf("expected a single deduped pending preload, got %d", n)
	}
}
