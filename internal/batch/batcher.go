package batch

import (
	"container/heap"
	"context"
	stderr "errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/perflayer/perflayer/internal/circuit"
	"github.com/perflayer/perflayer/internal/metrics"
	"github.com/perflayer/perflayer/pkg/errors"
	"github.com/perflayer/perflayer/pkg/types"
)

// Config represents request batcher configuration
type Config struct {
	// QueueLimit bounds the pending queue. Submissions past it fail with
	// QUEUE_FULL instead of growing memory without bound.
	QueueLimit int `yaml:"queue_limit"`

	// FetchTimeout bounds a single fetch execution.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// Breaker tunes the circuit breaker guarding the fetch primitive.
	// Disabled means every dispatch goes straight to the fetcher.
	BreakerEnabled   bool          `yaml:"breaker_enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// Result is a resolved request outcome
type Result struct {
	Data []byte
	Err  error
}

// Future is the caller's handle on a submitted request. Each future resolves
// exactly once; one request's failure never affects its batch siblings.
type Future struct {
	done chan struct{}
	res  Result

	// pending is cleared when the request is dequeued for execution.
	// Cancellation only applies while it is still set.
	pending atomic.Bool
}

func newFuture() *Future {
	f := &Future{done: make(chan struct{})}
	f.pending.Store(true)
	return f
}

// Wait blocks until the request resolves or ctx is done
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.res.Data, f.res.Err
	case <-ctx.Done():
		return nil, errors.Canceled("wait abandoned").WithCause(ctx.Err())
	}
}

// Done returns a channel closed when the request resolves
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome after Done is closed
func (f *Future) Result() Result {
	return f.res
}

func (f *Future) resolve(data []byte, err error) {
	f.res = Result{Data: data, Err: err}
	close(f.done)
}

// request is a queued fetch with its ordering keys
type request struct {
	endpoint string
	params   map[string]string
	priority types.Priority
	seq      uint64
	future   *Future

	// index is maintained by the heap; -1 once removed.
	index int

	canceled bool
}

// requestQueue is a max-heap on priority with FIFO tie-breaking by sequence
type requestQueue []*request

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x any) {
	r := x.(*request)
	r.index = len(*q)
	*q = append(*q, r)
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*q = old[:n-1]
	return r
}

// Batcher coalesces logical fetches into debounced, concurrency-bounded
// dispatch windows. Submissions accumulate in a priority queue; a debounce
// timer armed on the first pending submission fires a batch of the
// highest-priority requests, and rearms while the queue is non-empty.
type Batcher struct {
	config  Config
	fetcher types.Fetcher
	breaker *circuit.Breaker
	metrics *metrics.Collector
	logger  *zap.Logger

	// level is the active optimization profile, swapped wholesale.
	level atomic.Pointer[types.OptimizationLevel]

	mu      sync.Mutex
	queue   requestQueue
	nextSeq uint64
	timer   *time.Timer
	started bool
	stopped bool

	inflight sync.WaitGroup
}

// New creates a request batcher over the given fetch primitive
func New(config Config, fetcher types.Fetcher, level types.OptimizationLevel, collector *metrics.Collector, logger *zap.Logger) *Batcher {
	if config.QueueLimit <= 0 {
		config.QueueLimit = 1000
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Batcher{
		config:  config,
		fetcher: fetcher,
		metrics: collector,
		logger:  logger.Named("batcher"),
	}
	b.level.Store(&level)

	if config.BreakerEnabled {
		b.breaker = circuit.New(circuit.Config{
			FailureThreshold: config.FailureThreshold,
			Timeout:          config.BreakerTimeout,
		}, logger)
	}

	return b
}

// Start marks the batcher ready to accept submissions
func (b *Batcher) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return errors.New(errors.ErrCodeAlreadyStarted, "batcher already started").
			WithComponent("batcher")
	}
	b.started = true
	b.stopped = false
	return nil
}

// Stop drains the batcher: pending requests resolve with CANCELED, requests
// already executing run to completion.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.started = false
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	pending := make([]*request, len(b.queue))
	copy(pending, b.queue)
	b.queue = b.queue[:0]
	b.mu.Unlock()

	for _, r := range pending {
		if !r.canceled {
			r.future.pending.Store(false)
			r.future.resolve(nil, errors.Canceled("batcher stopped").
				WithComponent("batcher").
				WithContext("endpoint", r.endpoint))
		}
	}

	b.inflight.Wait()
	b.reportQueueDepth(0)
}

// Submit enqueues a fetch and returns its future. Requests dispatch in
// priority order, FIFO within a priority.
func (b *Batcher) Submit(endpoint string, params map[string]string, priority types.Priority) (*Future, error) {
	b.mu.Lock()

	if !b.started {
		b.mu.Unlock()
		return nil, errors.New(errors.ErrCodeNotStarted, "batcher not started").
			WithComponent("batcher")
	}
	if len(b.queue) >= b.config.QueueLimit {
		b.mu.Unlock()
		return nil, errors.New(errors.ErrCodeQueueFull, "pending queue at capacity").
			WithComponent("batcher").
			WithContext("endpoint", endpoint)
	}

	b.nextSeq++
	r := &request{
		endpoint: endpoint,
		params:   params,
		priority: priority,
		seq:      b.nextSeq,
		future:   newFuture(),
	}
	heap.Push(&b.queue, r)
	depth := len(b.queue)

	// Arm the debounce timer on the first pending submission only; later
	// submissions ride the already-armed window.
	if b.timer == nil {
		delay := b.level.Load().BatchingDelay
		b.timer = time.AfterFunc(delay, b.dispatch)
	}
	b.mu.Unlock()

	b.reportQueueDepth(depth)
	return r.future, nil
}

// Cancel resolves a still-pending future with CANCELED and removes it from
// the queue. A request already dequeued for execution is not interrupted and
// Cancel reports false.
func (b *Batcher) Cancel(f *Future) bool {
	if f == nil || !f.pending.Load() {
		return false
	}

	b.mu.Lock()
	var target *request
	for _, r := range b.queue {
		if r.future == f {
			target = r
			break
		}
	}
	if target == nil || target.canceled {
		b.mu.Unlock()
		return false
	}
	target.canceled = true
	heap.Remove(&b.queue, target.index)
	depth := len(b.queue)
	b.mu.Unlock()

	f.pending.Store(false)
	f.resolve(nil, errors.Canceled("request canceled before dispatch").
		WithComponent("batcher").
		WithContext("endpoint", target.endpoint))
	b.reportQueueDepth(depth)
	return true
}

// Reconfigure swaps the active optimization profile atomically. An already
// armed debounce window is rearmed with the new delay so a shrinking delay
// takes effect immediately.
func (b *Batcher) Reconfigure(level types.OptimizationLevel) {
	b.level.Store(&level)

	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = time.AfterFunc(level.BatchingDelay, b.dispatch)
	}
	b.mu.Unlock()

	b.logger.Info("batcher reconfigured",
		zap.String("mode", string(level.Mode)),
		zap.Int("max_concurrent", level.MaxConcurrentRequests),
		zap.Duration("batching_delay", level.BatchingDelay))
}

// QueueDepth returns the number of pending requests
func (b *Batcher) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// dispatch fires when the debounce window elapses: it dequeues up to the
// profile's concurrency bound of highest-priority requests and executes them
// concurrently, then rearms while requests remain pending.
func (b *Batcher) dispatch() {
	level := b.level.Load()

	b.mu.Lock()
	b.timer = nil
	if b.stopped {
		b.mu.Unlock()
		return
	}

	n := level.MaxConcurrentRequests
	if n > len(b.queue) {
		n = len(b.queue)
	}
	batch := make([]*request, 0, n)
	for i := 0; i < n; i++ {
		r := heap.Pop(&b.queue).(*request)
		r.future.pending.Store(false)
		batch = append(batch, r)
	}

	if len(b.queue) > 0 {
		b.timer = time.AfterFunc(level.BatchingDelay, b.dispatch)
	}
	depth := len(b.queue)
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	b.reportQueueDepth(depth)
	if b.metrics != nil {
		b.metrics.RecordBatchDispatch(len(batch))
	}
	b.logger.Debug("dispatching batch",
		zap.Int("size", len(batch)),
		zap.Int("remaining", depth))

	for _, r := range batch {
		b.inflight.Add(1)
		go func(r *request) {
			defer b.inflight.Done()
			b.execute(r)
		}(r)
	}
}

// execute runs one request through the breaker and resolves its future
func (b *Batcher) execute(r *request) {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.FetchTimeout)
	defer cancel()

	start := time.Now()
	var data []byte
	fetch := func(ctx context.Context) error {
		var err error
		data, err = b.fetcher.Fetch(ctx, r.endpoint, r.params)
		return err
	}

	var err error
	if b.breaker != nil {
		err = b.breaker.Execute(ctx, fetch)
	} else {
		err = fetch(ctx)
	}
	err = b.classify(err)

	if b.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = string(errors.CodeOf(err))
			if outcome == "" {
				outcome = "error"
			}
		}
		b.metrics.RecordRequest(outcome, time.Since(start))
		b.metrics.RecordBytesSent(requestSizeEstimate(r.endpoint, r.params))
		if err == nil {
			b.metrics.RecordBytesReceived(len(data))
		}
	}

	if err != nil {
		b.logger.Debug("request failed",
			zap.String("endpoint", r.endpoint),
			zap.Error(err))
	}
	r.future.resolve(data, err)
}

// classify maps transport-level failures onto the layer's error taxonomy.
// Errors already structured pass through untouched.
func (b *Batcher) classify(err error) error {
	if err == nil {
		return nil
	}

	var layerErr *errors.LayerError
	if stderr.As(err, &layerErr) {
		return err
	}
	if stderr.Is(err, circuit.ErrOpen) {
		return errors.ServerError(503, "upstream unavailable, circuit open").
			WithComponent("batcher").
			WithCause(err)
	}
	if stderr.Is(err, context.DeadlineExceeded) {
		return errors.Timeout("fetch exceeded deadline").
			WithComponent("batcher").
			WithCause(err)
	}
	return errors.New(errors.ErrCodeServerError, err.Error()).
		WithComponent("batcher").
		WithCause(err)
}

// requestSizeEstimate approximates the bytes a request puts on the wire.
// The fetch primitive is opaque, so only the endpoint and parameters count.
func requestSizeEstimate(endpoint string, params map[string]string) int {
	n := len(endpoint)
	for k, v := range params {
		n += len(k) + len(v)
	}
	return n
}

func (b *Batcher) reportQueueDepth(depth int) {
	if b.metrics != nil {
		b.metrics.SetQueueDepth(depth)
	}
}
