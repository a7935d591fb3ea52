package scheduler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/litecask-go/litecask/internal/keydir"
	"github.com/litecask-go/litecask/internal/metrics"
	"github.com/litecask-go/litecask/internal/tagindex"
	"github.com/litecask-go/litecask/internal/valuecache"
)

// UpkeepDeps bundles the shared state an upkeep tick touches.
type UpkeepDeps struct {
	KeyDir *keydir.KeyDir
	Cache  *valuecache.Cache
	Tags   *tagindex.TagIndex

	Counters      *metrics.DatastoreCounters
	CacheCounters *metrics.ValueCacheCounters

	KeyDirBatchSize     int
	ValueCacheBatchSize int

	// PostTick, if set, runs after every tick's bounded maintenance work
	// (log rotation lives here in the façade, which owns log file paths).
	PostTick func()
}

// RunUpkeepTick advances KeyDir resize migration, rebalances and preventively
// trims the value cache, and cleans tombstoned entries out of the tag index,
// each bounded to its configured batch size so a single tick never blocks
// ingest for long, per spec.md §4.H's upkeep-thread description.
func RunUpkeepTick(d *UpkeepDeps) {
	d.KeyDir.AdvanceResize(d.KeyDirBatchSize)

	d.Cache.MaintainBatch(d.ValueCacheBatchSize)
	d.Cache.PreventiveEvict(d.ValueCacheBatchSize)
	snap := d.Cache.Counters()
	d.CacheCounters.HitQty.Store(snap.HitQty)
	d.CacheCounters.MissQty.Store(snap.MissQty)
	d.CacheCounters.EvictedQty.Store(snap.EvictedQty)

	d.Tags.CleanBatch(d.ValueCacheBatchSize)
	tagSnap := d.Tags.Counters()
	d.Counters.IndexArrayCleaningQty.Store(tagSnap.IndexArrayCleaningQty)
	d.Counters.IndexArrayCleanedEntries.Store(tagSnap.IndexArrayCleanedEntries)

	if d.PostTick != nil {
		d.PostTick()
	}
}

// Runner drives periodic merge and upkeep ticks from a single background
// goroutine, each kind of tick guarded by an atomic "already running" flag so
// a slow merge or upkeep pass is never overlapped by the next scheduled tick.
// A merge cycle that returns an error is retried with a bounded exponential
// backoff; upkeep ticks are not retried.
type Runner struct {
	mergeDeps  *MergeDeps
	upkeepDeps *UpkeepDeps
	thresholds MergeThresholds

	mergePeriod   time.Duration
	upkeepPeriod  time.Duration

	mergeRunning  atomic.Bool
	upkeepRunning atomic.Bool
	requestCh     chan struct{}

	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner builds a Runner; call Start to begin its background goroutine
// and Stop to shut it down.
func NewRunner(mergeDeps *MergeDeps, upkeepDeps *UpkeepDeps, thresholds MergeThresholds, mergePeriod, upkeepPeriod time.Duration, logger *zap.Logger) *Runner {
	return &Runner{
		mergeDeps:    mergeDeps,
		upkeepDeps:   upkeepDeps,
		thresholds:   thresholds,
		mergePeriod:  mergePeriod,
		upkeepPeriod: upkeepPeriod,
		logger:       logger,
		requestCh:    make(chan struct{}, 1),
	}
}

// Start launches the background goroutine that runs both the merge and the
// upkeep ticks. It is not safe to call twice
// without an intervening Stop.
func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		mergeTicker := time.NewTicker(r.mergePeriod)
		upkeepTicker := time.NewTicker(r.upkeepPeriod)
		defer mergeTicker.Stop()
		defer upkeepTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-mergeTicker.C:
				r.runMergeOnce(ctx)
			case <-r.requestCh:
				r.runMergeOnce(ctx)
			case <-upkeepTicker.C:
				r.runUpkeepOnce()
			}
		}
	}()
}

// Stop cancels the background loop and waits for the current tick, if any, to return.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// RequestMerge triggers an out-of-cycle merge evaluation on the runner's
// goroutine. A pending request is coalesced if one is already queued.
func (r *Runner) RequestMerge() {
	select {
	case r.requestCh <- struct{}{}:
	default:
	}
}

// IsMergeRunning reports whether a merge cycle is currently executing.
func (r *Runner) IsMergeRunning() bool { return r.mergeRunning.Load() }

// IsUpkeepRunning reports whether an upkeep tick is currently executing.
func (r *Runner) IsUpkeepRunning() bool { return r.upkeepRunning.Load() }

func (r *Runner) runMergeOnce(ctx context.Context) {
	if !r.mergeRunning.CompareAndSwap(false, true) {
		return
	}
	defer r.mergeRunning.Store(false)

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		_, err := RunMergeCycle(r.mergeDeps, r.thresholds)
		return err
	}, bo)
	if err != nil && r.logger != nil {
		r.logger.Warn("merge cycle failed after retries", zap.Error(err))
	}
}

func (r *Runner) runUpkeepOnce() {
	if !r.upkeepRunning.CompareAndSwap(false, true) {
		return
	}
	defer r.upkeepRunning.Store(false)
	RunUpkeepTick(r.upkeepDeps)
}
