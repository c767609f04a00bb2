/*
background.go - Asynchronous reconciliation queue

PURPOSE:
  Read paths that find a stale wallet must not wait for, or fail because
  of, a reconciliation pass. They enqueue a Job here and return the cached
  snapshot. A fixed pool of workers drains the queue.

GUARANTEES:
  - Bounded: a full queue drops the job (logged, counted). The next stale
    read or sweep enqueues it again.
  - Gated: a wallet already queued or being reconciled is not queued twice.
    Correctness does not depend on the gate, reconciliation is idempotent.
  - Isolated: failures go to ErrorHandler and metrics, never to the reader.

USAGE:
  bg := NewBackgroundReconciler(reconciler, 2, 128)
  bg.Start(ctx)
  bg.Enqueue(Job{UserID: u, WalletIDs: ids, Trigger: metrics.TriggerRead})
  // ... later
  bg.Stop()
*/
package ledger

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/wallet-ledger/metrics"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 256
)

// Job asks for one reconciliation pass. Empty WalletIDs means every wallet
// of the user.
type Job struct {
	UserID    UserID
	WalletIDs []WalletID
	Trigger   string
}

// ErrorHandler receives failed background passes.
type ErrorHandler func(job Job, err error)

type gateKey struct {
	user   UserID
	wallet WalletID // empty for whole-user jobs
}

// BackgroundReconciler runs reconciliation passes off the request path.
type BackgroundReconciler struct {
	reconciler *Reconciler
	workers    int
	queue      chan Job

	// OnError is called for every failed pass. Defaults to logging.
	OnError ErrorHandler

	mu       sync.Mutex
	inFlight map[gateKey]bool
	started  bool
	stopped  bool
	wg       sync.WaitGroup
}

func NewBackgroundReconciler(r *Reconciler, workers, queueSize int) *BackgroundReconciler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &BackgroundReconciler{
		reconciler: r,
		workers:    workers,
		queue:      make(chan Job, queueSize),
		OnError:    logReconcileError,
		inFlight:   make(map[gateKey]bool),
	}
}

// Start launches the workers. Jobs enqueued before Start wait in the queue.
func (b *BackgroundReconciler) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started || b.stopped {
		return
	}
	b.started = true

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.work(ctx)
	}
	log.Printf("[Reconciler] Background queue started with %d workers (capacity %d)", b.workers, cap(b.queue))
}

// Stop refuses new jobs, lets the workers finish what is queued and waits
// for them.
func (b *BackgroundReconciler) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.queue)
	b.mu.Unlock()

	b.wg.Wait()
	log.Println("[Reconciler] Background queue stopped")
}

// Enqueue schedules job without blocking. Wallets already in flight are
// removed from the job; it reports false when nothing was queued.
func (b *BackgroundReconciler) Enqueue(job Job) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		metrics.DroppedJobs.WithLabelValues("stopped").Inc()
		return false
	}

	keys := b.gateKeys(job)
	fresh := keys[:0]
	for _, k := range keys {
		if !b.inFlight[k] {
			fresh = append(fresh, k)
		}
	}
	if len(fresh) == 0 {
		metrics.DroppedJobs.WithLabelValues("in_flight").Inc()
		return false
	}
	if len(job.WalletIDs) > 0 {
		job.WalletIDs = make([]WalletID, len(fresh))
		for i, k := range fresh {
			job.WalletIDs[i] = k.wallet
		}
	}

	select {
	case b.queue <- job:
	default:
		metrics.DroppedJobs.WithLabelValues("full").Inc()
		log.Printf("[Reconciler] Queue full, dropped job for user %s (%d wallets)", job.UserID, len(job.WalletIDs))
		return false
	}

	for _, k := range fresh {
		b.inFlight[k] = true
	}
	metrics.QueueDepth.Set(float64(len(b.queue)))
	return true
}

// InFlight reports whether a wallet is queued or being reconciled.
func (b *BackgroundReconciler) InFlight(userID UserID, walletID WalletID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight[gateKey{user: userID, wallet: walletID}]
}

func (b *BackgroundReconciler) work(ctx context.Context) {
	defer b.wg.Done()

	for job := range b.queue {
		metrics.QueueDepth.Set(float64(len(b.queue)))
		b.run(ctx, job)
		b.release(job)
	}
}

func (b *BackgroundReconciler) run(ctx context.Context, job Job) {
	started := time.Now()
	wallets, err := b.reconciler.Reconcile(ctx, job.UserID, job.WalletIDs)
	metrics.ObserveReconcile(job.Trigger, started, len(wallets), err)
	if err != nil && b.OnError != nil {
		b.OnError(job, err)
	}
}

func (b *BackgroundReconciler) release(job Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range b.gateKeys(job) {
		delete(b.inFlight, k)
	}
}

func (b *BackgroundReconciler) gateKeys(job Job) []gateKey {
	if len(job.WalletIDs) == 0 {
		return []gateKey{{user: job.UserID}}
	}
	keys := make([]gateKey, 0, len(job.WalletIDs))
	seen := make(map[WalletID]bool, len(job.WalletIDs))
	for _, id := range job.WalletIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		keys = append(keys, gateKey{user: job.UserID, wallet: id})
	}
	return keys
}

func logReconcileError(job Job, err error) {
	log.Printf("[Reconciler] Background pass (%s) for user %s failed: %v", job.Trigger, job.UserID, err)
}
