/*
sweeper.go - Periodic reconciliation of stale wallets

PURPOSE:
  Read paths only reconcile wallets somebody looks at. The sweeper bounds
  drift for the rest: every Interval it lists wallets that were never
  reconciled or whose last pass is older than the staleness threshold, and
  queues them per user on the background reconciler.

CONFIGURATION:
  - Interval: how often to sweep (zero disables the sweeper)
  - BatchSize: maximum wallets listed per sweep

USAGE:
  sweeper := NewSweeper(store, background, policy, 10*time.Minute)
  sweeper.Start()
  // ... later
  sweeper.Stop()
*/
package ledger

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/wallet-ledger/metrics"
)

const DefaultSweepBatch = 500

// Sweeper periodically enqueues stale wallets.
type Sweeper struct {
	Wallets    WalletStore
	Background *BackgroundReconciler
	Policy     StalenessPolicy
	Interval   time.Duration
	BatchSize  int

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweeper(wallets WalletStore, bg *BackgroundReconciler, policy StalenessPolicy, interval time.Duration) *Sweeper {
	return &Sweeper{
		Wallets:    wallets,
		Background: bg,
		Policy:     policy,
		Interval:   interval,
		BatchSize:  DefaultSweepBatch,
	}
}

// Start begins sweeping. A zero Interval leaves the sweeper off.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		log.Println("[Scheduler] Sweeper disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	log.Printf("[Scheduler] Sweeper started with interval: %v", s.Interval)
}

// Stop stops the sweeper and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		log.Println("[Scheduler] Sweeper stopped")
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.Sweep(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.Sweep(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Sweep runs one pass and returns how many users got a job queued.
func (s *Sweeper) Sweep(ctx context.Context) int {
	batch := s.BatchSize
	if batch <= 0 {
		batch = DefaultSweepBatch
	}

	stale, err := s.Wallets.ListStale(ctx, s.Policy.Cutoff(), batch)
	if err != nil {
		log.Printf("[Scheduler] Error listing stale wallets: %v", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	var users []UserID
	byUser := make(map[UserID][]WalletID)
	for _, w := range stale {
		if _, ok := byUser[w.UserID]; !ok {
			users = append(users, w.UserID)
		}
		byUser[w.UserID] = append(byUser[w.UserID], w.ID)
	}

	queued := 0
	for _, u := range users {
		if s.Background.Enqueue(Job{UserID: u, WalletIDs: byUser[u], Trigger: metrics.TriggerSweep}) {
			queued++
		}
	}

	log.Printf("[Scheduler] Sweep complete: %d stale wallets, %d users queued, %d skipped",
		len(stale), queued, len(users)-queued)
	return queued
}
