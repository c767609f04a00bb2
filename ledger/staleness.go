package ledger

import "time"

// DefaultStaleAfter is how long reconciled aggregates are trusted.
const DefaultStaleAfter = time.Hour

// StalenessPolicy decides whether a wallet's cached aggregates must be
// rebuilt. Every read path goes through IsStale so the threshold lives in
// one place.
type StalenessPolicy struct {
	Threshold time.Duration
	Now       func() time.Time
}

func NewStalenessPolicy(threshold time.Duration) StalenessPolicy {
	if threshold <= 0 {
		threshold = DefaultStaleAfter
	}
	return StalenessPolicy{Threshold: threshold, Now: time.Now}
}

// IsStale is true when the wallet was never reconciled or the last pass is
// at least Threshold old.
func (p StalenessPolicy) IsStale(w Wallet) bool {
	if w.LastCalculateDate == nil {
		return true
	}
	return p.now().Sub(*w.LastCalculateDate) >= p.Threshold
}

// Cutoff is the LastCalculateDate before which a wallet counts as stale.
func (p StalenessPolicy) Cutoff() time.Time {
	return p.now().Add(-p.Threshold)
}

func (p StalenessPolicy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}
