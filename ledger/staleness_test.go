package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/wallet-ledger/ledger"
)

func TestStalenessPolicy(t *testing.T) {
	now := t0
	policy := ledger.StalenessPolicy{Threshold: time.Hour, Now: func() time.Time { return now }}

	at := func(d time.Duration) *time.Time {
		v := now.Add(-d)
		return &v
	}

	tests := []struct {
		name  string
		last  *time.Time
		stale bool
	}{
		{"never reconciled", nil, true},
		{"just reconciled", at(0), false},
		{"inside window", at(59*time.Minute + 59*time.Second), false},
		{"exactly at threshold", at(time.Hour), true},
		{"past threshold", at(2 * time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ledger.Wallet{LastCalculateDate: tt.last}
			assert.Equal(t, tt.stale, policy.IsStale(w))
		})
	}
}

func TestStalenessPolicy_Defaults(t *testing.T) {
	p := ledger.NewStalenessPolicy(0)
	assert.Equal(t, ledger.DefaultStaleAfter, p.Threshold)

	recent := time.Now()
	assert.False(t, p.IsStale(ledger.Wallet{LastCalculateDate: &recent}))
	assert.WithinDuration(t, time.Now().Add(-time.Hour), p.Cutoff(), time.Second)
}
