package ledger_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/wallet-ledger/ledger"
)

func TestWallet_JSONKeys(t *testing.T) {
	calc := t0
	w := ledger.Wallet{
		ID:                "w-1",
		UserID:            "u-1",
		Name:              "Cash",
		Kind:              ledger.KindMoney,
		Creator:           ledger.CreatorUser,
		Deletable:         true,
		Aggregates:        agg("12.5", "20", "7.5", "0", "3"),
		LastCalculateDate: &calc,
		CreatedAt:         t0,
	}

	raw, err := json.Marshal(w)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	for _, key := range []string{
		"id", "user_id", "name", "kind", "creator", "deletable",
		"balance", "all_income_sum", "all_consumption_sum", "planning_income", "planning_consumption",
		"last_operation_date", "last_calculate_date", "created_at",
	} {
		assert.Contains(t, got, key)
	}
	assert.Len(t, got, 14, "no untagged keys leak through")
	assert.Equal(t, "u-1", got["user_id"])
	assert.Equal(t, "12.5", got["balance"])
	assert.Nil(t, got["last_operation_date"])
}
