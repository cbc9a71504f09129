package redemption

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Unix(1_700_000_000, 0)

func TestLegalLifecycle(t *testing.T) {
	req := Request{Reference: "ref-1", Status: StatusIdle}

	for _, next := range []Status{StatusValidating, StatusRateLocked, StatusExecuting, StatusSubmitting, StatusCompleted} {
		var err error
		req, err = Transition(req, next, at)
		require.NoError(t, err, "to %s", next)
		assert.Equal(t, next, req.Status)
	}
	assert.True(t, req.Status.Terminal())
}

func TestTransitionIsPure(t *testing.T) {
	orig := Request{Reference: "ref-1", Status: StatusIdle}
	out, err := Transition(orig, StatusValidating, at)
	require.NoError(t, err)

	assert.Equal(t, StatusIdle, orig.Status, "input must not be mutated")
	assert.Equal(t, StatusValidating, out.Status)
	assert.Equal(t, at, out.UpdatedAt)
}

func TestIllegalTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
	}{
		{StatusIdle, StatusExecuting},
		{StatusValidating, StatusSubmitting},
		{StatusRateLocked, StatusCompleted},
		{StatusCompleted, StatusValidating},
		{StatusFailed, StatusValidating},
		{StatusNeedsReconciliation, StatusIdle},
	}
	for _, tc := range cases {
		_, err := Transition(Request{Reference: "r", Status: tc.from}, tc.to, at)
		assert.Error(t, err, "%s -> %s", tc.from, tc.to)
	}
}

func TestExecutingCanRollBackToIdleOnlyWithoutTxHash(t *testing.T) {
	clean := Request{Reference: "r", Status: StatusExecuting}
	idle, err := Transition(clean, StatusIdle, at)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, idle.Status)

	broadcast := Request{Reference: "r", Status: StatusExecuting, TxHash: "0xabc"}
	_, err = Transition(broadcast, StatusIdle, at)
	assert.Error(t, err, "a broadcast request may never roll back")

	_, err = Transition(broadcast, StatusFailed, at)
	assert.Error(t, err, "a broadcast request may not fail out of Executing")

	submitting, err := Transition(broadcast, StatusSubmitting, at)
	require.NoError(t, err)

	_, err = Transition(submitting, StatusNeedsReconciliation, at)
	assert.NoError(t, err)
}

func TestParkedRequestCanReopenSubmitting(t *testing.T) {
	parked := Request{Reference: "r", Status: StatusNeedsReconciliation, TxHash: "0xabc"}

	resumed, err := Transition(parked, StatusSubmitting, at)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitting, resumed.Status)
	assert.Equal(t, "0xabc", resumed.TxHash)

	for _, to := range []Status{StatusIdle, StatusValidating, StatusExecuting} {
		_, err := Transition(parked, to, at)
		assert.Error(t, err, "needs_reconciliation -> %s", to)
	}
}

func TestSubmittingOutcomesWithTxHash(t *testing.T) {
	req := Request{Reference: "r", Status: StatusSubmitting, TxHash: "0xabc"}

	for _, to := range []Status{StatusCompleted, StatusNeedsReconciliation, StatusFailed} {
		_, err := Transition(req, to, at)
		assert.NoError(t, err, "submitting -> %s", to)
	}
}
