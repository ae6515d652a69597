package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hris-approvals/approval"
)

func TestLegacyActiveFlag(t *testing.T) {
	// GIVEN: Rows imported with is_active stored as text
	// WHEN: Active delegations are listed
	// THEN: 'true' and '1' count as active, 'false' does not

	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	for _, row := range []struct{ id, supervisor, flag string }{
		{"d-text-true", "S1", "true"},
		{"d-text-one", "S2", "1"},
		{"d-text-false", "S3", "false"},
	} {
		_, err := store.db.ExecContext(ctx, `
			INSERT INTO approval_delegations (id, supervisor_id, delegate_id, start_date, end_date, is_active, created_at, updated_at)
			VALUES (?, ?, 'D', '2026-03-01', '2026-03-31', ?, '2026-02-01T00:00:00Z', '2026-02-01T00:00:00Z')
		`, row.id, row.supervisor, row.flag)
		require.NoError(t, err)
	}

	active, err := store.ListActiveDelegations(ctx, approval.DelegationFilter{DelegateID: "D", On: approval.NewDate(2026, 3, 10)})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.ElementsMatch(t, []approval.EmployeeID{"S1", "S2"},
		[]approval.EmployeeID{active[0].SupervisorID, active[1].SupervisorID})

	d, err := store.GetDelegation(ctx, "d-text-false")
	require.NoError(t, err)
	assert.False(t, bool(d.IsActive))
	assert.Equal(t, 2026, d.CreatedAt.Year(), "RFC3339 timestamps from imports still parse")
}

func TestWithRetry_RetriesBusyOnly(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := withRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	other := errors.New("constraint failed")
	err = withRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		return other
	})
	assert.ErrorIs(t, err, other)
	assert.Equal(t, 1, calls)
}

func TestMapError_Busy(t *testing.T) {
	err := mapError(errors.New("database is locked"), "save")
	assert.ErrorIs(t, err, approval.ErrStoreBusy)
	assert.True(t, approval.IsRetryable(err))
	assert.NoError(t, mapError(nil, "save"))
}
