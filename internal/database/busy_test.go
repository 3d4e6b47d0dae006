package database

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsBusy(t *testing.T) {
	require.True(t, IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	require.True(t, IsBusy(errors.New("database table is locked: jobs")))
	require.False(t, IsBusy(nil))
	require.False(t, IsBusy(errors.New("UNIQUE constraint failed: images.illust_id")))
}

func TestWithBusyRetryRetriesBusyThenSucceeds(t *testing.T) {
	calls := 0
	err := WithBusyRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestWithBusyRetryGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := WithBusyRetry(context.Background(), func() error {
		calls++
		return errors.New("database is locked")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestWithBusyRetryPassesThroughOtherErrors(t *testing.T) {
	calls := 0
	sentinel := errors.New("constraint violation")
	err := WithBusyRetry(context.Background(), func() error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, calls)
}
