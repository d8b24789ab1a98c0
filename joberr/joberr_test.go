package joberr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProtected_recoversJobError(t *testing.T) {
	unwound := false
	err := Protected(func() { unwound = true }, func() error {
		Throw(0x1234, ErrTypeInstability)
		return nil
	})
	require.True(t, unwound)
	require.ErrorIs(t, err, ErrTypeInstability)
	var je *JobError
	require.ErrorAs(t, err, &je)
	require.Equal(t, uint64(0x1234), je.PC)
}

func TestProtected_passesThroughPlainReturn(t *testing.T) {
	err := Protected(nil, func() error { return nil })
	require.NoError(t, err)
}

func TestProtected_runsUnwindOnSuccess(t *testing.T) {
	unwound := false
	err := Protected(func() { unwound = true }, func() error { return ErrSnapOverflow })
	require.True(t, unwound)
	require.ErrorIs(t, err, ErrSnapOverflow)
}

func TestRetryableRecordableFatal(t *testing.T) {
	require.True(t, Retryable(ErrMcodeLimit))
	require.False(t, Retryable(ErrSnapOverflow))

	require.True(t, Recordable(ErrTypeInstability))
	require.True(t, Recordable(ErrGuardAlwaysFails))
	require.False(t, Recordable(ErrSpillOverflow))

	require.True(t, Fatal(ErrBadRegAlloc))
	require.False(t, Fatal(ErrTypeInstability))
}

func TestPenaltyTable(t *testing.T) {
	pt := NewPenaltyTable()
	require.Equal(t, 0, pt.Count(1))
	for i := 0; i < PenaltyCeiling-1; i++ {
		pt.Bump(1)
	}
	require.False(t, pt.Blacklisted(1))
	pt.Bump(1)
	require.True(t, pt.Blacklisted(1))
	require.Equal(t, 0, pt.Count(2))
}
