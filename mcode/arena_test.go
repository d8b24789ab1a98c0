package mcode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/traceforge/tracecore/jitconfig"
)

func testArena(t *testing.T) *Arena {
	t.Helper()
	cfg := jitconfig.Default()
	a := NewArena(cfg)
	t.Cleanup(func() { _ = a.Free() })
	return a
}

func TestReserveAllocatesFirstRegionLazily(t *testing.T) {
	a := testArena(t)
	require.Nil(t, a.head)
	buf, err := a.Reserve()
	require.NoError(t, err)
	require.NotNil(t, a.head)
	require.Equal(t, a.head.top, len(buf))
	require.Equal(t, a.regionSize(), len(buf))
}

func TestCommitLowersTopAndSurvivesAcrossReservations(t *testing.T) {
	a := testArena(t)
	buf, err := a.Reserve()
	require.NoError(t, err)
	used := 64
	copy(buf[len(buf)-used:], []byte{0x90, 0x90, 0x90, 0x90})
	require.NoError(t, a.Commit(len(buf)-used))
	require.Equal(t, len(buf)-used, a.head.top)

	buf2, err := a.Reserve()
	require.NoError(t, err)
	require.Equal(t, a.head.top, len(buf2))
}

func TestAbortLeavesTopUnchanged(t *testing.T) {
	a := testArena(t)
	buf, err := a.Reserve()
	require.NoError(t, err)
	top := a.head.top
	require.NoError(t, a.Abort())
	require.Equal(t, top, a.head.top)
	require.Equal(t, len(buf), top)
}

func TestHandleLimitTooLargeIsPermanent(t *testing.T) {
	a := testArena(t)
	err := a.HandleLimit(a.regionSize() + 1)
	var limErr *LimitErr
	require.ErrorAs(t, err, &limErr)
	require.True(t, limErr.Permanent)
}

func TestHandleLimitFitsAllocatesFreshRegion(t *testing.T) {
	a := testArena(t)
	_, err := a.Reserve()
	require.NoError(t, err)
	firstRegion := a.head

	err = a.HandleLimit(16)
	var limErr *LimitErr
	require.ErrorAs(t, err, &limErr)
	require.False(t, limErr.Permanent)
	require.NotSame(t, firstRegion, a.head)
	require.Same(t, firstRegion, a.head.next)
}

func TestPatchWindowRestoresRunProtAfterClose(t *testing.T) {
	a := testArena(t)
	buf, err := a.Reserve()
	require.NoError(t, err)
	require.NoError(t, a.Commit(len(buf)-16))

	ptr := CodePtr{region: a.head, Offset: len(buf) - 16}
	closeFn, err := a.PatchWindow(ptr)
	require.NoError(t, err)
	require.Equal(t, a.genProt(), a.head.prot)

	require.NoError(t, closeFn())
	require.Equal(t, a.runProt(), a.head.prot)
}

func TestFreeUnmapsAllRegions(t *testing.T) {
	a := testArena(t)
	_, err := a.Reserve()
	require.NoError(t, err)
	var limErr *LimitErr
	require.ErrorAs(t, a.HandleLimit(16), &limErr)
	require.NotZero(t, a.TotalSize())

	require.NoError(t, a.Free())
	require.Nil(t, a.head)
	require.Zero(t, a.TotalSize())
}
