package txfanout

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestErrorFormatting(t *testing.T) {
	base := errors.New("out of stock")
	err := &Error{Kind: KindBusiness, RunID: "r1", Participant: "p1", Index: 3, Op: "execute", Err: base}
	require.Equal(t, "run r1 [business, op execute, task 3, participant p1]: out of stock", err.Error())
	require.ErrorIs(t, err, base)

	noTask := &Error{Kind: KindJoin, RunID: "r1", Index: -1, Op: "wait", Err: base}
	require.Equal(t, "run r1 [join, op wait]: out of stock", noTask.Error())

	traced := &Error{Kind: KindResolution, Index: -1, Op: "commit", Err: base, StackTrace: "goroutine 1"}
	require.Contains(t, traced.Error(), "StackTrace:\ngoroutine 1")
}

func TestKindHelpers(t *testing.T) {
	wrapped := fmt.Errorf("resolving: %w", &Error{Kind: KindResolution, Index: -1, Err: errors.New("x")})
	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	require.Equal(t, KindResolution, kind)
	require.True(t, IsResolution(wrapped))
	require.False(t, IsBusiness(wrapped))

	_, ok = KindOf(errors.New("plain"))
	require.False(t, ok)

	combined := multierr.Combine(errors.New("plain"), &Error{Kind: KindInfrastructure, Index: 0, Err: errors.New("y")})
	require.True(t, IsInfrastructure(combined))

	require.Equal(t, "join", KindJoin.String())
	require.Equal(t, "unknown", Kind(9).String())
}

func TestOutcomeLabel(t *testing.T) {
	boom := []error{errors.New("boom")}
	require.Equal(t, "committed", outcomeLabel(true, false, nil))
	require.Equal(t, "partial", outcomeLabel(false, true, boom))
	require.Equal(t, "resolution_failed", outcomeLabel(false, false, boom))
	require.Equal(t, "rolled_back", outcomeLabel(false, false, nil))
}

func TestSafeActionRecoversPanic(t *testing.T) {
	err := safeAction(context.Background(), func(context.Context) error {
		panic("boom")
	}, "task 7")
	require.EqualError(t, err, "panic recovered during task 7: boom")

	base := errors.New("plain")
	require.Equal(t, base, safeAction(context.Background(), func(context.Context) error { return base }, "task 8"))
}
