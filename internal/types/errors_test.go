package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	require.Equal(t, KindUnknownField, KindOf(E(KindUnknownField, "no field %q", "X")))
	require.Equal(t, KindCancelled, KindOf(context.Canceled))
	require.Equal(t, KindCancelled, KindOf(fmt.Errorf("save: %w", context.DeadlineExceeded)))
	require.Equal(t, KindStorage, KindOf(errors.New("driver: bad connection")))
	require.Equal(t, Kind(""), KindOf(nil))
}

func TestKindSurvivesWrapping(t *testing.T) {
	base := E(KindConflict, "lost race for hot row")
	wrapped := fmt.Errorf("save record: %w", base)
	require.True(t, IsKind(wrapped, KindConflict))
	require.False(t, IsKind(wrapped, KindStorage))
}

func TestWrapEKeepsCause(t *testing.T) {
	cause := errors.New("duplicate entry '1-2' for key 'uq_capture_pair'")
	err := WrapE(KindConflict, cause, "hot row contention")
	require.ErrorIs(t, err, cause)
	require.NotContains(t, err.Error(), "duplicate entry", "raw storage detail must not leak")
}
