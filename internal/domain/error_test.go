package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError_Format(t *testing.T) {
	err := E(CodeNotFound, "session.load", "", ErrSessionNotFound)
	require.Equal(t, "session.load: NOT_FOUND: session not found", err.Error())
	require.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestWrap_KeepsExistingOp(t *testing.T) {
	inner := E(CodeFailedPrecond, "snapshot.decode", "bad json", ErrSnapshotCorrupt)
	wrapped := Wrap(CodeInternal, "session.resume", inner)
	require.Same(t, inner, wrapped)
	require.Nil(t, Wrap(CodeInternal, "op", nil))
}

func TestCodeFrom(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{fmt.Errorf("x: %w", ErrToolNotFound), CodeNotFound},
		{ErrSnapshotCorrupt, CodeFailedPrecond},
		{context.Canceled, CodeCanceled},
		{context.DeadlineExceeded, CodeDeadlineExceeded},
		{Wrap(CodeInternal, "op", ErrEmptyInput), CodeInvalidArgument},
	}
	for _, tt := range tests {
		got, ok := CodeFrom(tt.err)
		require.True(t, ok)
		require.Equal(t, tt.want, got)
	}
	_, ok := CodeFrom(errors.New("plain"))
	require.False(t, ok)
}
