package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{
			name: "typed error reports its kind",
			err:  NewError(ErrLLMFailure, "model produced no parseable query"),
			want: ErrLLMFailure,
		},
		{
			name: "deadline wins over a typed wrap",
			err:  WrapError(ErrLLMFailure, "query generation failed", context.DeadlineExceeded),
			want: ErrTimeout,
		},
		{
			name: "cancellation wins over a typed wrap",
			err:  WrapError(ErrProviderUnavailable, "validation failed", context.Canceled),
			want: ErrCancelled,
		},
		{
			name: "deadline deep in a plain chain",
			err:  fmt.Errorf("invoke: %w", context.DeadlineExceeded),
			want: ErrTimeout,
		},
		{
			name: "bare error is internal",
			err:  errors.New("boom"),
			want: ErrInternal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewError(ErrRateLimited, "throttled"))
	assert.True(t, IsKind(err, ErrRateLimited))
	assert.False(t, IsKind(err, ErrTimeout))
}
