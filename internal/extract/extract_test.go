package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/orientinsight/bookingmail/internal/model"
)

type stubService struct {
	calls int
	res   Result
	err   error
}

func (s *stubService) Extract(context.Context, []byte, model.ArtifactKind) (Result, error) {
	s.calls++
	return s.res, s.err
}

func TestRouter(t *testing.T) {
	svc := &stubService{res: EmptyResult{}}
	r := NewRouter(svc, zaptest.NewLogger(t))
	ctx := context.Background()

	res, err := r.Extract(ctx, []byte("code\n26CO-A1\n"), model.ArtifactSpreadsheet)
	require.NoError(t, err)
	assert.IsType(t, ValidBatch{}, res)
	assert.Equal(t, 0, svc.calls)

	res, err = r.Extract(ctx, []byte("<p>x</p>"), model.ArtifactInlineTable)
	require.NoError(t, err)
	assert.Equal(t, EmptyResult{}, res)
	assert.Equal(t, 1, svc.calls)

	svc.err = &ExtractionError{Op: "call", Retryable: true, Err: errors.New("boom")}
	_, err = r.Extract(ctx, []byte{}, model.ArtifactImageOrScan)
	assert.Error(t, err)

	_, err = r.Extract(ctx, nil, model.ArtifactKind("AUDIO"))
	var extErr *ExtractionError
	require.True(t, errors.As(err, &extErr))
	assert.False(t, extErr.Retryable)
}
