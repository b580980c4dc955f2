package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingArchiver struct {
	cutoffs []time.Time
	err     error
}

func (r *recordingArchiver) ArchiveOrders(_ context.Context, before time.Time) (int64, error) {
	r.cutoffs = append(r.cutoffs, before)
	return 3, r.err
}

func TestArchiveRunOnceUsesRetentionCutoff(t *testing.T) {
	arch := &recordingArchiver{}
	svc := NewArchiveService(arch, time.Hour, 24*time.Hour, discard())
	now := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	n, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, []time.Time{now.Add(-24 * time.Hour)}, arch.cutoffs)

	arch.err = errors.New("bucket unreachable")
	_, err = svc.RunOnce(context.Background())
	assert.ErrorContains(t, err, "bucket unreachable")
}

func TestArchiveRunStopsOnCancel(t *testing.T) {
	svc := NewArchiveService(&recordingArchiver{}, 10*time.Millisecond, time.Hour, discard())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Run(ctx), context.DeadlineExceeded)
}
