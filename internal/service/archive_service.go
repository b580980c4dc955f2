package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// ArchiveService periodically moves terminal orders older than the retention
// window into cold storage.
type ArchiveService struct {
	archiver  domain.Archiver
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewArchiveService(archiver domain.Archiver, interval, retention time.Duration, logger *slog.Logger) *ArchiveService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ArchiveService{
		archiver:  archiver,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "archive")),
	}
}

// RunOnce archives everything that fell out of the retention window.
func (s *ArchiveService) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)
	n, err := s.archiver.ArchiveOrders(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("archive: orders before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.logger.InfoContext(ctx, "archive run complete",
		slog.Time("cutoff", cutoff),
		slog.Int64("orders_archived", n),
	)
	return n, nil
}

// Run calls RunOnce every interval until ctx is cancelled. Failed runs are
// logged and retried on the next tick.
func (s *ArchiveService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "archiver started",
		slog.Duration("interval", s.interval),
		slog.Duration("retention", s.retention),
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
