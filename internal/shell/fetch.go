package shell

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// fetchLoop fetches the dataset on start and then every RefreshInterval.
// Without a refresh interval a failed initial fetch is retried every
// DefaultRetryInterval until one succeeds.
func (s *Shell) fetchLoop(ctx context.Context) {
	interval := s.opts.RefreshInterval
	refresh := interval > 0
	if !refresh {
		interval = DefaultRetryInterval
	}

	ok := s.fetchOnce(ctx)
	if ok && !refresh {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.fetchOnce(ctx) && !refresh {
				return
			}
		}
	}
}

func (s *Shell) fetchOnce(ctx context.Context) bool {
	start := time.Now()
	data, err := s.opts.Fetcher.Fetch(ctx, s.opts.DataURL)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to fetch transport data", zap.String("url", s.opts.DataURL), zap.Error(err))
		}
		return false
	}

	if err := data.Validate(); err != nil {
		s.logger.Warn("transport data has inconsistencies", zap.Error(err))
	}

	if err := s.SetData(ctx, data); err != nil {
		if errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled) {
			return false
		}
		// Rendering failures are logged by dispatch; the data itself arrived.
		s.logger.Debug("transport data applied with errors", zap.Error(err))
	}

	s.logger.Info("transport data loaded",
		zap.Int("lines", len(data.Lines)),
		zap.Int("stations", len(data.Stations)),
		zap.Duration("took", time.Since(start)),
	)
	return true
}
