package service

import (
	"context"
	"log/slog"
	"time"
)

// ProposalSweeper periodically expires overdue proposals. Responses and reads expire
// proposals on their own, so the sweeper only keeps stored status fresh.
type ProposalSweeper struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
}

func NewProposalSweeper(svc *Service, interval time.Duration, logger *slog.Logger) *ProposalSweeper {
	return &ProposalSweeper{svc: svc, interval: interval, logger: logger}
}

// Run blocks until ctx is done. A non-positive interval disables the sweeper.
func (w *ProposalSweeper) Run(ctx context.Context) error {
	if w.interval <= 0 {
		w.logger.Info("proposal sweeper disabled")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ProposalSweeper) sweep(ctx context.Context) {
	n, err := w.svc.ExpireOverdue(ctx)
	if err != nil {
		w.logger.Warn("proposal sweep failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("proposals expired", "count", n)
	}
}
