package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/fedsync/coordinator"
	"github.com/absmach/fedsync/pkg/fl"
)

var _ coordinator.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	svc    coordinator.Service
}

func Logging(logger *slog.Logger, svc coordinator.Service) coordinator.Service {
	return &loggingMiddleware{
		logger: logger,
		svc:    svc,
	}
}

func (lm *loggingMiddleware) Register(ctx context.Context, clientID string, metadata map[string]string) (c coordinator.Client, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("client",
				slog.String("id", clientID),
				slog.String("status", string(c.Status)),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Register client failed", args...)

			return
		}
		lm.logger.Info("Register client completed successfully", args...)
	}(time.Now())

	return lm.svc.Register(ctx, clientID, metadata)
}

func (lm *loggingMiddleware) GetParameters(ctx context.Context) (p coordinator.Parameters, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Uint64("round", p.Round),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Get parameters failed", args...)

			return
		}
		lm.logger.Debug("Get parameters completed successfully", args...)
	}(time.Now())

	return lm.svc.GetParameters(ctx)
}

func (lm *loggingMiddleware) SubmitUpdate(ctx context.Context, u fl.RoundUpdate) (res coordinator.SubmitResult, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("update",
				slog.String("client_id", u.ClientID),
				slog.Uint64("round", u.Round),
				slog.Int("sample_count", u.SampleCount),
				slog.Int("local_steps", u.LocalSteps),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Submit update failed", args...)

			return
		}
		args = append(args, slog.Int("updates_received", res.UpdatesReceived), slog.Bool("aggregated", res.Aggregated))
		lm.logger.Info("Submit update completed successfully", args...)
	}(time.Now())

	return lm.svc.SubmitUpdate(ctx, u)
}

func (lm *loggingMiddleware) GetStatus(ctx context.Context) (st coordinator.Status, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Get status failed", args...)

			return
		}
		lm.logger.Debug("Get status completed successfully", args...)
	}(time.Now())

	return lm.svc.GetStatus(ctx)
}

func (lm *loggingMiddleware) StartRound(ctx context.Context) (st coordinator.Status, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Uint64("round", st.CurrentRound),
			slog.String("state", string(st.State)),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Start round failed", args...)

			return
		}
		lm.logger.Info("Start round completed successfully", args...)
	}(time.Now())

	return lm.svc.StartRound(ctx)
}

func (lm *loggingMiddleware) ListClients(ctx context.Context) (clients []coordinator.Client, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Int("count", len(clients)),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("List clients failed", args...)

			return
		}
		lm.logger.Info("List clients completed successfully", args...)
	}(time.Now())

	return lm.svc.ListClients(ctx)
}

func (lm *loggingMiddleware) History(ctx context.Context, offset, limit uint64) (page coordinator.RoundPage, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Uint64("offset", offset),
			slog.Uint64("limit", limit),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("List rounds failed", args...)

			return
		}
		lm.logger.Info("List rounds completed successfully", args...)
	}(time.Now())

	return lm.svc.History(ctx, offset, limit)
}

func (lm *loggingMiddleware) Round(ctx context.Context, round uint64) (rec fl.RoundRecord, err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Uint64("round", round),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Get round failed", args...)

			return
		}
		lm.logger.Info("Get round completed successfully", args...)
	}(time.Now())

	return lm.svc.Round(ctx, round)
}
