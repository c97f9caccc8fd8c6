package middleware

import (
	"context"
	"time"

	"github.com/absmach/fedsync/coordinator"
	"github.com/absmach/fedsync/pkg/fl"
	"github.com/go-kit/kit/metrics"
)

var _ coordinator.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	svc     coordinator.Service
}

func Metrics(counter metrics.Counter, latency metrics.Histogram, svc coordinator.Service) coordinator.Service {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		svc:     svc,
	}
}

func (mm *metricsMiddleware) observe(method string, begin time.Time) {
	mm.counter.With("method", method).Add(1)
	mm.latency.With("method", method).Observe(time.Since(begin).Seconds())
}

func (mm *metricsMiddleware) Register(ctx context.Context, clientID string, metadata map[string]string) (coordinator.Client, error) {
	defer mm.observe("register", time.Now())

	return mm.svc.Register(ctx, clientID, metadata)
}

func (mm *metricsMiddleware) GetParameters(ctx context.Context) (coordinator.Parameters, error) {
	defer mm.observe("get-parameters", time.Now())

	return mm.svc.GetParameters(ctx)
}

func (mm *metricsMiddleware) SubmitUpdate(ctx context.Context, u fl.RoundUpdate) (coordinator.SubmitResult, error) {
	defer mm.observe("submit-update", time.Now())

	return mm.svc.SubmitUpdate(ctx, u)
}

func (mm *metricsMiddleware) GetStatus(ctx context.Context) (coordinator.Status, error) {
	defer mm.observe("get-status", time.Now())

	return mm.svc.GetStatus(ctx)
}

func (mm *metricsMiddleware) StartRound(ctx context.Context) (coordinator.Status, error) {
	defer mm.observe("start-round", time.Now())

	return mm.svc.StartRound(ctx)
}

func (mm *metricsMiddleware) ListClients(ctx context.Context) ([]coordinator.Client, error) {
	defer mm.observe("list-clients", time.Now())

	return mm.svc.ListClients(ctx)
}

func (mm *metricsMiddleware) History(ctx context.Context, offset, limit uint64) (coordinator.RoundPage, error) {
	defer mm.observe("list-rounds", time.Now())

	return mm.svc.History(ctx, offset, limit)
}

func (mm *metricsMiddleware) Round(ctx context.Context, round uint64) (fl.RoundRecord, error) {
	defer mm.observe("get-round", time.Now())

	return mm.svc.Round(ctx, round)
}
