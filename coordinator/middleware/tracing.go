package middleware

import (
	"context"

	"github.com/absmach/fedsync/coordinator"
	"github.com/absmach/fedsync/pkg/fl"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ coordinator.Service = (*tracing)(nil)

type tracing struct {
	tracer trace.Tracer
	svc    coordinator.Service
}

func Tracing(tracer trace.Tracer, svc coordinator.Service) coordinator.Service {
	return &tracing{tracer, svc}
}

func (tm *tracing) Register(ctx context.Context, clientID string, metadata map[string]string) (coordinator.Client, error) {
	ctx, span := tm.tracer.Start(ctx, "register", trace.WithAttributes(
		attribute.String("client_id", clientID),
	))
	defer span.End()

	return tm.svc.Register(ctx, clientID, metadata)
}

func (tm *tracing) GetParameters(ctx context.Context) (coordinator.Parameters, error) {
	ctx, span := tm.tracer.Start(ctx, "get-parameters")
	defer span.End()

	return tm.svc.GetParameters(ctx)
}

func (tm *tracing) SubmitUpdate(ctx context.Context, u fl.RoundUpdate) (res coordinator.SubmitResult, err error) {
	ctx, span := tm.tracer.Start(ctx, "submit-update", trace.WithAttributes(
		attribute.String("client_id", u.ClientID),
		attribute.Int64("round", int64(u.Round)),
		attribute.Int("sample_count", u.SampleCount),
		attribute.Int("num_params", u.Parameters.NumParams()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Bool("aggregated", res.Aggregated))
		span.End()
	}()

	return tm.svc.SubmitUpdate(ctx, u)
}

func (tm *tracing) GetStatus(ctx context.Context) (coordinator.Status, error) {
	ctx, span := tm.tracer.Start(ctx, "get-status")
	defer span.End()

	return tm.svc.GetStatus(ctx)
}

func (tm *tracing) StartRound(ctx context.Context) (coordinator.Status, error) {
	ctx, span := tm.tracer.Start(ctx, "start-round")
	defer span.End()

	return tm.svc.StartRound(ctx)
}

func (tm *tracing) ListClients(ctx context.Context) ([]coordinator.Client, error) {
	ctx, span := tm.tracer.Start(ctx, "list-clients")
	defer span.End()

	return tm.svc.ListClients(ctx)
}

func (tm *tracing) History(ctx context.Context, offset, limit uint64) (coordinator.RoundPage, error) {
	ctx, span := tm.tracer.Start(ctx, "list-rounds", trace.WithAttributes(
		attribute.Int64("offset", int64(offset)),
		attribute.Int64("limit", int64(limit)),
	))
	defer span.End()

	return tm.svc.History(ctx, offset, limit)
}

func (tm *tracing) Round(ctx context.Context, round uint64) (fl.RoundRecord, error) {
	ctx, span := tm.tracer.Start(ctx, "get-round", trace.WithAttributes(
		attribute.Int64("round", int64(round)),
	))
	defer span.End()

	return tm.svc.Round(ctx, round)
}
