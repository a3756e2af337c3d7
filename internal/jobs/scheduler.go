// Package jobs runs scheduled maintenance work under a synthetic scope.
//
// A request arriving at the edge carries headers to derive identity from; a
// cron tick carries nothing. Every run therefore gets a manufactured scope
// (tenant "system", user "system-scheduler", a fresh request id) and a new
// root span, so scheduled work shows up in logs, traces, and audit rows
// with the same shape as request work instead of as anonymous noise.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/linkarc/link-core/internal/stdcontext"
)

// SystemTenantID and SystemUserID identify scheduler-initiated work in
// logs, spans, and downstream audit rows.
const (
	SystemTenantID = "system"
	SystemUserID   = "system-scheduler"
)

// Job is one named piece of scheduled work. Run receives a context already
// carrying the synthetic scope and the root span for this run.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler wraps robfig/cron and establishes a fresh system scope for
// every run. Runs that would overlap a still-executing run of the same job
// are skipped rather than stacked.
type Scheduler struct {
	cron        *cron.Cron
	serviceName string
	tracer      trace.Tracer
	logger      *zap.Logger

	// base bounds runs started after Start; nil means Background.
	base context.Context
}

// NewScheduler creates and configures the scheduler for one service.
func NewScheduler(serviceName string, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		serviceName: serviceName,
		tracer:      otel.Tracer("link-core/jobs"),
		logger:      logger,
	}
}

// Add registers a job. Specs use the six-field form accepted by
// cron.WithSeconds, or descriptors like "@hourly".
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return errors.New("jobs: job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("jobs: job %q has no run function", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.run(job) }); err != nil {
		return fmt.Errorf("jobs: schedule %q: %w", job.Name, err)
	}
	return nil
}

// Start begins dispatching ticks. ctx bounds every run started after this
// call; cancel it before Stop so in-flight work unwinds.
// Call Stop to gracefully shut down.
func (s *Scheduler) Start(ctx context.Context) {
	s.base = ctx
	s.cron.Start()
	s.logger.Info("job scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop stops dispatching ticks and waits for running jobs to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("job scheduler stopped")
}

// run is the harness around a single job invocation. It opens a root span,
// manufactures the system scope, binds the scope logger, and records the
// outcome on the span.
func (s *Scheduler) run(job Job) {
	base := s.base
	if base == nil {
		base = context.Background()
	}

	ctx, span := s.tracer.Start(base, job.Name,
		trace.WithNewRoot(),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	sc := stdcontext.New()
	sc.TenantID = SystemTenantID
	sc.UserID = SystemUserID
	sc.RequestID = newRequestID()
	sc.CorrelationID = span.SpanContext().TraceID().String()
	sc.ServiceName = s.serviceName
	sc.TransactionType = job.Name

	span.SetAttributes(
		attribute.String("user.id", sc.UserID),
		attribute.String("tenant.id", sc.TenantID),
		attribute.String("transaction.type", sc.TransactionType),
		attribute.String("service.name", sc.ServiceName),
	)

	ctx = stdcontext.Bind(ctx, sc)
	ctx = stdcontext.WithLogger(ctx, s.logger, sc)
	log := stdcontext.Logger(ctx)

	log.Info("job run starting")
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("job run failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return
	}
	log.Info("job run finished", zap.Duration("elapsed", time.Since(start)))
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// cronLogger adapts zap to the cron.Logger interface consumed by the
// Recover and SkipIfStillRunning wrappers.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.s.Infow(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
