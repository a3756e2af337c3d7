// Package consumer wraps JetStream pull subscriptions with the broker-side
// context extraction every event consumer in the system needs: the
// producer's span context is recovered from message headers, the business
// context is rebuilt and bound to the handler's ctx, and ack semantics
// distinguish transient failures from poison pills.
package consumer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/linkarc/link-core/internal/natsclient"
	"github.com/linkarc/link-core/internal/stdcontext"
)

const defaultBatchSize = 10

// Delivery is one broker message handed to a Handler. Key is the aggregate
// id recovered from the subject.
type Delivery struct {
	Subject string
	Key     string
	Data    []byte
	Headers nats.Header
}

// Handler processes one delivered message. Returning a *PoisonError
// terminates the message; any other error naks it for redelivery.
type Handler func(ctx context.Context, d Delivery) error

// PoisonError marks a message as structurally unprocessable, so
// redelivering it can never succeed.
type PoisonError struct {
	Reason string
}

func (e *PoisonError) Error() string { return "poison pill: " + e.Reason }

// Poison builds a *PoisonError.
func Poison(format string, args ...any) error {
	return &PoisonError{Reason: fmt.Sprintf(format, args...)}
}

// Config wires a Subscriber.
type Config struct {
	// Topic is the logical topic, e.g. "link-events". The subscription
	// covers every key under it. Empty subscribes to every topic on the
	// events stream.
	Topic string
	// Durable names the consumer group. Replicas sharing it compete for
	// messages.
	Durable string
	// ServiceName is the consuming service, recorded on the rebuilt
	// context and the consumer span.
	ServiceName string
	// BatchSize is the pull fetch size, defaulting to 10.
	BatchSize int

	Logger *zap.Logger
}

// Subscriber runs one durable pull consumer and dispatches messages to a
// Handler inside a fully established scope.
type Subscriber struct {
	client  *natsclient.Client
	cfg     Config
	handler Handler
	tracer  trace.Tracer
	logger  *zap.Logger
}

func NewSubscriber(client *natsclient.Client, cfg Config, h Handler) (*Subscriber, error) {
	if client == nil {
		return nil, errors.New("consumer: nats client is required")
	}
	if cfg.Durable == "" {
		return nil, errors.New("consumer: durable name is required")
	}
	if h == nil {
		return nil, errors.New("consumer: handler is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Subscriber{
		client:  client,
		cfg:     cfg,
		handler: h,
		tracer:  otel.Tracer("link-core/consumer"),
		logger:  cfg.Logger,
	}, nil
}

// Start creates the durable pull subscription and launches the fetch loop
// in a background goroutine. It returns immediately; the loop stops when
// ctx is canceled. The DOMAIN_EVENTS stream must already exist.
func (s *Subscriber) Start(ctx context.Context) error {
	filter := natsclient.SubjectEvents
	if s.cfg.Topic != "" {
		filter = natsclient.ConsumerFilter(s.cfg.Topic)
	}
	sub, err := s.client.JS.PullSubscribe(
		filter,
		s.cfg.Durable,
		nats.BindStream(natsclient.StreamDomainEvents),
	)
	if err != nil {
		return fmt.Errorf("consumer %s: PullSubscribe: %w", s.cfg.Durable, err)
	}

	s.logger.Info("consumer subscribed",
		zap.String("stream", natsclient.StreamDomainEvents),
		zap.String("filter", filter),
		zap.String("durable", s.cfg.Durable),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("consumer stopping", zap.String("durable", s.cfg.Durable))
				return
			default:
				msgs, err := sub.Fetch(s.cfg.BatchSize, nats.Context(ctx))
				if err != nil {
					// Timeout on an empty queue, or ctx cancel.
					continue
				}
				for _, msg := range msgs {
					s.process(ctx, msg)
				}
			}
		}
	}()

	return nil
}

// process establishes the message scope, runs the handler, and acks
// according to the outcome. The span ends on every exit path and handler
// errors are recorded on it.
func (s *Subscriber) process(ctx context.Context, msg *nats.Msg) {
	key := natsclient.KeyFromSubject(msg.Subject)
	destination := s.cfg.Topic
	if destination == "" {
		destination = natsclient.TopicFromSubject(msg.Subject)
	}

	base := ctx
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination", destination),
			attribute.String("messaging.operation", "consume"),
			attribute.String("messaging.message.id", key),
		),
	}
	remote, ok := remoteSpanContext(msg.Header)
	if ok {
		base = trace.ContextWithRemoteSpanContext(ctx, remote)
	} else {
		// No usable producer identity: start a fresh root and mark it so
		// dropped links are queryable.
		opts = append(opts, trace.WithAttributes(attribute.Bool("messaging.orphaned", true)))
	}
	spanCtx, span := s.tracer.Start(base, destination+" consume", opts...)
	defer span.End()

	sc := contextFromHeaders(msg.Header)
	sc.ServiceName = s.cfg.ServiceName
	if sc.CorrelationID == "" {
		sc.CorrelationID = span.SpanContext().TraceID().String()
	}
	if sc.RequestID == "" {
		sc.RequestID = newRequestID()
	}

	bound := stdcontext.Bind(spanCtx, sc)
	bound = stdcontext.WithLogger(bound, s.logger, sc)

	if err := s.handler(bound, Delivery{Subject: msg.Subject, Key: key, Data: msg.Data, Headers: msg.Header}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var poison *PoisonError
		if errors.As(err, &poison) {
			stdcontext.Logger(bound).Warn("terminating poison message",
				zap.String("subject", msg.Subject), zap.Error(err))
			if err := msg.Term(); err != nil {
				s.logger.Warn("term failed", zap.Error(err))
			}
			return
		}
		stdcontext.Logger(bound).Error("message processing failed, redelivering",
			zap.String("subject", msg.Subject), zap.Error(err))
		if err := msg.Nak(); err != nil {
			s.logger.Warn("nak failed", zap.Error(err))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		s.logger.Warn("ack failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// remoteSpanContext recovers the producer's span context from broker
// headers: a valid traceparent wins, otherwise the raw fallback triple.
// ok is false when neither yields a complete identity.
func remoteSpanContext(h nats.Header) (trace.SpanContext, bool) {
	if tp := h.Get(stdcontext.HeaderTraceparent); stdcontext.ValidTraceparent(tp) {
		traceHex, spanHex, flagHex := stdcontext.SplitTraceparent(tp)
		return buildRemote(traceHex, spanHex, flagHex)
	}

	traceHex := h.Get(stdcontext.HeaderFallbackTraceID)
	spanHex := h.Get(stdcontext.HeaderFallbackSpanID)
	if !stdcontext.ValidTraceID(traceHex) || !stdcontext.ValidSpanID(spanHex) {
		return trace.SpanContext{}, false
	}
	flagHex := h.Get(stdcontext.HeaderFallbackTraceFlags)
	if !stdcontext.ValidTraceFlags(flagHex) {
		flagHex = "01"
	}
	return buildRemote(strings.ToLower(traceHex), strings.ToLower(spanHex), strings.ToLower(flagHex))
}

func buildRemote(traceHex, spanHex, flagHex string) (trace.SpanContext, bool) {
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanID, err := trace.SpanIDFromHex(spanHex)
	if err != nil {
		return trace.SpanContext{}, false
	}
	flags, err := hex.DecodeString(flagHex)
	if err != nil || len(flags) != 1 {
		return trace.SpanContext{}, false
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.TraceFlags(flags[0]),
		Remote:     true,
	})
	return sc, sc.IsValid()
}

// contextFromHeaders rebuilds the business context from broker headers.
// Broker header names are byte-exact, so lookups go straight against the
// nats.Header map instead of through the canonicalizing http.Header codec.
// The producer's service name lands in OriginService; ServiceName is for
// the consuming service to fill in.
func contextFromHeaders(h nats.Header) stdcontext.Context {
	sc := stdcontext.New()
	get := func(key string) string {
		v := strings.TrimSpace(h.Get(key))
		if len(v) > stdcontext.MaxFieldBytes {
			return ""
		}
		return v
	}
	if v := get(stdcontext.HeaderTenantID); v != "" {
		sc.TenantID = v
	}
	if v := get(stdcontext.HeaderUserID); v != "" {
		sc.UserID = v
	}
	if v := get(stdcontext.HeaderRequestID); v != "" {
		sc.RequestID = v
	}
	if v := get(stdcontext.HeaderServiceName); v != "" {
		sc.OriginService = v
	}
	if v := get(stdcontext.HeaderTransactionType); v != "" {
		sc.TransactionType = v
	}
	return sc
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
