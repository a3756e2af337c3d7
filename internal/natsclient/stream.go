package natsclient

import (
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamDomainEvents is the durable stream capturing every projected
	// outbox event.
	StreamDomainEvents = "DOMAIN_EVENTS"
	// SubjectEvents is the wildcard subject hierarchy under that stream.
	SubjectEvents = "events.>"
)

// ProvisionStreams idempotently creates the required JetStream streams.
func (c *Client) ProvisionStreams() error {
	_, err := c.JS.StreamInfo(StreamDomainEvents)
	if err == nil {
		c.Log.Info("NATS stream exists", zap.String("stream", StreamDomainEvents))
		return nil
	}

	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to check stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamDomainEvents,
		Subjects:  []string{SubjectEvents},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}

	_, err = c.JS.AddStream(cfg)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	c.Log.Info("NATS stream provisioned", zap.String("stream", StreamDomainEvents))
	return nil
}

// EventSubject builds the subject events.<topic>.<key>. Messages for one
// aggregate share a subject, and JetStream delivers a subject in order, so
// the key preserves per-aggregate ordering the way a partition key would.
// Key is the aggregate id; both tokens are sanitized for the subject
// grammar.
func EventSubject(topic, key string) string {
	return fmt.Sprintf("events.%s.%s", token(topic), token(key))
}

// KeyFromSubject recovers the ordering key (the aggregate id) from a
// subject built by EventSubject.
func KeyFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	return parts[len(parts)-1]
}

// TopicFromSubject recovers the topic token from a subject built by
// EventSubject. Returns "" for subjects outside the events hierarchy.
func TopicFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "events" {
		return ""
	}
	return parts[1]
}

// ConsumerFilter returns the filter subject delivering every event for one
// topic regardless of key.
func ConsumerFilter(topic string) string {
	return fmt.Sprintf("events.%s.>", token(topic))
}

var tokenSanitizer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func token(s string) string {
	if s == "" {
		return "_"
	}
	return tokenSanitizer.Replace(s)
}
