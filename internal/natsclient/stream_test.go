package natsclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventSubject(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		key   string
		want  string
	}{
		{
			name:  "uuid key",
			topic: "link-events",
			key:   "0190b543-9a2e-7cc0-b8f3-9e61b1c00001",
			want:  "events.link-events.0190b543-9a2e-7cc0-b8f3-9e61b1c00001",
		},
		{
			name:  "dots and wildcards sanitized",
			topic: "link.events",
			key:   "agg>*id",
			want:  "events.link_events.agg__id",
		},
		{
			name:  "empty key still yields a token",
			topic: "link-events",
			key:   "",
			want:  "events.link-events._",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := EventSubject(tc.topic, tc.key)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestKeyFromSubject(t *testing.T) {
	subject := EventSubject("link-events", "agg-1")
	assert.Equal(t, "agg-1", KeyFromSubject(subject))
}

func TestConsumerFilter(t *testing.T) {
	assert.Equal(t, "events.link-events.>", ConsumerFilter("link-events"))
}

func TestSameKeySameSubject(t *testing.T) {
	// Per-aggregate ordering holds only if equal keys map to equal subjects.
	a := EventSubject("link-events", "agg-1")
	b := EventSubject("link-events", "agg-1")
	c := EventSubject("link-events", "agg-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
