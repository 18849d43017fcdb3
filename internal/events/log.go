package events

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// LogPublisher writes events to the process log. It is the default sink when
// neither Kafka nor Redis is configured.
type LogPublisher struct{}

// NewLogPublisher constructs a LogPublisher.
func NewLogPublisher() *LogPublisher { return &LogPublisher{} }

// Publish logs the event at info level.
func (p *LogPublisher) Publish(_ context.Context, eventType, key string, payload []byte) error {
	log.WithFields(log.Fields{
		"event_type": eventType,
		"key":        key,
	}).Info(string(payload))
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }
