package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type" toml:"type" yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize" toml:"channel_buffer_size" yaml:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl" toml:"nats_url" yaml:"nats_url"`
	NATSToken         string `json:"-" toml:"nats_token" yaml:"nats_token"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" toml:"nats_max_reconnects" yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" toml:"nats_reconnect_wait" yaml:"nats_reconnect_wait"` // seconds
}

// Standard topic names for the evaluation pipeline.
const (
	TopicSubmissionIngested = "kestrel.submission.ingested"
	TopicRescoreRequested   = "kestrel.rescore.requested"
	TopicAssessmentCreated  = "kestrel.assessment.created"
	TopicAlertRaised        = "kestrel.alert.raised"
)

// RescoreRequest asks the worker to evaluate a stored submission again.
type RescoreRequest struct {
	SubmissionID string `json:"submissionId"`
	// AssessmentID, when set, pins the threshold versions recorded on that assessment.
	AssessmentID string `json:"assessmentId,omitempty"`
	RequestedBy  string `json:"requestedBy,omitempty"`
}

// Alert is published for high and critical assessments.
type Alert struct {
	AssessmentID   string   `json:"assessmentId"`
	SubmissionID   string   `json:"submissionId"`
	EnumeratorID   string   `json:"enumeratorId"`
	Severity       Severity `json:"severity"`
	CompositeScore float64  `json:"compositeScore"`
	Reasons        []string `json:"reasons,omitempty"`
}
