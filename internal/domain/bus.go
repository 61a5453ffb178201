package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require a portfolioID for strict isolation between studies.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, portfolioID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, portfolioID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, portfolioID string, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID          string            `json:"id"`
	PortfolioID string            `json:"portfolioId"`
	Topic       string            `json:"topic"`
	Payload     []byte            `json:"payload"`
	Metadata    map[string]string `json:"metadata"`
	Timestamp   int64             `json:"timestamp"`
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
	Type string `yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `yaml:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `yaml:"natsUrl"`
	NATSToken         string `yaml:"natsToken"`
	NATSMaxReconnects int    `yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `yaml:"natsReconnectWait"` // seconds
}

// Standard topic names for the explanation pipeline.
const (
	TopicRecordIngested      = "heron.record.ingested"
	TopicBundleAssembled     = "heron.bundle.assembled"
	TopicBundleDelivered     = "heron.bundle.delivered"
	TopicComplianceRejected  = "heron.compliance.rejected"
	TopicRegistryReloaded    = "heron.registry.reloaded"
	TopicCalibrationReloaded = "heron.calibration.reloaded"
)
