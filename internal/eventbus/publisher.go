// Package eventbus publishes audit and usage events to NATS. Publishing is
// fire-and-forget: downstream consumers (billing, audit trail) must never be
// able to fail a request or a generation.
package eventbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	streamName   = "MINICHAT_EVENTS"
	auditSubject = "minichat.audit"
	usageSubject = "minichat.usage"
)

// Publisher emits domain events onto NATS JetStream.
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// Connect dials NATS and provisions the durable event stream.
func Connect(natsURL string, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	// Idempotent: AddStream succeeds if the stream already exists with the
	// same config.
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{"minichat.>"},
	}); err != nil {
		nc.Close()
		return nil, err
	}

	return &Publisher{nc: nc, js: js, logger: logger}, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		p.nc.Close()
	}
}

// PublishAudit records a user-visible action. Failures are logged, never
// returned.
func (p *Publisher) PublishAudit(userID uuid.UUID, action string, metadata map[string]string) {
	payload := map[string]interface{}{
		"type":     "audit_event",
		"userId":   userID.String(),
		"action":   action,
		"metadata": metadata,
	}
	p.publish(auditSubject, payload)
}

// PublishUsage records token usage for a succeeded generation.
func (p *Publisher) PublishUsage(userID, generationID uuid.UUID, inputTokens, outputTokens int, model string) {
	payload := map[string]interface{}{
		"type":         "usage_event",
		"userId":       userID.String(),
		"generationId": generationID.String(),
		"inputTokens":  inputTokens,
		"outputTokens": outputTokens,
		"model":        model,
	}
	p.publish(usageSubject, payload)
}

func (p *Publisher) publish(subject string, payload map[string]interface{}) {
	// A nil publisher means NATS was unavailable at startup; events are dropped.
	if p == nil || p.js == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("failed to encode event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if _, err := p.js.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
