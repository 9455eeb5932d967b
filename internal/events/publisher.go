// Package events publishes fleet events to NATS.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects, relative to the configured prefix
const (
	SubjectAgentsProvisioned = "agents.provisioned"
	SubjectVerdicts          = "verdicts"
	SubjectSweeps            = "sweeps"
)

// AgentProvisioned is emitted when a device gets its first registry entry
type AgentProvisioned struct {
	TeamID   uuid.UUID `json:"teamId"`
	AgentID  uuid.UUID `json:"agentId"`
	DeviceID string    `json:"deviceId"`
	Source   string    `json:"source"` // heartbeat or observation
}

// VerdictDecided is emitted once per observation, when its verdict is persisted
type VerdictDecided struct {
	TeamID        uuid.UUID `json:"teamId"`
	ObservationID uuid.UUID `json:"observationId"`
	State         string    `json:"state"`
	Source        string    `json:"source"`
	Reason        string    `json:"reason"`
	RiskScore     int       `json:"riskScore"`
	DecidedAt     time.Time `json:"decidedAt"`
}

// SweepCompleted is emitted after every sweep that ran
type SweepCompleted struct {
	Deactivated int64     `json:"deactivated"`
	RanAt       time.Time `json:"ranAt"`
	Trigger     string    `json:"trigger"` // schedule or agent
}

type conn interface {
	Publish(subj string, data []byte) error
	IsConnected() bool
	Drain() error
	Close()
}

// Publisher sends events over core NATS. Publishing is fire-and-forget:
// failures are logged and never returned to the caller.
// A nil Publisher, or one built without a URL, publishes nothing.
type Publisher struct {
	conn   conn
	prefix string
	logger *zap.Logger
}

// NewPublisher connects to url. An empty url yields a no-op publisher.
func NewPublisher(url, prefix string, logger *zap.Logger, opts ...nats.Option) (*Publisher, error) {
	if url == "" {
		logger.Info("event publishing disabled, NATS_URL not set")
		return &Publisher{prefix: prefix, logger: logger}, nil
	}

	opts = append([]nats.Option{
		nats.Name("fleet-control-plane"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	logger.Info("connected to nats", zap.String("url", nc.ConnectedUrl()), zap.String("prefix", prefix))
	return newPublisher(nc, prefix, logger), nil
}

func newPublisher(c conn, prefix string, logger *zap.Logger) *Publisher {
	return &Publisher{conn: c, prefix: prefix, logger: logger}
}

// Enabled reports whether events leave the process
func (p *Publisher) Enabled() bool {
	return p != nil && p.conn != nil
}

// Connected reports whether the NATS connection is currently up
func (p *Publisher) Connected() bool {
	return p.Enabled() && p.conn.IsConnected()
}

// AgentProvisioned publishes a provisioning event
func (p *Publisher) AgentProvisioned(ctx context.Context, e AgentProvisioned) {
	p.publish(ctx, SubjectAgentsProvisioned, e)
}

// VerdictDecided publishes a verdict event
func (p *Publisher) VerdictDecided(ctx context.Context, e VerdictDecided) {
	p.publish(ctx, SubjectVerdicts, e)
}

// SweepCompleted publishes a sweep event
func (p *Publisher) SweepCompleted(ctx context.Context, e SweepCompleted) {
	p.publish(ctx, SubjectSweeps, e)
}

// Subject returns the full subject for a relative one
func (p *Publisher) Subject(rel string) string {
	if p == nil || p.prefix == "" {
		return rel
	}
	return p.prefix + "." + rel
}

func (p *Publisher) publish(ctx context.Context, rel string, v any) {
	if !p.Enabled() {
		return
	}
	subject := p.Subject(rel)

	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("failed to encode event", zap.String("subject", subject), zap.Error(err))
		return
	}

	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Bool("ctx_done", ctx.Err() != nil),
			zap.Error(err))
	}
}

// Close drains pending messages and closes the connection
func (p *Publisher) Close() {
	if !p.Enabled() {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
