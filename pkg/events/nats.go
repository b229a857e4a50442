package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/3leaps/jobkernel/pkg/lifecycle"
)

// ErrNotConnected is returned by CheckHealth while the connection is down.
var ErrNotConnected = errors.New("nats connection is not established")

// natsConn is the subset of *nats.Conn used by NATSPublisher.
type natsConn interface {
	Publish(subj string, data []byte) error
	IsConnected() bool
	Drain() error
}

// NATSPublisher publishes JSON messages on "<prefix>.<to-state>".
type NATSPublisher struct {
	conn   natsConn
	prefix string
	logger *zap.Logger
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher connects to url. Reconnects are handled by the client;
// messages published while disconnected are buffered by nats.go.
func NewNATSPublisher(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := nats.Connect(url,
		nats.Name("jobkernel"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	return newNATSPublisher(nc, prefix, logger), nil
}

func newNATSPublisher(conn natsConn, prefix string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

func (p *NATSPublisher) Publish(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	subject := Subject(p.prefix, lifecycle.State(msg.To))
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("Published lifecycle event",
		zap.String("subject", subject),
		zap.String("job_id", msg.JobID))
	return nil
}

// CheckHealth reports whether the connection is up.
func (p *NATSPublisher) CheckHealth(_ context.Context) error {
	if !p.conn.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
