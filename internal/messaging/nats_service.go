package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-gemini/internal/config"
	"github.com/loqalabs/loqa-gemini/internal/events"
	"github.com/loqalabs/loqa-gemini/internal/logging"
)

// Publisher sends raw messages to a subject
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSService handles NATS messaging for the Gemini service
type NATSService struct {
	conn *nats.Conn
	cfg  config.NATSConfig
}

// NewNATSService creates a new NATS service instance
func NewNATSService(cfg config.NATSConfig) (*NATSService, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	return &NATSService{cfg: cfg}, nil
}

// Connect establishes connection to NATS server
func (ns *NATSService) Connect() error {
	logging.LogNATSEvent(ns.cfg.URL, "connecting")

	opts := []nats.Option{
		nats.Name("loqa-gemini"),
		nats.ReconnectWait(ns.cfg.ReconnectWait),
		nats.MaxReconnects(ns.cfg.MaxReconnect),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.LogWarn("⚠️  NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(nc.ConnectedUrl(), "reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.LogNATSEvent(ns.cfg.URL, "closed")
		}),
	}

	conn, err := nats.Connect(ns.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	ns.conn = conn
	logging.LogNATSEvent(conn.ConnectedUrl(), "connected")
	return nil
}

// Publish sends data to subject
func (ns *NATSService) Publish(subject string, data []byte) error {
	if ns.conn == nil {
		return fmt.Errorf("NATS connection not established")
	}
	if err := ns.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribeToEvents delivers events published under the configured prefix
func (ns *NATSService) SubscribeToEvents(handler func(*events.Event)) (*nats.Subscription, error) {
	if ns.conn == nil {
		return nil, fmt.Errorf("NATS connection not established")
	}

	subject := ns.cfg.SubjectPrefix + ".>"
	return ns.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event events.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logging.LogError(err, "Failed to decode event", zap.String("subject", msg.Subject))
			return
		}
		handler(&event)
	})
}

// Flush waits until published messages reached the server
func (ns *NATSService) Flush(timeout time.Duration) error {
	if ns.conn == nil {
		return nil
	}
	return ns.conn.FlushTimeout(timeout)
}

// Close drains and closes the NATS connection
func (ns *NATSService) Close() {
	if ns.conn != nil {
		if err := ns.conn.Drain(); err != nil {
			ns.conn.Close()
		}
	}
}

// IsConnected returns true if connected to NATS
func (ns *NATSService) IsConnected() bool {
	return ns.conn != nil && ns.conn.IsConnected()
}

// GetStats returns connection statistics
func (ns *NATSService) GetStats() nats.Statistics {
	if ns.conn != nil {
		return ns.conn.Stats()
	}
	return nats.Statistics{}
}
