package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mbd888/geoanomaly/internal/metrics"
	"github.com/mbd888/geoanomaly/internal/risk"
)

// publisher is the subset of *nats.Conn used to publish.
type publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS dials url with reconnect handling.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	options := []nats.Option{
		nats.Name("geoanomaly"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats connection closed")
		}),
	}

	nc, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to NATS: %w", err)
	}
	return nc, nil
}

// AnomalyPublisher publishes flagged assessments as JSON on a NATS subject.
// It satisfies detector.Notifier.
type AnomalyPublisher struct {
	conn    publisher
	subject string
}

// NewAnomalyPublisher creates a publisher for subject.
func NewAnomalyPublisher(conn publisher, subject string) *AnomalyPublisher {
	return &AnomalyPublisher{conn: conn, subject: subject}
}

// Notify publishes a, if it is an anomaly.
func (p *AnomalyPublisher) Notify(_ context.Context, a *risk.Assessment) error {
	if !a.IsAnomaly {
		return nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode assessment: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		metrics.StreamMessagesTotal.WithLabelValues("nats", "failed").Inc()
		return fmt.Errorf("failed to publish anomaly: %w", err)
	}
	metrics.StreamMessagesTotal.WithLabelValues("nats", "published").Inc()
	return nil
}
