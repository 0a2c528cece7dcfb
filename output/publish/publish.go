// Package publish mirrors calibrated samples to a NATS subject.
//
// The mirror is optional and lossy by construction: it runs on the delivery
// goroutine after a sample has been persisted, and a publish failure is
// counted and logged but never stops acquisition.
//
// Samples are published as JSON to <subject>.ch<N>, so a subscriber can
// follow one channel with "force.samples.ch1" or both with "force.samples.>".
package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/Qininining/SignalGA/calibration"
	"github.com/Qininining/SignalGA/errors"
	"github.com/Qininining/SignalGA/pkg/retry"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "signalga.samples"

// Publisher sends one message. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config configures the NATS connection.
type Config struct {
	URL           string        `json:"url" yaml:"url"`
	Subject       string        `json:"subject" yaml:"subject"`
	ClientName    string        `json:"client_name" yaml:"client_name"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Retry         retry.Config  `json:"retry" yaml:"retry"`
}

// Enabled reports whether a URL is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// Message is the JSON payload of one mirrored sample.
type Message struct {
	RunID           string  `json:"run_id,omitempty"`
	Channel         int     `json:"channel"`
	TimestampMicros int64   `json:"ts_us"`
	AbsoluteForce   float64 `json:"absolute_force"`
	RelativeForce   float64 `json:"relative_force"`
}

// Mirror publishes samples through a Publisher.
type Mirror struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
	runID   atomic.Pointer[string]
	logger  *slog.Logger
	limiter *rate.Limiter

	published atomic.Int64
	failed    atomic.Int64
}

// NewMirror wraps an existing publisher.
func NewMirror(pub Publisher, subject string, logger *slog.Logger) *Mirror {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		pub:     pub,
		subject: subject,
		logger:  logger.With("component", "publish", "subject", subject),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Connect dials NATS and returns a mirror that owns the connection.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Mirror, error) {
	if !cfg.Enabled() {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Mirror", "Connect", "url check")
	}
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "publish")

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrlRedacted())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Debug("NATS connection closed")
		}),
	}
	if cfg.ClientName != "" {
		opts = append(opts, nats.Name(cfg.ClientName))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}

	conn, err := retry.DoWithResult(ctx, cfg.Retry, func() (*nats.Conn, error) {
		c, err := nats.Connect(cfg.URL, opts...)
		if err != nil {
			return nil, errors.WrapTransient(err, "Mirror", "Connect", "dial "+cfg.URL)
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}

	m := NewMirror(conn, cfg.Subject, logger)
	m.conn = conn
	log.Info("Sample mirror connected", "url", conn.ConnectedUrlRedacted(), "subject", m.subject)
	return m, nil
}

// SetRunID tags subsequent messages with the acquisition run.
func (m *Mirror) SetRunID(id string) {
	m.runID.Store(&id)
}

// Subject returns the subject a channel's samples are published to.
func (m *Mirror) Subject(channel int) string {
	return m.subject + ".ch" + strconv.Itoa(channel)
}

// Publish mirrors one sample. Failures are counted and rate-limited in the log.
func (m *Mirror) Publish(s calibration.Sample) error {
	msg := Message{
		Channel:         s.Channel,
		TimestampMicros: s.TimestampMicros,
		AbsoluteForce:   s.AbsoluteForce,
		RelativeForce:   s.RelativeForce,
	}
	if id := m.runID.Load(); id != nil {
		msg.RunID = *id
	}

	data, err := json.Marshal(msg)
	if err == nil {
		err = m.pub.Publish(m.Subject(s.Channel), data)
	}
	if err != nil {
		m.failed.Add(1)
		if m.limiter.Allow() {
			m.logger.Warn("Sample publish failed", "error", err, "failed_total", m.failed.Load())
		}
		return errors.WrapTransient(err, "Mirror", "Publish", "publish sample")
	}
	m.published.Add(1)
	return nil
}

// Published returns the number of samples mirrored.
func (m *Mirror) Published() int64 {
	return m.published.Load()
}

// Failed returns the number of samples that could not be mirrored.
func (m *Mirror) Failed() int64 {
	return m.failed.Load()
}

// Close flushes and closes an owned connection. A mirror built with
// NewMirror leaves its publisher alone.
func (m *Mirror) Close() error {
	if m.conn == nil {
		return nil
	}
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
		return errors.WrapTransient(err, "Mirror", "Close", "drain connection")
	}
	return nil
}
