package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects published and consumed by vex.
const (
	SubjectReportSubmitted     = "vex.report.submitted"
	SubjectFindingMarkedFixed  = "vex.finding.marked_fixed"
	SubjectFindingVerified     = "vex.finding.verified"
	SubjectFindingReopened     = "vex.finding.reopened"
	SubjectFindingInconclusive = "vex.finding.inconclusive"
	SubjectSessionResolved     = "vex.session.resolved"
)

// FindingEvent is emitted on every triage transition of a finding.
type FindingEvent struct {
	SessionID  string `json:"session_id"`
	FindingID  string `json:"finding_id"`
	Signature  string `json:"signature"`
	Category   string `json:"category"`
	Status     string `json:"status"`
	Location   string `json:"location"`
	RetryCount int    `json:"retry_count"`
	Reason     string `json:"reason,omitempty"` // set for inconclusive re-verification
}

// SessionEvent is emitted when every finding of a session has been verified.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	Target    string `json:"target"`
	Findings  int    `json:"findings"`
	Retries   int    `json:"retries"`
}

// ReportSubmitted carries a raw checker report from a remote producer (a CI
// job, another host running the program). With FindingID set the report is a
// re-verification of that finding; otherwise its findings are ingested.
type ReportSubmitted struct {
	SessionID string `json:"session_id,omitempty"`
	FindingID string `json:"finding_id,omitempty"`
	Report    string `json:"report"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("vex"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush(ctx context.Context) error {
	return c.conn.FlushWithContext(ctx)
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
