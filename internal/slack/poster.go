// Package slack posts triage progress to a Slack channel.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/vex/internal/hermes"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

// Poster implements the triage publisher contract. Each session gets one
// top-level message; its events are posted as thread replies.
type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string

	mu      sync.Mutex
	threads map[string]string // session ID -> thread ts
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
		threads: make(map[string]string),
	}
}

// Publish posts the events worth a human's attention: verified, reopened,
// inconclusive and session resolved. Other subjects are ignored.
func (p *Poster) Publish(subject string, data any) error {
	sessionID, text, ok := formatEvent(subject, data)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ts, err := p.thread(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, err := p.post(ctx, ts, text); err != nil {
		return err
	}
	return nil
}

func (p *Poster) thread(ctx context.Context, sessionID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ts, ok := p.threads[sessionID]; ok {
		return ts, nil
	}
	ts, err := p.post(ctx, "", fmt.Sprintf("*Leak triage session* `%s`", sessionID))
	if err != nil {
		return "", err
	}
	p.threads[sessionID] = ts
	return ts, nil
}

// post sends text to the channel, threaded under threadTS when set, and
// returns the message timestamp.
func (p *Poster) post(ctx context.Context, threadTS, text string) (string, error) {
	payload := map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
		},
	}
	if threadTS != "" {
		payload["thread_ts"] = threadTS
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}

	p.logger.Debug("posted to slack", "ts", slackResp.TS, "thread_ts", threadTS)
	return slackResp.TS, nil
}

func formatEvent(subject string, data any) (sessionID, text string, ok bool) {
	switch evt := data.(type) {
	case hermes.FindingEvent:
		var sb strings.Builder
		switch subject {
		case hermes.SubjectFindingVerified:
			fmt.Fprintf(&sb, ":white_check_mark: *Verified* %s leak at `%s`", evt.Category, evt.Location)
		case hermes.SubjectFindingReopened:
			fmt.Fprintf(&sb, ":x: *Still leaking* %s leak at `%s` (retry %d)", evt.Category, evt.Location, evt.RetryCount)
		case hermes.SubjectFindingInconclusive:
			fmt.Fprintf(&sb, ":grey_question: *Re-verification inconclusive* for `%s`", evt.Location)
			if evt.Reason != "" {
				fmt.Fprintf(&sb, "\n>%s", evt.Reason)
			}
		default:
			return "", "", false
		}
		return evt.SessionID, sb.String(), true
	case hermes.SessionEvent:
		if subject != hermes.SubjectSessionResolved {
			return "", "", false
		}
		return evt.SessionID, fmt.Sprintf(":tada: *All %d findings verified* for `%s` after %d retries",
			evt.Findings, evt.Target, evt.Retries), true
	default:
		return "", "", false
	}
}
