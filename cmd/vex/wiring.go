package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/MikeSquared-Agency/vex/internal/anthropic"
	"github.com/MikeSquared-Agency/vex/internal/explain"
	"github.com/MikeSquared-Agency/vex/internal/hermes"
	"github.com/MikeSquared-Agency/vex/internal/locator"
	"github.com/MikeSquared-Agency/vex/internal/pipeline"
	"github.com/MikeSquared-Agency/vex/internal/slack"
	"github.com/MikeSquared-Agency/vex/internal/store"
	"github.com/MikeSquared-Agency/vex/internal/triage"
	"github.com/MikeSquared-Agency/vex/internal/verify"
)

func newAnalyzer() *pipeline.Analyzer {
	loc := locator.New(os.DirFS(cfg.SourceRoot),
		locator.WithRadius(cfg.ExcerptRadius),
		locator.WithLookback(cfg.Lookback),
	)
	return pipeline.New(loc, logger)
}

// newExplainer always succeeds; without an API key every explanation is the
// Unknown fallback.
func newExplainer() *explain.Fallback {
	if cfg.AnthropicAPIKey == "" {
		logger.Debug("ANTHROPIC_API_KEY not set, explanations disabled")
		return explain.WithFallback(nil, cfg.ExplainTimeout, logger)
	}
	llm := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	logger.Info("anthropic client ready", "model", cfg.AnthropicModel)
	return explain.WithFallback(explain.NewLLM(llm, logger), cfg.ExplainTimeout, logger)
}

// openStore prefers Postgres when DATABASE_URL is set. The returned func
// releases the store.
func openStore(ctx context.Context) (store.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPG(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("database connected")
		return pg, pg.Close, nil
	}
	fs, err := store.NewFileStore(cfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("using file store", "dir", fs.Dir())
	return fs, func() {}, nil
}

// connectHermes returns nil when NATS is not configured.
func connectHermes(ctx context.Context) (*hermes.Client, error) {
	if cfg.NatsURL == "" {
		return nil, nil
	}
	c, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	logger.Info("NATS connected", "url", cfg.NatsURL)
	return c, nil
}

// loadSession resumes the latest unfinished session for target when resume
// is set, otherwise starts a new one.
func loadSession(ctx context.Context, st store.Store, target string, resume bool) (*triage.Session, error) {
	if !resume {
		return triage.NewSession(target), nil
	}
	snap, err := store.Latest(ctx, st, target)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("no session to resume, starting a new one", "target", target)
		return triage.NewSession(target), nil
	}
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}
	sess, err := triage.Restore(snap)
	if err != nil {
		return nil, err
	}
	logger.Info("session resumed", "session_id", sess.ID, "findings", sess.Len())
	return sess, nil
}

func newChecker() *verify.Valgrind {
	return verify.NewValgrind(cfg.Valgrind, cfg.Build, logger)
}

// publishers fans triage events out to every configured sink.
type publishers []triage.Publisher

func (ps publishers) Publish(subject string, data any) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(subject, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newController wires the checker, explainer and event sinks around sess.
// hub may be nil.
func newController(sess *triage.Session, checker verify.Checker, hub *hermes.Client) *triage.Controller {
	opts := []triage.Option{
		triage.WithChecker(checker),
		triage.WithExplainer(newExplainer()),
		triage.WithVerifyTimeout(cfg.VerifyTimeout),
	}
	var sinks publishers
	if hub != nil {
		sinks = append(sinks, hub)
	}
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		sinks = append(sinks, slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, logger))
		logger.Info("slack notifications enabled", "channel", cfg.SlackChannel)
	}
	if len(sinks) > 0 {
		opts = append(opts, triage.WithPublisher(sinks))
	}
	return triage.NewController(sess, newAnalyzer(), logger, opts...)
}

func readReport(path string) (string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read report from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read report: %w", err)
	}
	return string(data), nil
}
