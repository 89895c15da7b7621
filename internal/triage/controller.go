package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/vex/internal/explain"
	"github.com/MikeSquared-Agency/vex/internal/finding"
	"github.com/MikeSquared-Agency/vex/internal/hermes"
	"github.com/MikeSquared-Agency/vex/internal/pipeline"
)

// DefaultVerifyTimeout bounds one re-verification run.
const DefaultVerifyTimeout = 60 * time.Second

// ErrNoChecker is returned (as Inconclusive) when re-verification has no checker.
var ErrNoChecker = errors.New("no re-verification checker configured")

// Analyzer turns raw checker output into findings.
type Analyzer interface {
	Analyze(raw string) (*pipeline.Analysis, error)
}

// Checker re-runs the dynamic checker against target and returns its raw report.
type Checker interface {
	Run(ctx context.Context, target string) (string, error)
}

// Explainer produces diagnosis/resolution text for a finding.
type Explainer interface {
	Explain(ctx context.Context, f finding.Finding) (finding.Explanation, error)
}

// Publisher emits triage events.
type Publisher interface {
	Publish(subject string, data any) error
}

// Outcome is the result of one re-verification.
type Outcome int

const (
	// OutcomeInconclusive: the check could not run or was refused; nothing changed.
	OutcomeInconclusive Outcome = iota
	OutcomeVerified
	OutcomeReopened
)

func (o Outcome) String() string {
	switch o {
	case OutcomeVerified:
		return "verified"
	case OutcomeReopened:
		return "reopened"
	default:
		return "inconclusive"
	}
}

// Controller is the only way to mutate a Session. Its methods are safe for
// concurrent use; the lock is never held across checker or explainer calls.
type Controller struct {
	mu      sync.Mutex
	session *Session

	analyzer      Analyzer
	checker       Checker
	explainer     Explainer
	publisher     Publisher
	verifyTimeout time.Duration
	logger        *slog.Logger
}

type Option func(*Controller)

func WithChecker(c Checker) Option { return func(ctl *Controller) { ctl.checker = c } }

func WithExplainer(e Explainer) Option { return func(ctl *Controller) { ctl.explainer = e } }

func WithPublisher(p Publisher) Option { return func(ctl *Controller) { ctl.publisher = p } }

// WithVerifyTimeout bounds each checker run; non-positive values keep the default.
func WithVerifyTimeout(d time.Duration) Option {
	return func(ctl *Controller) {
		if d > 0 {
			ctl.verifyTimeout = d
		}
	}
}

func NewController(session *Session, analyzer Analyzer, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		session:       session,
		analyzer:      analyzer,
		verifyTimeout: DefaultVerifyTimeout,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.session.settle()
	return c
}

// SessionID identifies the controlled session.
func (c *Controller) SessionID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.ID
}

// Ingest analyzes raw and inserts its findings. It returns how many findings
// were new to the session.
func (c *Controller) Ingest(raw string) (int, error) {
	a, err := c.analyzer.Analyze(raw)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	added := c.session.Insert(a.Findings)
	c.session.settle()
	sessionID := c.session.ID
	c.mu.Unlock()

	c.logger.Info("report ingested", "session_id", sessionID, "findings", len(a.Findings), "new", added)
	return added, nil
}

// Current returns the finding under the cursor; ok is false once the cursor is
// parked past the last finding.
func (c *Controller) Current() (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked()
}

func (c *Controller) currentLocked() (View, bool) {
	s := c.session
	if s.cursor >= len(s.findings) {
		return View{}, false
	}
	return newView(s.cursor, s.findings[s.cursor]), true
}

// Advance moves to the next Unresolved finding. When none remains the cursor
// parks at the end and ok is false; calling it again is a no-op.
func (c *Controller) Advance() (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.advance()
	return c.currentLocked()
}

// Views returns every finding in first-seen order.
func (c *Controller) Views() []View {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]View, len(c.session.findings))
	for i, f := range c.session.findings {
		out[i] = newView(i, f)
	}
	return out
}

// Get returns one finding by ID.
func (c *Controller) Get(id uuid.UUID) (View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.session.findings {
		if f.ID == id {
			return newView(i, f), nil
		}
	}
	return View{}, fmt.Errorf("%s: %w", id, ErrFindingNotFound)
}

func (c *Controller) Counts() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Counts()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State()
}

// Snapshot returns the persistable session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Snapshot()
}

// MarkFixed moves an Unresolved finding to MarkedFixed.
func (c *Controller) MarkFixed(id uuid.UUID) (View, error) {
	c.mu.Lock()
	f, err := c.session.lookup(id)
	if err != nil {
		c.mu.Unlock()
		return View{}, err
	}
	if f.Status != finding.StatusUnresolved {
		c.mu.Unlock()
		return View{}, &TransitionError{ID: id, Op: "mark fixed", From: f.Status}
	}
	f.Status = finding.StatusMarkedFixed
	c.session.touch()
	evt := c.eventLocked(f, "")
	v := newView(c.session.indexOf(f), f)
	c.mu.Unlock()

	c.publish(hermes.SubjectFindingMarkedFixed, evt)
	return v, nil
}

// Reverify re-runs the checker for a MarkedFixed finding and applies the fresh
// report. Checker failure or timeout yields OutcomeInconclusive with the cause
// and leaves the session untouched.
func (c *Controller) Reverify(ctx context.Context, id uuid.UUID) (Outcome, error) {
	c.mu.Lock()
	f, err := c.session.lookup(id)
	if err == nil && f.Status != finding.StatusMarkedFixed {
		err = &TransitionError{ID: id, Op: "reverify", From: f.Status}
	}
	target := c.session.Target
	c.mu.Unlock()
	if err != nil {
		return OutcomeInconclusive, err
	}

	a, err := c.check(ctx, target)
	if err != nil {
		c.inconclusive([]uuid.UUID{id}, err)
		return OutcomeInconclusive, err
	}
	return c.apply(id, a.Signatures())
}

// ApplyReport applies an already captured fresh report to a MarkedFixed
// finding: Reopened when its signature is still present, Verified otherwise.
func (c *Controller) ApplyReport(id uuid.UUID, raw string) (Outcome, error) {
	a, err := c.analyzer.Analyze(raw)
	if err != nil {
		return OutcomeInconclusive, fmt.Errorf("analyze fresh report: %w", err)
	}
	return c.apply(id, a.Signatures())
}

// ReverifyAll runs the checker once and applies the result to every
// MarkedFixed finding.
func (c *Controller) ReverifyAll(ctx context.Context) (map[uuid.UUID]Outcome, error) {
	c.mu.Lock()
	var ids []uuid.UUID
	for _, f := range c.session.findings {
		if f.Status == finding.StatusMarkedFixed {
			ids = append(ids, f.ID)
		}
	}
	target := c.session.Target
	c.mu.Unlock()

	out := make(map[uuid.UUID]Outcome, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	a, err := c.check(ctx, target)
	if err != nil {
		c.inconclusive(ids, err)
		for _, id := range ids {
			out[id] = OutcomeInconclusive
		}
		return out, err
	}

	sigs := a.Signatures()
	for _, id := range ids {
		o, err := c.apply(id, sigs)
		if err != nil {
			c.logger.Warn("re-verification not applied", "finding_id", id, "error", err)
		}
		out[id] = o
	}
	return out, nil
}

func (c *Controller) check(ctx context.Context, target string) (*pipeline.Analysis, error) {
	if c.checker == nil {
		return nil, ErrNoChecker
	}
	ctx, cancel := context.WithTimeout(ctx, c.verifyTimeout)
	defer cancel()

	start := time.Now()
	raw, err := c.checker.Run(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("run checker: %w", err)
	}
	a, err := c.analyzer.Analyze(raw)
	if err != nil {
		return nil, fmt.Errorf("analyze checker output: %w", err)
	}
	c.logger.Info("checker run complete", "target", target, "findings", len(a.Findings), "duration", time.Since(start))
	return a, nil
}

func (c *Controller) apply(id uuid.UUID, present map[string]bool) (Outcome, error) {
	c.mu.Lock()
	f, err := c.session.lookup(id)
	if err != nil {
		c.mu.Unlock()
		return OutcomeInconclusive, err
	}
	if f.Status != finding.StatusMarkedFixed {
		c.mu.Unlock()
		return OutcomeInconclusive, &TransitionError{ID: id, Op: "reverify", From: f.Status}
	}

	outcome, subject := OutcomeVerified, hermes.SubjectFindingVerified
	if present[f.Signature.Key()] {
		f.Status = finding.StatusUnresolved
		f.RetryCount++
		outcome, subject = OutcomeReopened, hermes.SubjectFindingReopened
	} else {
		f.Status = finding.StatusVerified
	}
	c.session.touch()
	evt := c.eventLocked(f, "")
	resolved := c.session.State() == StateAllResolved
	sessEvt := hermes.SessionEvent{
		SessionID: c.session.ID.String(),
		Target:    c.session.Target,
		Findings:  len(c.session.findings),
		Retries:   c.session.Counts().Retries,
	}
	c.mu.Unlock()

	c.logger.Info("finding re-verified", "finding_id", id, "outcome", outcome.String(), "retry_count", evt.RetryCount)
	c.publish(subject, evt)
	if resolved {
		c.logger.Info("all findings verified", "session_id", sessEvt.SessionID)
		c.publish(hermes.SubjectSessionResolved, sessEvt)
	}
	return outcome, nil
}

func (c *Controller) inconclusive(ids []uuid.UUID, cause error) {
	c.logger.Warn("re-verification inconclusive", "findings", len(ids), "error", cause)
	c.mu.Lock()
	var events []hermes.FindingEvent
	for _, id := range ids {
		if f, err := c.session.lookup(id); err == nil {
			events = append(events, c.eventLocked(f, cause.Error()))
		}
	}
	c.mu.Unlock()
	for _, evt := range events {
		c.publish(hermes.SubjectFindingInconclusive, evt)
	}
}

// Explain asks the explainer about a finding and caches the answer on it.
// Without an explainer the answer is the Unknown fallback.
func (c *Controller) Explain(ctx context.Context, id uuid.UUID) (finding.Explanation, error) {
	explainer := c.explainer
	if explainer == nil {
		explainer = explain.WithFallback(nil, 0, c.logger)
	}
	c.mu.Lock()
	f, err := c.session.lookup(id)
	var snapshot finding.Finding
	if err == nil {
		snapshot = *f.Clone()
	}
	c.mu.Unlock()
	if err != nil {
		return finding.Explanation{}, err
	}

	exp, err := explainer.Explain(ctx, snapshot)
	if err != nil {
		return finding.Explanation{}, fmt.Errorf("explain %s: %w", id, err)
	}

	c.mu.Lock()
	if f, err := c.session.lookup(id); err == nil {
		f.Explanation = &exp
		if exp.Fallback {
			f.AddIssue(finding.IssueExplain, "explanation provider unavailable")
		}
		c.session.touch()
	}
	c.mu.Unlock()
	return exp, nil
}

func (c *Controller) eventLocked(f *finding.Finding, reason string) hermes.FindingEvent {
	return hermes.FindingEvent{
		SessionID:  c.session.ID.String(),
		FindingID:  f.ID.String(),
		Signature:  f.Signature.Key(),
		Category:   f.Category.String(),
		Status:     f.Status.String(),
		Location:   f.Location(),
		RetryCount: f.RetryCount,
		Reason:     reason,
	}
}

func (c *Controller) publish(subject string, evt any) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(subject, evt); err != nil {
		c.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}
