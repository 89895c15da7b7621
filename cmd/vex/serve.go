package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/vex/internal/api"
	"github.com/MikeSquared-Agency/vex/internal/hermes"
	"github.com/MikeSquared-Agency/vex/internal/store"
	"github.com/MikeSquared-Agency/vex/internal/triage"
)

var (
	serveTarget string
	serveResume bool
)

func init() {
	serveCmd.Flags().StringVar(&serveTarget, "target", "", "program to re-run under valgrind (overrides config)")
	serveCmd.Flags().BoolVar(&serveResume, "resume", false, "serve the latest unfinished session for the target")
}

var serveCmd = &cobra.Command{
	Use:   "serve [report]",
	Short: "Serve a triage session over HTTP and NATS",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		target := cfg.Target
		if serveTarget != "" {
			target = serveTarget
		}

		st, closeStore, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		pub, err := connectHermes(ctx)
		if err != nil {
			return err
		}
		if pub != nil {
			defer pub.Close()
		}

		sess, err := loadSession(ctx, st, target, serveResume)
		if err != nil {
			return err
		}
		ctrl := newController(sess, newChecker(), pub)
		if len(args) == 1 {
			raw, err := readReport(args[0])
			if err != nil {
				return err
			}
			if _, err := ctrl.Ingest(raw); err != nil {
				return err
			}
		}
		if err := st.Save(ctx, ctrl.Snapshot()); err != nil {
			return fmt.Errorf("save session: %w", err)
		}

		if pub != nil {
			h := &reportHandler{ctrl: ctrl, store: st}
			if err := pub.Subscribe(hermes.SubjectReportSubmitted, h.handle); err != nil {
				return fmt.Errorf("subscribe to report submissions: %w", err)
			}
		}

		srv := api.NewServer(cfg.Port, cfg.APIToken, ctrl, st, logger)
		logger.Info("vex ready", "port", cfg.Port, "session_id", ctrl.SessionID(), "target", target)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Start(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down")
			return st.Save(context.WithoutCancel(gctx), ctrl.Snapshot())
		})
		return g.Wait()
	},
}

// reportHandler applies reports submitted over NATS to the served session.
type reportHandler struct {
	ctrl  *triage.Controller
	store store.Store
}

func (h *reportHandler) handle(subject string, data []byte) {
	var msg hermes.ReportSubmitted
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Error("failed to unmarshal report submission", "subject", subject, "error", err)
		return
	}
	if msg.SessionID != "" && msg.SessionID != h.ctrl.SessionID().String() {
		logger.Debug("report for another session, ignoring", "session_id", msg.SessionID)
		return
	}
	if err := h.apply(msg); err != nil {
		logger.Warn("report submission not applied", "finding_id", msg.FindingID, "error", err)
		return
	}
	if err := h.store.Save(context.Background(), h.ctrl.Snapshot()); err != nil {
		logger.Warn("failed to save session", "error", err)
	}
}

func (h *reportHandler) apply(msg hermes.ReportSubmitted) error {
	if msg.FindingID == "" {
		added, err := h.ctrl.Ingest(msg.Report)
		if err != nil {
			return err
		}
		logger.Info("submitted report ingested", "new_findings", added)
		return nil
	}
	id, err := uuid.Parse(msg.FindingID)
	if err != nil {
		return fmt.Errorf("parse finding id: %w", err)
	}
	o, err := h.ctrl.ApplyReport(id, msg.Report)
	if err != nil {
		return err
	}
	if o == triage.OutcomeInconclusive {
		return errors.New("report was inconclusive")
	}
	logger.Info("submitted report applied", "finding_id", id, "outcome", o.String())
	return nil
}
