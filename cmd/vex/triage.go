package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/vex/internal/store"
	"github.com/MikeSquared-Agency/vex/internal/triage"
)

var (
	triageTarget string
	triageResume bool
)

func init() {
	triageCmd.Flags().StringVar(&triageTarget, "target", "", "program to re-run under valgrind (overrides config)")
	triageCmd.Flags().BoolVar(&triageResume, "resume", false, "continue the latest unfinished session for the target")
}

var triageCmd = &cobra.Command{
	Use:   "triage [report]",
	Short: "Walk through leaks one at a time, fixing and re-verifying them",
	Long: `Triage starts from a saved report, or runs valgrind on the target when no
report is given, and then presents one finding at a time. Commands:
  n/next  f/fixed  v/verify  e/explain  s/skip  q/quit`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		target := cfg.Target
		if triageTarget != "" {
			target = triageTarget
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

		sess, err := loadSession(ctx, st, target, triageResume)
		if err != nil {
			return err
		}
		checker := newChecker()
		ctrl := newController(sess, checker, pub)
		out := cmd.OutOrStdout()

		switch {
		case len(args) == 1:
			if args[0] == "-" {
				return errors.New("interactive triage reads commands from stdin; pass the report as a file")
			}
			raw, err := readReport(args[0])
			if err != nil {
				return err
			}
			if _, err := ctrl.Ingest(raw); err != nil {
				return err
			}
		case sess.Len() == 0:
			if target == "" {
				return errors.New("no report given and no target configured")
			}
			fmt.Fprintf(out, "running valgrind on %s\n", target)
			runCtx, cancel := context.WithTimeout(ctx, cfg.VerifyTimeout)
			raw, err := checker.Run(runCtx, target)
			cancel()
			if err != nil {
				return err
			}
			if _, err := ctrl.Ingest(raw); err != nil {
				return err
			}
		}

		r := &runner{
			ctrl:      ctrl,
			store:     st,
			in:        lines(cmd.InOrStdin()),
			out:       out,
			canVerify: target != "",
		}
		return r.run(ctx)
	},
}

// lines feeds input lines to a channel so the loop can also watch for
// cancellation. The reader goroutine ends with the input.
func lines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

type runner struct {
	ctrl      *triage.Controller
	store     store.Store
	in        <-chan string
	out       io.Writer
	canVerify bool
}

const helpText = "commands: [n]ext  [f]ixed  [v]erify  [e]xplain  [s]kip  [q]uit"

// run drives the interactive loop. Cancelling ctx ends the loop; the session
// is saved either way.
func (r *runner) run(ctx context.Context) error {
	defer r.save(context.WithoutCancel(ctx))

	total := r.ctrl.Counts().Total
	if total == 0 {
		fmt.Fprintln(r.out, statusColors["verified"].Sprint("No leaks found."))
		return nil
	}
	printCounts(r.out, r.ctrl.Counts())

	for {
		if r.ctrl.State() == triage.StateAllResolved {
			fmt.Fprintln(r.out, statusColors["verified"].Sprint("\nAll findings verified."))
			printCounts(r.out, r.ctrl.Counts())
			return nil
		}

		v, ok := r.ctrl.Current()
		if ok {
			printView(r.out, v, total)
		} else {
			fmt.Fprintln(r.out, "\nNo unresolved findings left. [v]erify marked-fixed findings or [q]uit.")
		}
		fmt.Fprint(r.out, "> ")

		var input string
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out, "\ninterrupted; session saved")
			return nil
		case line, open := <-r.in:
			if !open {
				fmt.Fprintln(r.out)
				return nil
			}
			input = line
		}

		switch triage.ParseCommand(input) {
		case triage.CommandNext, triage.CommandSkip:
			r.ctrl.Advance()
			r.save(ctx)
		case triage.CommandFixed:
			if !ok {
				fmt.Fprintln(r.out, "nothing to mark")
				continue
			}
			r.markFixed(ctx, v.ID)
		case triage.CommandVerify:
			r.verifyAll(ctx)
		case triage.CommandExplain:
			if !ok {
				continue
			}
			if _, err := r.ctrl.Explain(ctx, v.ID); err != nil {
				fmt.Fprintln(r.out, color.RedString("explain: %v", err))
			}
			r.save(ctx)
		case triage.CommandQuit:
			return nil
		default:
			fmt.Fprintln(r.out, helpText)
		}
	}
}

func (r *runner) markFixed(ctx context.Context, id uuid.UUID) {
	if _, err := r.ctrl.MarkFixed(id); err != nil {
		fmt.Fprintln(r.out, color.RedString("%v", err))
		return
	}
	r.save(ctx)
	if !r.canVerify {
		fmt.Fprintln(r.out, "marked fixed; no target configured, apply a fresh report to verify")
		r.ctrl.Advance()
		return
	}

	var outcome triage.Outcome
	err := r.withProgress(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = r.ctrl.Reverify(ctx, id)
		return err
	})
	r.report(outcome, err)
	if outcome != triage.OutcomeReopened {
		r.ctrl.Advance()
	}
	r.save(ctx)
}

func (r *runner) verifyAll(ctx context.Context) {
	if !r.canVerify {
		fmt.Fprintln(r.out, "no target configured")
		return
	}
	var outcomes map[uuid.UUID]triage.Outcome
	err := r.withProgress(ctx, func(ctx context.Context) error {
		var err error
		outcomes, err = r.ctrl.ReverifyAll(ctx)
		return err
	})
	if len(outcomes) == 0 && err == nil {
		fmt.Fprintln(r.out, "nothing marked fixed")
		return
	}
	tally := map[triage.Outcome]int{}
	for _, o := range outcomes {
		tally[o]++
	}
	fmt.Fprintf(r.out, "%d verified, %d reopened, %d inconclusive\n",
		tally[triage.OutcomeVerified], tally[triage.OutcomeReopened], tally[triage.OutcomeInconclusive])
	if err != nil {
		fmt.Fprintln(r.out, color.YellowString("re-verification inconclusive: %v", err))
	}
	if _, ok := r.ctrl.Current(); !ok {
		r.ctrl.Advance()
	}
	r.save(ctx)
}

func (r *runner) report(o triage.Outcome, err error) {
	switch {
	case err != nil:
		fmt.Fprintln(r.out, color.YellowString("re-verification inconclusive: %v", err))
	case o == triage.OutcomeVerified:
		fmt.Fprintln(r.out, statusColors["verified"].Sprint("verified: the leak is gone"))
	case o == triage.OutcomeReopened:
		fmt.Fprintln(r.out, statusColors["unresolved"].Sprint("still leaking: finding reopened"))
	}
}

// withProgress runs fn while printing a dot per second until it returns.
func (r *runner) withProgress(ctx context.Context, fn func(context.Context) error) error {
	fmt.Fprint(r.out, "re-verifying")
	defer fmt.Fprintln(r.out)

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		return fn(gctx)
	})
	g.Go(func() error {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-t.C:
				fmt.Fprint(r.out, ".")
			}
		}
	})
	return g.Wait()
}

func (r *runner) save(ctx context.Context) {
	snap := r.ctrl.Snapshot()
	if err := r.store.Save(ctx, snap); err != nil {
		logger.Warn("failed to save session", "session_id", snap.ID, "error", err)
	}
}
