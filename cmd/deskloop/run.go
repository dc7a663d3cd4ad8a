package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/metalagman/deskloop/internal/loop"
	"github.com/metalagman/deskloop/internal/model"
	"github.com/metalagman/deskloop/internal/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var (
		sessionID string
		ephemeral bool
		perms     []string
	)
	cmd := &cobra.Command{
		Use:   "run [instruction]",
		Short: "Start a session for an instruction or resume an existing one",
		Long: "Start a new session for the given instruction, or resume the session named by --session.\n" +
			"A waiting session resumes from its last checkpoint; finished sessions are reported as they are.",
		Example: "  deskloop run \"open the browser and search for go modules\"\n" +
			"  deskloop run --session 3f0c...",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instruction := ""
			if len(args) == 1 {
				instruction = strings.TrimSpace(args[0])
			}
			if sessionID == "" {
				if instruction == "" {
					return fmt.Errorf("instruction is required for a new session")
				}
				sessionID = uuid.NewString()
			}

			repoRoot, deskloopDir, err := workDir()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(repoRoot)
			if err != nil {
				return err
			}
			rc, err := cfg.RunContext()
			if err != nil {
				return err
			}

			lock, ok, err := session.TryAcquireLock(deskloopDir, sessionID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("session %s is already running", sessionID)
			}
			defer func() {
				if err := lock.Release(); err != nil {
					log.Warn().Err(err).Str("session_id", sessionID).Msg("release session lock")
				}
			}()

			var store session.Store = session.NewMemoryStore()
			if !ephemeral {
				sqlStore, closeFn, err := openStore(deskloopDir)
				if err != nil {
					return err
				}
				defer closeFn()
				store = sqlStore
			}

			env := model.Env{Platform: runtime.GOOS, Permissions: perms}
			runner, err := loop.FromConfig(cfg, rc, store, env, repoRoot, loop.Overrides{})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info().Str("session_id", sessionID).Str("provider", rc.Provider()).Str("model", rc.Model()).Msg("running session")
			st, err := runner.Run(ctx, instruction, sessionID)
			if errors.Is(err, context.Canceled) {
				printSummary(cmd.OutOrStdout(), st)
				fmt.Fprintf(cmd.OutOrStdout(), "interrupted; resume with: deskloop run --session %s\n", sessionID)
				return nil
			}
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), st)
			if st.Status == model.StatusFail {
				return fmt.Errorf("session %s failed", sessionID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to start or resume (generated when empty)")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "keep checkpoints in memory only")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "permission granted to the agent (repeatable)")
	return cmd
}

func printSummary(w io.Writer, st model.AgentState) {
	fmt.Fprintf(w, "session:  %s\n", st.SessionID)
	fmt.Fprintf(w, "status:   %s\n", statusStyle(st.Status).Render(string(st.Status)))
	fmt.Fprintf(w, "turns:    %d\n", st.Turn)
	if n := len(st.Notes); n > 0 {
		fmt.Fprintf(w, "last note: %s\n", st.Notes[n-1])
	}
}
