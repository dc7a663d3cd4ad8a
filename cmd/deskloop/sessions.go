package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/metalagman/deskloop/internal/session"
	"github.com/metalagman/deskloop/internal/web"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Inspect and manage checkpointed sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	cmd.AddCommand(sessionsPruneCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, deskloopDir, err := workDir()
			if err != nil {
				return err
			}
			store, closeFn, err := openStore(deskloopDir)
			if err != nil {
				return err
			}
			defer closeFn()

			items, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderSummaries(items))
			return nil
		},
	}
}

func sessionsShowCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session's checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, deskloopDir, err := workDir()
			if err != nil {
				return err
			}
			store, closeFn, err := openStore(deskloopDir)
			if err != nil {
				return err
			}
			defer closeFn()

			st, err := store.Load(cmd.Context(), args[0])
			if errors.Is(err, session.ErrNotFound) {
				return fmt.Errorf("session %s not found", args[0])
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				data, err := json.MarshalIndent(web.StripImages(st), "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
			case "yaml":
				data, err := stateYAML(st)
				if err != nil {
					return err
				}
				fmt.Fprint(out, string(data))
			case "markdown":
				fmt.Fprint(out, sessionMarkdown(st))
			case "text":
				rendered, err := renderMarkdown(sessionMarkdown(st))
				if err != nil {
					return err
				}
				fmt.Fprint(out, rendered)
			default:
				return fmt.Errorf("unknown format %q (want text, markdown, json or yaml)", format)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text, markdown, json or yaml")
	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session with its turns and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, deskloopDir, err := workDir()
			if err != nil {
				return err
			}
			lock, ok, err := session.TryAcquireLock(deskloopDir, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("session %s is running", args[0])
			}
			defer lock.Release()

			store, closeFn, err := openStore(deskloopDir)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, session.ErrNotFound) {
					return fmt.Errorf("session %s not found", args[0])
				}
				return err
			}
			log.Info().Str("session_id", args[0]).Msg("session deleted")
			return nil
		},
	}
}

func sessionsPruneCmd() *cobra.Command {
	var keepLast int
	var keepDays int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Prune old finished sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repoRoot, deskloopDir, err := workDir()
			if err != nil {
				return err
			}
			cfg, err := loadConfig(repoRoot)
			if err != nil {
				return err
			}

			policy := session.RetentionPolicy{KeepLast: keepLast, KeepDays: keepDays}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				policy = session.RetentionPolicy{
					KeepLast: cfg.Retention.KeepLast,
					KeepDays: cfg.Retention.KeepDays,
				}
			}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				return fmt.Errorf("set --keep-last or --keep-days (or configure retention in %s)", defaultConfigPath)
			}

			store, closeFn, err := openStore(deskloopDir)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := store.Prune(cmd.Context(), policy, dryRun)
			if err != nil {
				return err
			}
			mode := "deleted"
			if dryRun {
				mode = "would delete"
			}
			log.Info().Msgf("%s %d sessions (kept %d of %d)", mode, res.Deleted, res.Kept, res.Considered)
			return nil
		},
	}
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "keep the newest N finished sessions")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "keep finished sessions newer than N days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be pruned without deleting")
	return cmd
}
