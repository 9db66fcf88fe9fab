package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailbridge/internal/display"
	"github.com/Martian-dev/mailbridge/internal/model"
	"github.com/Martian-dev/mailbridge/internal/pushstate"
	"github.com/Martian-dev/mailbridge/internal/reply"
)

var jsonOutput bool

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// providersFlag parses --provider, defaulting to every enabled provider
func providersFlag(cmd *cobra.Command) ([]model.Provider, error) {
	name, _ := cmd.Flags().GetString("provider")
	if name == "" {
		return cfg.Enabled(), nil
	}
	p, err := model.ParseProvider(name)
	if err != nil {
		return nil, err
	}
	return []model.Provider{p}, nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch and store new mail once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ps, err := providersFlag(cmd)
		if err != nil {
			return err
		}
		rt, err := newRuntime(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer rt.Close()

		var errs []error
		for _, p := range ps {
			if err := rt.tracker.RecordPoll(ctx, p, time.Now()); err != nil {
				return err
			}
			res, err := rt.manager.Sync(ctx, p)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if jsonOutput {
				if err := printJSON(res); err != nil {
					return err
				}
				continue
			}
			fmt.Printf("%s: %d new, %d duplicate, %d skipped\n", p, len(res.Inserted), res.Duplicates, res.Skipped)
		}
		return errors.Join(errs...)
	},
}

var renewForce bool

var renewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Renew the Gmail push subscription when it is due",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer rt.Close()

		w, err := rt.watcher(model.ProviderGmail)
		if err != nil {
			return err
		}
		lead := cfg.Push.RenewLead
		if renewForce {
			lead = 365 * 24 * time.Hour
		}
		renewed, err := rt.tracker.Renew(ctx, model.ProviderGmail, w, lead)
		if err != nil {
			return err
		}
		st, err := rt.tracker.State(ctx, model.ProviderGmail)
		if err != nil {
			return err
		}
		if !renewed {
			fmt.Printf("watch not due, expires %s\n", display.TimeAgo(st.WatchExpiresAt, time.Now()))
			return nil
		}
		fmt.Printf("watch renewed, expires %s\n", display.TimeAgo(st.WatchExpiresAt, time.Now()))
		return nil
	},
}

var replyCmd = &cobra.Command{
	Use:   "reply <message-id> <body>",
	Short: "Reply to a stored message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var id int64
		if _, err := fmt.Sscan(args[0], &id); err != nil || id <= 0 {
			return fmt.Errorf("invalid message id %q", args[0])
		}
		req := reply.Request{MessageID: id, Body: args[1]}
		if target, _ := cmd.Flags().GetString("via"); target != "" {
			p, err := model.ParseProvider(target)
			if err != nil {
				return err
			}
			req.Target = p
		}
		req.Fallback, _ = cmd.Flags().GetBool("fallback")
		req.Fresh, _ = cmd.Flags().GetBool("fresh")
		req.Participants.Cc, _ = cmd.Flags().GetStringSlice("cc")
		req.Participants.Bcc, _ = cmd.Flags().GetStringSlice("bcc")

		rt, err := newRuntime(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer rt.Close()

		out := rt.resolver.Reply(ctx, req)
		if jsonOutput {
			if err := printJSON(out); err != nil {
				return err
			}
		} else {
			display.Outcome(os.Stdout, out)
		}
		if !out.Sent() {
			return fmt.Errorf("reply not sent: %s", out.Kind)
		}
		return nil
	},
}

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Delete old inbound messages beyond retention.keep per provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ps, err := providersFlag(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		for _, p := range ps {
			n, err := st.RetentionCleanup(ctx, p, cfg.Retention.Keep)
			if err != nil {
				return err
			}
			log.Info().Str("provider", p.String()).Int("deleted", n).Int("keep", cfg.Retention.Keep).Msg("retention cleanup")
			fmt.Printf("%s: deleted %d messages\n", p, n)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st"},
	Short:   "Show push state and message counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		states, err := st.ListPushStates(ctx)
		if err != nil {
			return err
		}
		counts := make(map[model.Provider]int)
		for _, s := range states {
			if counts[s.Provider], err = st.CountMessages(ctx, s.Provider); err != nil {
				return err
			}
		}
		if jsonOutput {
			return printJSON(map[string]any{"push_states": states, "messages": counts})
		}
		display.PushStates(os.Stdout, states, counts, time.Now())
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		fmt.Printf("database ready (%s)\n", cfg.Database.Driver)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Lift a provider suspension after re-authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		name, _ := cmd.Flags().GetString("provider")
		p, err := model.ParseProvider(name)
		if err != nil {
			return err
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		tracker := pushstate.New(st, log, pushstate.Options{FailureThreshold: cfg.Push.FailureThreshold, StoreTimeout: cfg.Timeouts.Store})
		if err := tracker.Resume(ctx, p); err != nil {
			return err
		}
		fmt.Printf("%s resumed; the next sync or push will bring it back to healthy\n", p)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable output")

	syncCmd.Flags().String("provider", "", "provider to sync (default: all enabled)")
	retentionCmd.Flags().String("provider", "", "provider to clean up (default: all enabled)")
	resumeCmd.Flags().String("provider", "", "provider to resume")
	_ = resumeCmd.MarkFlagRequired("provider")

	renewCmd.Flags().BoolVar(&renewForce, "force", false, "renew even when the watch is not due")

	replyCmd.Flags().String("via", "", "provider to reply through (default: routing rules)")
	replyCmd.Flags().Bool("fallback", false, "send a fresh message when no threaded reply is possible")
	replyCmd.Flags().Bool("fresh", false, "send a fresh \"Re:\" message without looking for the thread")
	replyCmd.Flags().StringSlice("cc", nil, "extra Cc recipients")
	replyCmd.Flags().StringSlice("bcc", nil, "Bcc recipients")

	rootCmd.AddCommand(syncCmd, renewCmd, replyCmd, retentionCmd, statusCmd, migrateCmd, resumeCmd)
}
