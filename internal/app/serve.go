package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailbridge/internal/auth"
	"github.com/Martian-dev/mailbridge/internal/model"
	natsjs "github.com/Martian-dev/mailbridge/internal/nats"
	"github.com/Martian-dev/mailbridge/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and API server",
	Long: `Serves the Gmail push webhook and the JSON API, keeps the Gmail watch
renewed, polls Outlook and publishes notifications to NATS when configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer rt.Close()

		deps := server.Deps{
			Store:   rt.store,
			Pusher:  rt.manager,
			States:  rt.tracker,
			Replier: rt.resolver,
		}
		if cfg.PubSub.Verify {
			verifier, err := auth.NewPushVerifier(ctx, auth.GoogleCertsURL, cfg.PubSub.Audience, cfg.PubSub.ServiceAccount)
			if err != nil {
				return fmt.Errorf("push verification: %w", err)
			}
			deps.Verifier = verifier
		}

		if rt.gmail != nil {
			u := &upkeep{
				provider:   model.ProviderGmail,
				tracker:    rt.tracker,
				manager:    rt.manager,
				watcher:    rt.gmail,
				renewLead:  cfg.Push.RenewLead,
				maxSilence: cfg.Push.MaxSilence,
				log:        log,
			}
			go u.run(ctx, cfg.Push.RenewInterval)
		}
		if rt.outlook != nil {
			if err := rt.manager.StartPolling(ctx, model.ProviderOutlook, cfg.Outlook.PollInterval); err != nil {
				return err
			}
		}

		if cfg.NATS.URL != "" {
			js, err := natsjs.Connect(cfg.NATS.URL, cfg.NATS.Stream)
			if err != nil {
				return err
			}
			defer js.Close()
			if err := js.EnsureStream(ctx); err != nil {
				return err
			}
			go natsjs.NewDispatcher(rt.store, js, log).Run(ctx)
		} else {
			log.Warn().Msg("nats.url not set, notifications stay in the outbox")
		}

		return server.New(deps, log).Run(ctx, cfg.HTTP.Addr)
	},
}

func init() {
	serveCmd.Flags().String("http.addr", "", "listen address")
	if err := v.BindPFlag("http.addr", serveCmd.Flags().Lookup("http.addr")); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(serveCmd)
}
