package cmds

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/sidekick/pkg/app"
	"github.com/go-go-golems/sidekick/pkg/sessionevents"
	"github.com/go-go-golems/sidekick/pkg/webassist"
)

func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve assistant sessions over HTTP and websockets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := app.New(s)
			if err != nil {
				return err
			}
			defer func() {
				if err := res.Close(); err != nil {
					log.Error().Err(err).Msg("closing resources failed")
				}
			}()

			bus, err := sessionevents.NewBus(s.Events)
			if err != nil {
				return err
			}
			manager, err := webassist.NewSessionManager(webassist.ManagerOptions{
				BaseCtx:           ctx,
				Bus:               bus,
				Factory:           res.NewEngine,
				StreamIdleTimeout: s.Server.IdleTimeout / 4,
			})
			if err != nil {
				_ = bus.Close()
				return err
			}
			srv := webassist.NewServer(manager, bus, webassist.ServerOptions{
				Addr:             s.Server.Addr,
				IdleTimeout:      s.Server.IdleTimeout,
				EvictionInterval: s.Server.EvictionInterval,
			})
			log.Info().
				Str("backend", s.Backend.Kind).
				Str("context", s.Context.Source).
				Str("store", s.Store.Kind).
				Bool("redis", s.Events.RedisEnabled).
				Msg("sidekick configured")
			return srv.Run(ctx)
		},
	}
}
