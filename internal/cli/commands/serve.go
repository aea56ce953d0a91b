package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapsync/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control API",
		Long: `Start the HTTP control API. Jobs started through the API run inside this
process; jobs owned by other processes can still be paused and stopped.

Routes:
  GET  /health
  GET  /jobs                       POST /jobs/full, /jobs/incremental
  GET  /jobs/{id}                  POST /jobs/{id}/stop|pause|resume
  GET  /jobs/{id}/conflicts|events|report|watch
  POST /conflicts/{id}/resolve
  GET  /tables/{table}/compatibility`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if cmd.Flags().Changed("addr") {
				cc.Cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(server.Config{
				Controller: cc.Engine,
				Addr:       cc.Cfg.Server.Addr,
				Logger:     cc.Logger,
			})
			return srv.Serve(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from server.addr)")
	return cmd
}
