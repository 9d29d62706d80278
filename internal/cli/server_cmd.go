package cli

import (
	"errors"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Pablu23/tftpd/internal/server"
)

type ServerOpts struct {
	Address        string
	Port           int
	MetricsAddress string
}

func ServerCommand() *cobra.Command {
	var opts ServerOpts

	cmd := &cobra.Command{
		Use:     "server",
		Aliases: []string{"s", "serve"},
		Short:   "Start the TFTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetConfig(cmd)
			if cfg == nil {
				return errors.New("configuration unavailable")
			}

			if cmd.Flags().Changed("address") {
				cfg.Address = opts.Address
			}
			if cmd.Flags().Changed("metrics-address") {
				cfg.MetricsAddress = opts.MetricsAddress
			}

			srv, err := server.New(cfg, func(o *server.Options) {
				o.Address = cfg.Address
				o.Datapath = cfg.Datapath
				o.IdleTimeout = cfg.IdleTimeout()
				o.MetricsAddress = cfg.MetricsAddress
				if cmd.Flags().Changed("port") {
					o.Port = opts.Port
				}
			})
			if err != nil {
				return err
			}

			if err := srv.Listen(); err != nil {
				log.WithError(err).Error("Could not start server")
				return err
			}
			srv.HandleShutdown(cfg.RequestQuit)
			return srv.Serve()
		},
	}

	cmd.Flags().StringVar(&opts.Address, "address", "", "Address to listen on (overrides config)")
	cmd.Flags().IntVarP(&opts.Port, "port", "p", 0, "Port to listen on (overrides run mode)")
	cmd.Flags().StringVar(&opts.MetricsAddress, "metrics-address", "", "Serve prometheus metrics on this address")

	return cmd
}
