package cli

import (
	"errors"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Pablu23/tftpd/internal/client"
)

type TransferOpts struct {
	Host string
	Port int
	Mode string
}

func (opts *TransferOpts) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&opts.Host, "host", "localhost", "TFTP server to connect to")
	cmd.Flags().IntVarP(&opts.Port, "port", "p", 0, "Server port (defaults to the run mode port)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "octet", "Transfer mode sent with the request")
}

func (opts *TransferOpts) newClient(cmd *cobra.Command) (*client.Client, error) {
	cfg := GetConfig(cmd)
	if cfg == nil {
		return nil, errors.New("configuration unavailable")
	}

	port := cfg.TargetPort()
	if cmd.Flags().Changed("port") {
		port = opts.Port
	}

	return client.New(opts.Host, port, func(o *client.Options) {
		o.Timeout = cfg.ClientTimeout()
		o.Mode = opts.Mode
		o.Verbose = cfg.IsVerboseOutput()
	})
}

func logResult(result *client.Result, local string) {
	entry := log.WithFields(log.Fields{
		"File":   local,
		"Blocks": result.Blocks,
		"Bytes":  result.Bytes,
		"Digest": result.Digest,
	})
	if result.Unconfirmed {
		entry.Warn("Transfer finished without a short final block, file may be truncated")
		return
	}
	entry.Info("Transfer finished")
}

func ReadCommand() *cobra.Command {
	var opts TransferOpts

	cmd := &cobra.Command{
		Use:     "read <remote> [local]",
		Aliases: []string{"get", "r"},
		Short:   "Download a file from a TFTP server",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := args[0]
			local := filepath.Base(remote)
			if len(args) == 2 {
				local = args[1]
			}

			c, err := opts.newClient(cmd)
			if err != nil {
				return err
			}
			result, err := c.Get(remote, local)
			if err != nil {
				return err
			}
			logResult(result, local)
			return nil
		},
	}
	opts.register(cmd)
	return cmd
}

func WriteCommand() *cobra.Command {
	var opts TransferOpts

	cmd := &cobra.Command{
		Use:     "write <local> [remote]",
		Aliases: []string{"put", "w"},
		Short:   "Upload a file to a TFTP server",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local := args[0]
			remote := filepath.Base(local)
			if len(args) == 2 {
				remote = args[1]
			}

			c, err := opts.newClient(cmd)
			if err != nil {
				return err
			}
			result, err := c.Put(local, remote)
			if err != nil {
				return err
			}
			logResult(result, local)
			return nil
		},
	}
	opts.register(cmd)
	return cmd
}
