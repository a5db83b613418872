package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pfnet-research/sshpod/pkg/cliutil"
	"github.com/pfnet-research/sshpod/pkg/kubeclient"
	"github.com/pfnet-research/sshpod/pkg/proxy"
)

func newProxyCommand() *cobra.Command {
	args := proxy.Args{}

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "ProxyCommand entry point (invoked by ssh, not run directly)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cliutil.SetVerbosity(args.LogLevel); err != nil {
				return err
			}
			client := kubeclient.New("")
			return proxy.Run(cmd.Context(), client, args, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&args.Host, "host", "", "target host (e.g. pod--myapp.namespace--dev.sshpod)")
	cmd.Flags().StringVar(&args.User, "user", "", "SSH login user (defaults to local user)")
	cmd.Flags().IntVar(&args.Port, "port", 0, "OpenSSH-supplied port (unused, accepted for compatibility)")
	cmd.Flags().StringVar(&args.LogLevel, "log-level", "info", "log level: error, info, debug")
	if err := cmd.MarkFlagRequired("host"); err != nil {
		panic(fmt.Sprintf("proxy command setup: %v", err))
	}

	return cmd
}
