package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pfnet-research/sshpod/pkg/sshconfig"
)

func newConfigureCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Update ~/.ssh/config with the sshpod ProxyCommand block",
		RunE: func(cmd *cobra.Command, _ []string) error {
			msg, err := sshconfig.Install()
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		},
	}
}
