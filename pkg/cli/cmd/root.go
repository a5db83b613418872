/*
Copyright 2026 The Faros Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cmd implements the sshpod CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root cobra command for the sshpod CLI.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sshpod",
		Short: "ProxyCommand helper for ssh/scp/sftp to Kubernetes Pods",
		Long: `sshpod lets a standard SSH client connect to a process running inside
a Kubernetes Pod by encoding the target pod, namespace, context, and
container in the hostname and bootstrapping a throwaway sshd inside the
container on demand.

Wire it up once with "sshpod configure", which adds a Host *.sshpod block
to ~/.ssh/config, then connect with e.g. "ssh pod--myapp.namespace--dev.sshpod".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		newProxyCommand(),
		newConfigureCommand(),
		newVersionCommand(),
	)

	return cmd
}
