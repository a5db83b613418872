package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// Set via ldflags
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// buildInfo bundles everything the version command reports, the way
// pkg/kubeclient.PodInfo and pkg/proxy.Args bundle the fields their own
// callers need rather than passing them around loose.
type buildInfo struct {
	Version   string
	GitCommit string
	BuildDate string
	GoVersion string
	Platform  string
}

func currentBuildInfo() buildInfo {
	return buildInfo{
		Version:   version,
		GitCommit: gitCommit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func (b buildInfo) String() string {
	return fmt.Sprintf("sshpod version %s\n  git commit: %s\n  build date: %s\n  go version: %s\n  platform:   %s",
		b.Version, b.GitCommit, b.BuildDate, b.GoVersion, b.Platform)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(currentBuildInfo())
		},
	}
}
