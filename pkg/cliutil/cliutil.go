// Package cliutil bridges sshpod's simple --log-level flag onto klog's
// verbosity flags.
package cliutil

import (
	"flag"
	"fmt"

	"k8s.io/klog/v2"
)

// SetVerbosity maps a coarse log level (error, info, debug) onto a klog -v
// verbosity and initializes klog's flags accordingly.
func SetVerbosity(level string) error {
	v, err := verbosityFor(level)
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	if err := fs.Set("v", v); err != nil {
		return fmt.Errorf("failed to set log verbosity: %w", err)
	}
	if err := fs.Set("logtostderr", "true"); err != nil {
		return fmt.Errorf("failed to configure klog: %w", err)
	}
	return nil
}

func verbosityFor(level string) (string, error) {
	switch level {
	case "error":
		return "0", nil
	case "", "info":
		return "1", nil
	case "debug":
		return "2", nil
	default:
		return "", fmt.Errorf("unknown log level %q (want error, info, or debug)", level)
	}
}
