// Package paths centralizes the handful of local filesystem locations
// sshpod depends on.
package paths

import (
	"fmt"
	"os"
)

// HomeDir returns the user's home directory, checking $HOME before the
// Windows-style $USERPROFILE fallback.
func HomeDir() (string, error) {
	if home := os.Getenv("HOME"); home != "" {
		return home, nil
	}
	if home := os.Getenv("USERPROFILE"); home != "" {
		return home, nil
	}
	return "", fmt.Errorf("failed to determine home directory; set HOME")
}
