// Package sshconfig installs and updates the sshpod ProxyCommand block in
// the user's ~/.ssh/config.
package sshconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pfnet-research/sshpod/pkg/paths"
)

const startMarker = "# >>> sshpod start"
const endMarker = "# <<< sshpod end"

// Install merges the sshpod block into ~/.ssh/config, backing up the
// previous file when a change is made, and reports what it did.
func Install() (string, error) {
	home, err := paths.HomeDir()
	if err != nil {
		return "", err
	}
	sshDir := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", sshDir, err)
	}
	_ = os.Chmod(sshDir, 0o700)

	configPath := filepath.Join(sshDir, "config")
	timestamp := time.Now().Unix()

	var current string
	_, statErr := os.Stat(configPath)
	exists := statErr == nil
	if exists {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", configPath, err)
		}
		current = string(data)
	}

	updated := MergeConfig(current, renderBlock())
	if current == updated {
		return fmt.Sprintf("No changes needed for %s", configPath), nil
	}

	var backupPath string
	if exists {
		backupPath = filepath.Join(sshDir, fmt.Sprintf("config.bak.%d", timestamp))
		if err := copyFile(configPath, backupPath); err != nil {
			return "", fmt.Errorf("failed to create backup %s: %w", backupPath, err)
		}
	}

	tmpPath := filepath.Join(sshDir, fmt.Sprintf("config.tmp.%d", timestamp))
	if err := os.WriteFile(tmpPath, []byte(updated), 0o600); err != nil {
		return "", fmt.Errorf("failed to write temporary config %s: %w", tmpPath, err)
	}
	_ = os.Chmod(tmpPath, 0o600)
	if err := os.Rename(tmpPath, configPath); err != nil {
		return "", fmt.Errorf("failed to replace %s with updated config: %w", configPath, err)
	}

	msg := fmt.Sprintf("Updated %s", configPath)
	if backupPath != "" {
		msg += fmt.Sprintf("\nBackup saved to %s", backupPath)
	}
	return msg, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

func renderBlock() string {
	return fmt.Sprintf(`%s
Host *.sshpod
  ProxyCommand ~/.local/bin/sshpod proxy --host %%h --user %%r --port %%p
  StrictHostKeyChecking no
  UserKnownHostsFile /dev/null
  GlobalKnownHostsFile /dev/null
  CheckHostIP no
  IdentityFile ~/.cache/sshpod/id_ed25519
  IdentitiesOnly yes
  BatchMode yes
  ForwardAgent yes
%s
`, startMarker, endMarker)
}

// MergeConfig removes any existing sshpod-managed block from current and
// appends block, preserving everything else and collapsing trailing blank
// lines the way the rest of current is formatted.
func MergeConfig(current, block string) string {
	var kept []string
	skipping := false
	for _, line := range strings.Split(current, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == startMarker {
			skipping = true
			continue
		}
		if skipping {
			if trimmed == endMarker {
				skipping = false
			}
			continue
		}
		kept = append(kept, line)
	}

	for len(kept) > 0 && strings.TrimSpace(kept[len(kept)-1]) == "" {
		kept = kept[:len(kept)-1]
	}

	var result strings.Builder
	if len(kept) > 0 {
		result.WriteString(strings.Join(kept, "\n"))
		result.WriteString("\n\n")
	}
	result.WriteString(strings.TrimRight(block, "\n"))
	result.WriteString("\n")
	return result.String()
}
