// Package keys manages the Ed25519 keypair sshpod uses to authenticate to
// the sshd it bootstraps inside the target container.
package keys

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/pfnet-research/sshpod/pkg/paths"
)

// Key is a keypair loaded from the local on-disk cache.
type Key struct {
	Private string
	Public  string
}

// EnsureKey returns the keypair named name under ~/.cache/sshpod,
// generating it with ssh-keygen if it doesn't already exist.
func EnsureKey(name string) (Key, error) {
	home, err := paths.HomeDir()
	if err != nil {
		return Key{}, err
	}
	cacheDir := filepath.Join(home, ".cache", "sshpod")
	if err := prepareDir(cacheDir, 0o700); err != nil {
		return Key{}, err
	}

	privatePath := filepath.Join(cacheDir, name)
	publicPath := privatePath + ".pub"

	if err := ensureEd25519Keys(privatePath, publicPath); err != nil {
		return Key{}, fmt.Errorf("failed to create keypair %s: %w", name, err)
	}

	private, err := os.ReadFile(privatePath)
	if err != nil {
		return Key{}, fmt.Errorf("failed to read %s: %w", privatePath, err)
	}
	public, err := os.ReadFile(publicPath)
	if err != nil {
		return Key{}, fmt.Errorf("failed to read %s: %w", publicPath, err)
	}

	if _, _, _, _, err := ssh.ParseAuthorizedKey(public); err != nil {
		return Key{}, fmt.Errorf("generated public key %s is not a valid authorized key: %w", publicPath, err)
	}

	return Key{Private: string(private), Public: string(public)}, nil
}

func prepareDir(path string, mode os.FileMode) error {
	if err := os.MkdirAll(path, mode); err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	_ = os.Chmod(path, mode)
	return nil
}

func ensureEd25519Keys(privatePath, publicPath string) error {
	_, privErr := os.Stat(privatePath)
	_, pubErr := os.Stat(publicPath)
	if privErr != nil || pubErr != nil {
		cmd := exec.Command("ssh-keygen", "-q", "-t", "ed25519", "-f", privatePath, "-N", "")
		cmd.Stdout = nil
		cmd.Stderr = nil
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("failed to spawn ssh-keygen: %w", err)
		}
	}
	_ = os.Chmod(privatePath, 0o600)
	_ = os.Chmod(publicPath, 0o600)
	return nil
}
