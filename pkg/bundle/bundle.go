// Package bundle stages the static sshd binary inside a target container,
// preferring an xz- or gzip-compressed transfer over the kubectl exec stdin
// pipe and falling back to an uncompressed one when neither tool is present
// remotely.
package bundle

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
	"k8s.io/klog/v2"

	"github.com/pfnet-research/sshpod/pkg/kubeclient"
)

// Version tags the on-disk bundle layout; bumping it forces every target to
// be re-provisioned even if the embedded sshd binary itself is unchanged.
const Version = "1+sshd1"

//go:embed bundles/sshd_amd64.xz bundles/sshd_arm64.xz
var embedded embed.FS

func embeddedBundle(arch string) ([]byte, bool) {
	name := embeddedName(arch)
	if name == "" {
		return nil, false
	}
	data, err := embedded.ReadFile(name)
	if err != nil {
		return nil, false
	}
	return data, true
}

func embeddedName(arch string) string {
	switch arch {
	case "linux/amd64":
		return "bundles/sshd_amd64.xz"
	case "linux/arm64":
		return "bundles/sshd_arm64.xz"
	default:
		return ""
	}
}

// DetectRemoteArch runs `uname -m` in the target container and maps the
// result to a GOARCH-style "linux/<arch>" string.
func DetectRemoteArch(ctx context.Context, client *kubeclient.Client, target kubeclient.RemoteTarget) (string, error) {
	machine, err := client.ExecCapture(ctx, target, []string{"uname", "-m"})
	if err != nil {
		return "", fmt.Errorf("failed to detect remote arch via uname -m: %w", err)
	}
	switch machine {
	case "x86_64", "amd64":
		return "linux/amd64", nil
	case "aarch64", "arm64":
		return "linux/arm64", nil
	default:
		return "", fmt.Errorf("unsupported remote architecture: %s", machine)
	}
}

// EnsureBundle makes sure base/bundle/sshd exists in the target container at
// the current Version and arch, installing it if not.
func EnsureBundle(ctx context.Context, client *kubeclient.Client, target kubeclient.RemoteTarget, base, arch string) error {
	versionPath := base + "/bundle/VERSION"
	archPath := base + "/bundle/ARCH"

	remoteVersion, haveVersion, err := client.ExecCaptureOptional(ctx, target, []string{"cat", versionPath})
	if err != nil {
		return err
	}
	remoteArch, haveArch, err := client.ExecCaptureOptional(ctx, target, []string{"cat", archPath})
	if err != nil {
		return err
	}

	klog.V(1).Infof("checking bundle (remote version=%q, remote arch=%q, expected version=%s, expected arch=%s)",
		remoteVersion, remoteArch, Version, arch)
	if haveVersion && haveArch && remoteVersion == Version && remoteArch == arch {
		klog.V(1).Infof("bundle already up to date")
		return nil
	}

	bundleData, err := loadBundleData(arch)
	if err != nil {
		return err
	}

	meta := fmt.Sprintf(
		`printf '%%s\n' "%s" > "%s/bundle/VERSION"; printf '%%s\n' "%s" > "%s/bundle/ARCH"; chmod 600 "%s/bundle/VERSION" "%s/bundle/ARCH";`,
		Version, base, arch, base, base, base,
	)
	installXZ := fmt.Sprintf(`set -eu; umask 077; mkdir -p "%s/bundle"; chmod 700 "%s" "%s/bundle"; xz -dc > "%s/bundle/sshd"; chmod 700 "%s/bundle/sshd"; %s`,
		base, base, base, base, base, meta)
	installGzip := fmt.Sprintf(`set -eu; umask 077; mkdir -p "%s/bundle"; chmod 700 "%s" "%s/bundle"; gzip -dc > "%s/bundle/sshd"; chmod 700 "%s/bundle/sshd"; %s`,
		base, base, base, base, base, meta)
	installPlain := fmt.Sprintf(`set -eu; umask 077; mkdir -p "%s/bundle"; chmod 700 "%s" "%s/bundle"; cat > "%s/bundle/sshd"; chmod 700 "%s/bundle/sshd"; %s`,
		base, base, base, base, base, meta)

	var plainCache []byte

	xzErr := tryInstallXZ(ctx, client, target, bundleData, installXZ)
	if xzErr == nil {
		klog.V(1).Infof("bundle install completed")
		return nil
	}

	gzipErr := tryInstallGzip(ctx, client, target, bundleData, installGzip, &plainCache)
	if gzipErr == nil {
		klog.V(1).Infof("bundle install completed")
		return nil
	}

	plainData, err := ensurePlainData(bundleData, &plainCache)
	if err != nil {
		return fmt.Errorf("failed to prepare sshd payload for plain install: %w", err)
	}
	if err := installBundleWithCommand(ctx, client, target, installPlain, plainData, "plain"); err != nil {
		return fmt.Errorf("failed to install bundle into %s (xz: %v; gzip: %v): %w", base, xzErr, gzipErr, err)
	}

	klog.V(1).Infof("bundle install completed")
	return nil
}

func loadBundleData(arch string) ([]byte, error) {
	if data, ok := embeddedBundle(arch); ok {
		klog.V(1).Infof("using embedded bundle for %s", arch)
		return data, nil
	}
	path, err := locateBundle(arch)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("using local bundle file %s", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle %s: %w", path, err)
	}
	return data, nil
}

func toolAvailable(ctx context.Context, client *kubeclient.Client, target kubeclient.RemoteTarget, tool string) (bool, error) {
	_, ok, err := client.ExecCaptureOptional(ctx, target, []string{"sh", "-c", "command -v " + tool})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ensurePlainData decompresses bundleData into *cache the first time it is
// called and returns the cached slice on every subsequent call, so repeated
// fallback attempts never re-run the decompressor.
func ensurePlainData(bundleData []byte, cache *[]byte) ([]byte, error) {
	if *cache == nil {
		data, err := decompressXZ(bundleData)
		if err != nil {
			return nil, err
		}
		*cache = data
	}
	return *cache, nil
}

func gzipPayload(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write gzip payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize gzip payload: %w", err)
	}
	return buf.Bytes(), nil
}

func tryInstallXZ(ctx context.Context, client *kubeclient.Client, target kubeclient.RemoteTarget, bundleData []byte, installCmd string) error {
	ok, err := toolAvailable(ctx, client, target, "xz")
	if err != nil {
		return err
	}
	if !ok {
		klog.V(1).Infof("skipping xz install (xz not available)")
		return fmt.Errorf("xz not available in container")
	}
	return installBundleWithCommand(ctx, client, target, installCmd, bundleData, "xz")
}

func tryInstallGzip(ctx context.Context, client *kubeclient.Client, target kubeclient.RemoteTarget, bundleData []byte, installCmd string, cache *[]byte) error {
	ok, err := toolAvailable(ctx, client, target, "gzip")
	if err != nil {
		return err
	}
	if !ok {
		klog.V(1).Infof("skipping gzip install (gzip not available)")
		return fmt.Errorf("gzip not available in container")
	}
	plainData, err := ensurePlainData(bundleData, cache)
	if err != nil {
		return err
	}
	gzData, err := gzipPayload(plainData)
	if err != nil {
		return err
	}
	return installBundleWithCommand(ctx, client, target, installCmd, gzData, "gzip")
}

func installBundleWithCommand(ctx context.Context, client *kubeclient.Client, target kubeclient.RemoteTarget, installCmd string, payload []byte, label string) error {
	klog.V(1).Infof("installing bundle via %s", label)
	_, err := client.ExecWithInput(ctx, target, []string{"sh", "-c", installCmd}, payload)
	return err
}

func locateBundle(arch string) (string, error) {
	filename := fmt.Sprintf("sshd_%s.xz", filepath.Base(arch))
	switch arch {
	case "linux/amd64":
		filename = "sshd_amd64.xz"
	case "linux/arm64":
		filename = "sshd_arm64.xz"
	}

	var candidates []string
	seen := map[string]bool{}
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			candidates = append(candidates, p)
		}
	}

	add(filename)
	add(filepath.Join("bundles", filename))
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		add(filepath.Join(dir, filename))
		add(filepath.Join(dir, "bundles", filename))
		add(filepath.Join(filepath.Dir(dir), "bundles", filename))
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("bundle file %s not found; place it alongside the binary or in ./bundles", filename)
}

func decompressXZ(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress xz: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress xz: %w", err)
	}
	return out, nil
}
