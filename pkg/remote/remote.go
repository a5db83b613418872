// Package remote bootstraps an sshd instance inside a target container:
// acquiring a best-effort lock, installing host keys, and launching sshd on
// a random loopback port.
package remote

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pfnet-research/sshpod/pkg/keys"
	"github.com/pfnet-research/sshpod/pkg/kubeclient"
)

// TryAcquireLock makes a best-effort attempt to create base/lock, ignoring
// failure; it only exists to reduce (not eliminate) concurrent bootstrap
// races between simultaneous proxy invocations against the same pod.
func TryAcquireLock(ctx context.Context, client *kubeclient.Client, target kubeclient.RemoteTarget, base string) {
	lockCmd := fmt.Sprintf(`umask 077; mkdir "%s/lock"`, base)
	_, _, _ = client.ExecCaptureOptional(ctx, target, []string{"sh", "-c", lockCmd})
}

// AssertLoginUserAllowed fails if the container runs as a non-root user that
// doesn't match loginUser, since sshd would otherwise start under an
// identity the client didn't ask to log in as.
func AssertLoginUserAllowed(ctx context.Context, client *kubeclient.Client, target kubeclient.RemoteTarget, loginUser string) error {
	uid, err := client.ExecCapture(ctx, target, []string{"id", "-u"})
	if err != nil {
		return fmt.Errorf("failed to read remote uid: %w", err)
	}
	if uid == "0" {
		return nil
	}
	remoteUser, err := client.ExecCapture(ctx, target, []string{"id", "-un"})
	if err != nil {
		return fmt.Errorf("failed to read remote user: %w", err)
	}
	if remoteUser != loginUser {
		return fmt.Errorf("this Pod runs as non-root. Use the container user for login (requested: %s, required: %s)",
			loginUser, remoteUser)
	}
	return nil
}

// InstallHostKeys writes hostKeys into base/hostkeys via a temp-then-rename
// shell script, skipping the rename if the files already match.
func InstallHostKeys(ctx context.Context, client *kubeclient.Client, target kubeclient.RemoteTarget, base string, hostKeys keys.Key) error {
	script := fmt.Sprintf(`set -eu
BASE=%q
PRIV="$BASE/hostkeys/ssh_host_ed25519_key"
PUB="$BASE/hostkeys/ssh_host_ed25519_key.pub"
TMP_PRIV="$BASE/hostkeys/.tmp_priv"
TMP_PUB="$BASE/hostkeys/.tmp_pub"
umask 077
mkdir -p "$BASE" "$BASE/hostkeys" "$BASE/logs"
chmod 700 "$BASE" "$BASE/hostkeys"
cat > "$TMP_PRIV" <<'__SSH_PKEY__'
%s
__SSH_PKEY__
cat > "$TMP_PUB" <<'__SSH_PUB__'
%s
__SSH_PUB__
if [ -f "$PRIV" ] && [ -f "$PUB" ] && cmp -s "$PRIV" "$TMP_PRIV" && cmp -s "$PUB" "$TMP_PUB"; then
  rm -f "$TMP_PRIV" "$TMP_PUB"
  exit 0
fi
mv "$TMP_PRIV" "$PRIV"
mv "$TMP_PUB" "$PUB"
chmod 600 "$PRIV" "$PUB"
`, base, hostKeys.Private, hostKeys.Public)

	if _, err := client.ExecWithInput(ctx, target, []string{"sh", "-s"}, []byte(script)); err != nil {
		return fmt.Errorf("failed to install host keys into %s: %w", base, err)
	}
	return nil
}

// sshdLaunchTimeout bounds how long EnsureSSHDRunning waits for sshd to
// report a listening port, including up to 30 bind retries inside the
// remote script.
const sshdLaunchTimeout = 40 * time.Second

// EnsureSSHDRunning runs the remote bootstrap script inside the target
// container and returns the loopback port sshd is listening on.
func EnsureSSHDRunning(ctx context.Context, client *kubeclient.Client, target kubeclient.RemoteTarget, base, loginUser, pubkeyLine string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, sshdLaunchTimeout)
	defer cancel()

	output, err := client.ExecWithInput(ctx, target, []string{"sh", "-s", "--", base, loginUser, pubkeyLine}, []byte(startSSHDScript))
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("starting sshd timed out after %s", sshdLaunchTimeout)
		}
		return 0, fmt.Errorf("failed to start sshd under %s: %w", base, err)
	}

	port, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil {
		return 0, fmt.Errorf("unexpected sshd port output: %s", output)
	}
	return port, nil
}

const startSSHDScript = `#!/bin/sh
set -eu

BASE="$1"
LOGIN_USER="$2"
PUBKEY_LINE="$3"
SSHD="$BASE/bundle/sshd"
ENV_FILE="$BASE/environment"

exec 3>&1
exec 1>&2

debug_log() {
  printf '[sshpod] %s\n' "$1" >&2
}

umask 077
mkdir -p "$BASE" "$BASE/logs" "$BASE/hostkeys"
chmod 700 "$BASE" "$BASE/hostkeys" "$BASE/logs"
BASE_PARENT="$(dirname "$BASE")"
TOP_DIR="$(dirname "$BASE_PARENT")"
chmod 711 "$TOP_DIR" "$BASE_PARENT"
debug_log "start script begin (base=$BASE user=$LOGIN_USER)"

get_home() {
  if command -v getent >/dev/null 2>&1; then
    getent passwd "$1" | awk -F: '{print $6}'
  elif [ -f /etc/passwd ]; then
    awk -F: -v u="$1" '$1==u {print $6}' /etc/passwd | head -n1
  fi
}

have_user() {
  if command -v getent >/dev/null 2>&1; then
    getent passwd "$1"
  elif [ -f /etc/passwd ]; then
    awk -F: -v u="$1" '$1==u {found=1} END{exit found?0:1}' /etc/passwd
  else
    return 1
  fi
}

if [ ! -f "$BASE/authorized_keys" ]; then
  : > "$BASE/authorized_keys"
fi
grep -qxF "$PUBKEY_LINE" "$BASE/authorized_keys" || printf '%s\n' "$PUBKEY_LINE" >> "$BASE/authorized_keys"
chmod 600 "$BASE/authorized_keys"
if [ -n "$LOGIN_USER" ]; then
  chown "$LOGIN_USER":"$LOGIN_USER" "$BASE" "$BASE/authorized_keys" || true
fi

mkdir -p /tmp/empty
chmod 755 /tmp/empty
if ! have_user sshd; then
  debug_log "creating sshd user"
  if command -v useradd >/dev/null 2>&1; then
    useradd -r -M -d /tmp/empty -s /sbin/nologin sshd || true
  elif command -v adduser >/dev/null 2>&1; then
    adduser -D -H -s /sbin/nologin -h /tmp/empty sshd || true
  fi
fi

if [ ! -f "$BASE/hostkeys/ssh_host_ed25519_key" ]; then
  echo "host key missing at $BASE/hostkeys/ssh_host_ed25519_key" >&2
  exit 1
fi
chmod 600 "$BASE/hostkeys/"*

if [ -f "$BASE/sshd.pid" ] && kill -0 "$(cat "$BASE/sshd.pid")" && [ -f "$BASE/sshd.port" ]; then
  debug_log "sshd already running"
  cat "$BASE/sshd.port" >&3
  exit 0
fi
debug_log "sshd not running, starting new instance"

rand_port() {
  val="$(od -An -N2 -tu2 /dev/urandom | tr -d ' ')"
  echo $((20000 + (val % 45000)))
}

REMOTE_PATH="${PATH:-/usr/bin:/bin}"
ENV_EXPORTS="$(env | awk -F= '/^KUBERNETES_/ {print $1}')"
USER_HOME="$(get_home "$LOGIN_USER")"

i=0
while [ $i -lt 30 ]; do
  i=$((i+1))
  PORT="$(rand_port)"

  cat > "$BASE/sshd_config" <<EOF
ListenAddress 127.0.0.1
Port $PORT
HostKey $BASE/hostkeys/ssh_host_ed25519_key
PidFile $BASE/sshd.pid
AuthorizedKeysFile $BASE/authorized_keys
PubkeyAuthentication yes
StrictModes no
PasswordAuthentication no
KbdInteractiveAuthentication no
ChallengeResponseAuthentication no
PermitEmptyPasswords no
AllowAgentForwarding yes
AllowTcpForwarding yes
X11Forwarding no
Subsystem sftp internal-sftp
LogLevel VERBOSE
PermitUserEnvironment yes
EOF

  printf 'SetEnv PATH=%s\n' "$REMOTE_PATH" >> "$BASE/sshd_config"
  for key in $ENV_EXPORTS; do
    val="$(printenv "$key" || true)"
    printf 'SetEnv %s=%s\n' "$key" "$val" >> "$BASE/sshd_config"
  done
  if [ -n "${KUBECONFIG:-}" ]; then
    printf 'SetEnv KUBECONFIG=%s\n' "$KUBECONFIG" >> "$BASE/sshd_config"
  fi
  if [ -n "$USER_HOME" ] && [ -d "$USER_HOME" ]; then
    mkdir -p "$USER_HOME/.ssh"
    {
      printf 'PATH=%s\n' "$REMOTE_PATH"
      for key in $ENV_EXPORTS; do
        val="$(printenv "$key" || true)"
        printf '%s=%s\n' "$key" "$val"
      done
      if [ -n "${KUBECONFIG:-}" ]; then
        printf 'KUBECONFIG=%s\n' "$KUBECONFIG"
      fi
    } > "$USER_HOME/.ssh/environment"
    chmod 700 "$USER_HOME/.ssh"
    chmod 600 "$USER_HOME/.ssh/environment"
    if [ -n "$LOGIN_USER" ]; then
      chown "$LOGIN_USER":"$LOGIN_USER" "$USER_HOME/.ssh" "$USER_HOME/.ssh/environment" || true
    fi
  fi

  {
    printf 'PATH=%s\n' "$REMOTE_PATH"
    for key in $ENV_EXPORTS; do
      val="$(printenv "$key" || true)"
      printf '%s=%s\n' "$key" "$val"
    done
    if [ -n "${KUBECONFIG:-}" ]; then
      printf 'KUBECONFIG=%s\n' "$KUBECONFIG"
    fi
  } > "$ENV_FILE"
  chmod 600 "$ENV_FILE"
  if [ -n "$LOGIN_USER" ]; then
    chown "$LOGIN_USER":"$LOGIN_USER" "$ENV_FILE" || true
  fi

  chmod 600 "$BASE/sshd_config"
  rm -f "$BASE/sshd.pid"
  debug_log "launching sshd on $PORT"
  "$SSHD" -f "$BASE/sshd_config" -E "$BASE/logs/sshd.log" </dev/null || true
  j=0
  while [ $j -lt 10 ]; do
    if [ -f "$BASE/sshd.pid" ] && kill -0 "$(cat "$BASE/sshd.pid")"; then
      echo "$PORT" > "$BASE/sshd.port"
      chmod 600 "$BASE/sshd.pid" "$BASE/sshd.port"
      echo "$PORT" >&3
      exit 0
    fi
    j=$((j+1))
    sleep 1
  done
  debug_log "retrying sshd start (attempt $i)"
done

echo "sshd did not start" >&2
exit 1
`
