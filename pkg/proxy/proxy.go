// Package proxy sequences a full run: parse the hostname, resolve a pod,
// stage the sshd bundle, bootstrap sshd, forward its port, and pump bytes.
package proxy

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"time"

	"k8s.io/klog/v2"

	"github.com/pfnet-research/sshpod/pkg/bundle"
	"github.com/pfnet-research/sshpod/pkg/hostspec"
	"github.com/pfnet-research/sshpod/pkg/keys"
	"github.com/pfnet-research/sshpod/pkg/kubeclient"
	"github.com/pfnet-research/sshpod/pkg/portforward"
	"github.com/pfnet-research/sshpod/pkg/remote"
	"github.com/pfnet-research/sshpod/pkg/streampump"
)

// Args mirrors the flags OpenSSH's ProxyCommand passes to the sshpod
// binary.
type Args struct {
	Host     string
	User     string
	Port     int
	LogLevel string
}

// baseRoot is the root under which the per-container staging directory
// <baseRoot>/<pod-uid>/<container> is created inside every target container.
// It is not configurable; the remote bootstrap script receives the full base
// path and chmods the two directories above it, relying on this layout.
const baseRoot = "/tmp/sshpod"

// Run executes one proxy session end to end, blocking until the byte pump
// between stdin/stdout and the forwarded sshd connection finishes.
func Run(ctx context.Context, client *kubeclient.Client, args Args, stdin *os.File, stdout *os.File) error {
	host, err := hostspec.Parse(args.Host)
	if err != nil {
		return fmt.Errorf("failed to parse hostspec: %w", err)
	}

	loginUser := args.User
	if loginUser == "" {
		loginUser, err = currentUsername()
		if err != nil {
			return err
		}
	}

	target, podInfo, err := resolveRemoteTarget(ctx, client, host)
	if err != nil {
		return err
	}
	base := fmt.Sprintf("%s/%s/%s", baseRoot, podInfo.UID, target.Container)

	localKey, err := keys.EnsureKey("id_ed25519")
	if err != nil {
		return fmt.Errorf("failed to ensure ~/.cache/sshpod/id_ed25519 exists: %w", err)
	}
	hostKeys, err := keys.EnsureKey("ssh_host_ed25519_key")
	if err != nil {
		return fmt.Errorf("failed to create host keys: %w", err)
	}

	remote.TryAcquireLock(ctx, client, target, base)
	if err := remote.AssertLoginUserAllowed(ctx, client, target, loginUser); err != nil {
		return err
	}

	arch, err := bundle.DetectRemoteArch(ctx, client, target)
	if err != nil {
		return fmt.Errorf("failed to detect remote arch: %w", err)
	}
	klog.V(1).Infof("remote architecture: %s", arch)

	if err := bundle.EnsureBundle(ctx, client, target, base, arch); err != nil {
		return err
	}
	klog.V(1).Infof("sshd bundle ready for pod %s", target.Pod)

	if err := remote.InstallHostKeys(ctx, client, target, base, hostKeys); err != nil {
		return err
	}

	klog.V(1).Infof("starting/ensuring sshd in pod %s", target.Pod)
	remotePort, err := remote.EnsureSSHDRunning(ctx, client, target, base, loginUser, localKey.Public)
	if err != nil {
		return err
	}
	klog.V(1).Infof("sshd is listening on 127.0.0.1:%d (pod %s)", remotePort, target.Pod)

	klog.V(1).Infof("starting port-forward to %s:%d", target.Pod, remotePort)
	forward, localPort, err := portforward.Start(ctx, target.Context, target.Namespace, target.Pod, remotePort)
	if err != nil {
		return err
	}
	klog.V(1).Infof("port-forward established: localhost:%d -> %s:%d", localPort, target.Pod, remotePort)

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", localPort), 10*time.Second)
	if err != nil {
		_ = forward.Stop()
		return fmt.Errorf("failed to connect to forwarded sshd port: %w", err)
	}
	tcpConn := conn.(*net.TCPConn)

	pumpErr := streampump.Pump(tcpConn, stdin, stdout)
	stopErr := forward.Stop()

	if pumpErr != nil {
		return pumpErr
	}
	return stopErr
}

func resolveRemoteTarget(ctx context.Context, client *kubeclient.Client, host hostspec.HostSpec) (kubeclient.RemoteTarget, kubeclient.PodInfo, error) {
	if host.Context != "" {
		if err := client.EnsureContextExists(ctx, host.Context); err != nil {
			return kubeclient.RemoteTarget{}, kubeclient.PodInfo{}, err
		}
	}

	namespace := host.Namespace
	if namespace == "" {
		lookupContext := host.Context
		if lookupContext == "" {
			lookupContext = "default"
		}
		ns, err := client.GetContextNamespace(ctx, lookupContext)
		if err != nil {
			return kubeclient.RemoteTarget{}, kubeclient.PodInfo{}, err
		}
		if ns == "" {
			ns = "default"
		}
		namespace = ns
	}

	var podName string
	var err error
	switch host.Target.Kind {
	case hostspec.TargetPod:
		podName = host.Target.Name
	case hostspec.TargetDeployment:
		podName, err = client.ChoosePodForDeployment(ctx, host.Context, namespace, host.Target.Name)
		if err != nil {
			return kubeclient.RemoteTarget{}, kubeclient.PodInfo{}, fmt.Errorf("failed to select pod from deployment `%s`: %w", host.Target.Name, err)
		}
	case hostspec.TargetJob:
		podName, err = client.ChoosePodForJob(ctx, host.Context, namespace, host.Target.Name)
		if err != nil {
			return kubeclient.RemoteTarget{}, kubeclient.PodInfo{}, fmt.Errorf("failed to select pod from job `%s`: %w", host.Target.Name, err)
		}
	}

	displayContext := host.Context
	if displayContext == "" {
		displayContext = "default"
	}
	klog.V(1).Infof("resolved pod: %s (namespace=%s, context=%s)", podName, namespace, displayContext)

	podInfo, err := client.GetPodInfo(ctx, host.Context, namespace, podName)
	if err != nil {
		return kubeclient.RemoteTarget{}, kubeclient.PodInfo{}, fmt.Errorf("failed to inspect pod %s.%s: %w", podName, namespace, err)
	}

	container, err := resolveContainer(host, podInfo, podName)
	if err != nil {
		return kubeclient.RemoteTarget{}, kubeclient.PodInfo{}, err
	}
	klog.V(1).Infof("resolved container: %s", container)

	target := kubeclient.RemoteTarget{
		Context:   host.Context,
		Namespace: namespace,
		Pod:       podName,
		Container: container,
	}
	return target, podInfo, nil
}

func resolveContainer(host hostspec.HostSpec, podInfo kubeclient.PodInfo, podName string) (string, error) {
	if host.Container != "" {
		for _, name := range podInfo.Containers {
			if name == host.Container {
				return host.Container, nil
			}
		}
		return "", fmt.Errorf("container `%s` not found in pod %s", host.Container, podName)
	}
	if len(podInfo.Containers) == 1 {
		return podInfo.Containers[0], nil
	}
	return "", fmt.Errorf("this Pod has multiple containers. Use " +
		"container--<container>.pod--<pod>.namespace--<namespace>[.context--<context>].sshpod to specify the target container")
}

// currentUsername resolves the local login user the same way the teacher's
// agent side does: os/user.Current() first (covers the common case of no
// $USER/$USERNAME but a valid passwd/token entry), falling back to the env
// vars for minimal containers where os/user has no NSS backend to query.
func currentUsername() (string, error) {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username, nil
	}
	if u := os.Getenv("USER"); u != "" {
		return u, nil
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u, nil
	}
	return "", fmt.Errorf("failed to determine local username; set $USER")
}
