// Package portforward wraps `kubectl port-forward` to expose a pod's
// loopback-only sshd port on a local ephemeral port.
package portforward

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// announceTimeout bounds how long Start waits for kubectl to report the
// local port it bound.
const announceTimeout = 10 * time.Second

// kubectlBinary is overridden in tests to point at a stand-in script.
var kubectlBinary = "kubectl"

// PortForward supervises a running `kubectl port-forward` subprocess.
type PortForward struct {
	cmd  *exec.Cmd
	wg   sync.WaitGroup
	done chan struct{}
}

// Start launches `kubectl port-forward` for pod's remotePort and blocks
// until kubectl reports the local port it bound (or the timeout elapses).
func Start(ctx context.Context, kubectlContext, namespace, pod string, remotePort int) (*PortForward, int, error) {
	args := []string{}
	if kubectlContext != "" {
		args = append(args, "--context", kubectlContext)
	}
	args = append(args,
		"port-forward",
		"--address", "localhost",
		"-n", namespace,
		fmt.Sprintf("pod/%s", pod),
		fmt.Sprintf(":%d", remotePort),
	)

	cmd := exec.Command(kubectlBinary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to capture port-forward stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to capture port-forward stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, 0, fmt.Errorf("failed to spawn kubectl port-forward process: %w", err)
	}

	pf := &PortForward{cmd: cmd, done: make(chan struct{})}

	stdoutLines := make(chan string)
	stderrLines := make(chan string)
	go func() {
		sc := bufio.NewScanner(stdout)
		for sc.Scan() {
			stdoutLines <- sc.Text()
		}
		close(stdoutLines)
	}()
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			stderrLines <- sc.Text()
		}
		close(stderrLines)
	}()
	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	announceCtx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()

	port, err := awaitAnnouncedPort(announceCtx, stdoutLines, stderrLines, exited)
	if err != nil {
		_ = cmd.Process.Kill()
		drainLines(stdoutLines)
		drainLines(stderrLines)
		return nil, 0, err
	}

	pf.wg.Add(2)
	go func() {
		defer pf.wg.Done()
		for line := range stdoutLines {
			klog.V(2).Infof("[port-forward] %s", line)
		}
	}()
	go func() {
		defer pf.wg.Done()
		for line := range stderrLines {
			klog.V(2).Infof("[port-forward] %s", line)
		}
	}()
	go func() {
		<-exited
		close(pf.done)
	}()

	return pf, port, nil
}

func awaitAnnouncedPort(ctx context.Context, stdoutLines, stderrLines <-chan string, exited <-chan error) (int, error) {
	for {
		select {
		case line, ok := <-stdoutLines:
			if !ok {
				return 0, fmt.Errorf("kubectl port-forward exited early before reporting a port")
			}
			klog.V(2).Infof("[port-forward] %s", line)
			if port, ok := parsePort(line); ok {
				return port, nil
			}
		case line, ok := <-stderrLines:
			if ok {
				klog.V(2).Infof("[port-forward] %s", line)
			}
		case err := <-exited:
			if err != nil {
				return 0, fmt.Errorf("kubectl port-forward exited early: %w", err)
			}
			return 0, fmt.Errorf("kubectl port-forward exited early with status 0")
		case <-ctx.Done():
			return 0, fmt.Errorf("timed out waiting for port-forward to assign a local port")
		}
	}
}

// Stop kills the port-forward subprocess and waits for its log-drain
// goroutines to finish.
func (pf *PortForward) Stop() error {
	if pf.cmd.Process != nil {
		_ = pf.cmd.Process.Kill()
	}
	<-pf.done
	pf.wg.Wait()
	return nil
}

// drainLines discards a lines channel in the background so its producing
// scanner goroutine never blocks on a send nobody will read.
func drainLines(lines <-chan string) {
	go func() {
		for range lines {
		}
	}()
}

func parsePort(line string) (int, bool) {
	if !strings.Contains(line, "Forwarding from") {
		return 0, false
	}
	for _, tok := range strings.Fields(line) {
		if !strings.Contains(tok, ":") {
			continue
		}
		idx := strings.LastIndex(tok, ":")
		port, err := strconv.Atoi(tok[idx+1:])
		if err != nil {
			continue
		}
		return port, true
	}
	return 0, false
}
