package proxy

import (
	"strings"
	"testing"

	"github.com/pfnet-research/sshpod/pkg/hostspec"
	"github.com/pfnet-research/sshpod/pkg/kubeclient"
)

func TestResolveContainerSingleContainerNoHint(t *testing.T) {
	podInfo := kubeclient.PodInfo{Containers: []string{"app"}}
	got, err := resolveContainer(hostspec.HostSpec{}, podInfo, "pod-1")
	if err != nil {
		t.Fatalf("resolveContainer: %v", err)
	}
	if got != "app" {
		t.Errorf("got %q, want app", got)
	}
}

func TestResolveContainerMultipleContainersRequiresHint(t *testing.T) {
	podInfo := kubeclient.PodInfo{Containers: []string{"app", "sidecar"}}
	_, err := resolveContainer(hostspec.HostSpec{}, podInfo, "pod-1")
	if err == nil {
		t.Fatal("expected error when multiple containers and no hint given")
	}
	if !strings.Contains(err.Error(), "container--") {
		t.Errorf("error should mention container-- hint syntax, got: %v", err)
	}
}

func TestResolveContainerExplicitHintMustExist(t *testing.T) {
	podInfo := kubeclient.PodInfo{Containers: []string{"app", "sidecar"}}
	host := hostspec.HostSpec{Container: "missing"}
	_, err := resolveContainer(host, podInfo, "pod-1")
	if err == nil || !strings.Contains(err.Error(), "not found in pod pod-1") {
		t.Errorf("err = %v", err)
	}
}

func TestResolveContainerExplicitHintFound(t *testing.T) {
	podInfo := kubeclient.PodInfo{Containers: []string{"app", "sidecar"}}
	host := hostspec.HostSpec{Container: "sidecar"}
	got, err := resolveContainer(host, podInfo, "pod-1")
	if err != nil {
		t.Fatalf("resolveContainer: %v", err)
	}
	if got != "sidecar" {
		t.Errorf("got %q, want sidecar", got)
	}
}
