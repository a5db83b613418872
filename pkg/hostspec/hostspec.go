// Package hostspec parses the .sshpod hostname grammar used as the
// ProxyCommand target into a structured descriptor.
package hostspec

import (
	"fmt"
	"strings"
)

// TargetKind identifies which kind of workload a HostSpec names.
type TargetKind int

const (
	TargetPod TargetKind = iota
	TargetDeployment
	TargetJob
)

func (k TargetKind) String() string {
	switch k {
	case TargetPod:
		return "pod"
	case TargetDeployment:
		return "deployment"
	case TargetJob:
		return "job"
	default:
		return "unknown"
	}
}

// Target is the tagged pod/deployment/job name carried by a HostSpec.
type Target struct {
	Kind TargetKind
	Name string
}

// HostSpec is the structured form of a parsed *.sshpod hostname.
type HostSpec struct {
	Context   string
	Namespace string
	Target    Target
	Container string
}

const suffix = ".sshpod"

// Parse maps a hostname ending in .sshpod to a HostSpec. See package docs
// in spec.md §4.1 for the full grammar; in short: dot-separated tokens, each
// containing "--", with one of pod--/deployment--/job-- required exactly
// once and namespace--/context--/container-- each optional and at most once.
func Parse(host string) (HostSpec, error) {
	trimmed := strings.TrimRight(host, ".")
	without, ok := strings.CutSuffix(trimmed, suffix)
	if !ok {
		return HostSpec{}, fmt.Errorf("hostname must end with %s", suffix)
	}

	var spec HostSpec
	var haveContainer, haveNamespace, haveContext, haveTarget bool

	for _, token := range strings.Split(without, ".") {
		if token == "" {
			continue
		}
		if !strings.Contains(token, "--") {
			return HostSpec{}, fmt.Errorf("hostname segment %q is missing \"--\"", token)
		}

		switch {
		case strings.HasPrefix(token, "container--"):
			rest := strings.TrimPrefix(token, "container--")
			if rest == "" || haveContainer {
				return HostSpec{}, errInvalidFormat
			}
			spec.Container = rest
			haveContainer = true
		case strings.HasPrefix(token, "namespace--"):
			rest := strings.TrimPrefix(token, "namespace--")
			if rest == "" || haveNamespace {
				return HostSpec{}, errInvalidFormat
			}
			spec.Namespace = rest
			haveNamespace = true
		case strings.HasPrefix(token, "context--"):
			rest := strings.TrimPrefix(token, "context--")
			if rest == "" || haveContext {
				return HostSpec{}, errInvalidFormat
			}
			spec.Context = rest
			haveContext = true
		default:
			target, err := parseTarget(token)
			if err != nil {
				return HostSpec{}, err
			}
			if haveTarget {
				return HostSpec{}, errInvalidFormat
			}
			spec.Target = target
			haveTarget = true
		}
	}

	if !haveTarget {
		return HostSpec{}, errInvalidFormat
	}
	return spec, nil
}

var errInvalidFormat = fmt.Errorf("hostname must include one of pod--/deployment--/job-- " +
	"(container--, namespace--, context-- optional), ending with .sshpod")

func parseTarget(token string) (Target, error) {
	for _, kind := range []TargetKind{TargetPod, TargetDeployment, TargetJob} {
		prefix := kind.String() + "--"
		if rest, ok := strings.CutPrefix(token, prefix); ok {
			if rest == "" {
				return Target{}, errInvalidFormat
			}
			return Target{Kind: kind, Name: rest}, nil
		}
	}
	return Target{}, errInvalidFormat
}
