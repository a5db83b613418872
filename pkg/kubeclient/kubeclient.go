// Package kubeclient is a typed wrapper over the kubectl CLI: it resolves
// contexts, namespaces, and pods/deployments/jobs, and runs commands inside
// containers, all by shelling out to kubectl rather than linking a
// Kubernetes API client.
package kubeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// RemoteTarget is the fully-resolved, immutable location of a proxy run:
// the pod and container commands will execute against.
type RemoteTarget struct {
	Context   string
	Namespace string
	Pod       string
	Container string
}

// PodInfo is the subset of a Pod's identity needed by the bundle stager and
// remote bootstrapper.
type PodInfo struct {
	UID        string
	Containers []string
}

// Runner abstracts subprocess execution so callers (chiefly tests in other
// packages) can substitute a fake kubectl without touching the filesystem or
// network.
type Runner func(ctx context.Context, args []string, stdin []byte) (stdout []byte, stderr []byte, err error)

// Client runs kubectl commands. Construct one with New, which shells out to a
// real kubectl binary, or NewWithRunner, which uses a stub runner; the zero
// value has no runner and is not usable.
type Client struct {
	kubectlPath string
	run         Runner
}

// New returns a Client that shells out to the named kubectl binary ("kubectl"
// if empty).
func New(kubectlPath string) *Client {
	if kubectlPath == "" {
		kubectlPath = "kubectl"
	}
	c := &Client{kubectlPath: kubectlPath}
	c.run = c.execProcess
	return c
}

// NewWithRunner returns a Client driven entirely by run, for tests of
// packages built on top of Client that need to script kubectl's responses.
func NewWithRunner(run Runner) *Client {
	return &Client{run: run}
}

func (c *Client) execProcess(ctx context.Context, args []string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, c.kubectlPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (c *Client) withContext(kubeContext string, args []string) []string {
	if kubeContext == "" {
		return args
	}
	out := make([]string, 0, len(args)+2)
	out = append(out, "--context", kubeContext)
	out = append(out, args...)
	return out
}

// runJSON runs kubectl with args and unmarshals its stdout JSON into v.
func (c *Client) runJSON(ctx context.Context, kubeContext string, args []string, action string, v interface{}) error {
	out, stderr, err := c.run(ctx, c.withContext(kubeContext, args), nil)
	if err != nil {
		return fmt.Errorf("kubectl %s failed: %s", action, strings.TrimSpace(string(stderr)))
	}
	if err := json.Unmarshal(out, v); err != nil {
		return fmt.Errorf("failed to parse kubectl %s json output: %w", action, err)
	}
	return nil
}

// ListContexts returns the ordered list of kubectl contexts known to the
// local kubeconfig.
func (c *Client) ListContexts(ctx context.Context) ([]string, error) {
	out, stderr, err := c.run(ctx, []string{"config", "get-contexts", "-o", "name"}, nil)
	if err != nil {
		return nil, fmt.Errorf("kubectl config get-contexts failed: %s", strings.TrimSpace(string(stderr)))
	}
	var list []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			list = append(list, line)
		}
	}
	return list, nil
}

// EnsureContextExists fails with a message enumerating the known contexts if
// context is not among them.
func (c *Client) EnsureContextExists(ctx context.Context, kubeContext string) error {
	contexts, err := c.ListContexts(ctx)
	if err != nil {
		return err
	}
	for _, known := range contexts {
		if known == kubeContext {
			return nil
		}
	}
	return fmt.Errorf("context %q not found. Available contexts: %s", kubeContext, strings.Join(contexts, ", "))
}

// GetContextNamespace returns the default namespace configured for context,
// or "" if none is set.
func (c *Client) GetContextNamespace(ctx context.Context, kubeContext string) (string, error) {
	jsonPath := fmt.Sprintf("jsonpath={.contexts[?(@.name==%q)].context.namespace}", kubeContext)
	out, stderr, err := c.run(ctx, []string{"config", "view", "-o", jsonPath}, nil)
	if err != nil {
		return "", fmt.Errorf("kubectl config view failed: %s", strings.TrimSpace(string(stderr)))
	}
	return strings.TrimSpace(string(out)), nil
}

// GetPodInfo fetches a pod's UID and container names, enriching failures
// with the ready pods found in the namespace.
func (c *Client) GetPodInfo(ctx context.Context, kubeContext, namespace, pod string) (PodInfo, error) {
	var p corev1.Pod
	args := []string{"get", "pod", pod, "-n", namespace, "-o", "json"}
	if err := c.runJSON(ctx, kubeContext, args, "get pod", &p); err != nil {
		return PodInfo{}, c.enrichWithReadyList(ctx, kubeContext, namespace, "pod", err)
	}
	names := make([]string, 0, len(p.Spec.Containers))
	for _, cont := range p.Spec.Containers {
		names = append(names, cont.Name)
	}
	return PodInfo{UID: string(p.UID), Containers: names}, nil
}

// ChoosePodForDeployment resolves the deployment's label selector and picks
// the best candidate pod.
func (c *Client) ChoosePodForDeployment(ctx context.Context, kubeContext, namespace, name string) (string, error) {
	var d appsv1.Deployment
	args := []string{"get", "deployment", name, "-n", namespace, "-o", "json"}
	if err := c.runJSON(ctx, kubeContext, args, fmt.Sprintf("get deployment %s", name), &d); err != nil {
		return "", c.enrichWithReadyList(ctx, kubeContext, namespace, "deployment", err)
	}
	selector, err := selectorString(d.Spec.Selector)
	if err != nil {
		return "", err
	}
	return c.selectPod(ctx, kubeContext, namespace, selector, "deployment")
}

// ChoosePodForJob resolves the job's selector (falling back to its template
// labels, then job-name=<name>) and picks the best candidate pod.
func (c *Client) ChoosePodForJob(ctx context.Context, kubeContext, namespace, name string) (string, error) {
	var j batchv1.Job
	args := []string{"get", "job", name, "-n", namespace, "-o", "json"}
	if err := c.runJSON(ctx, kubeContext, args, fmt.Sprintf("get job %s", name), &j); err != nil {
		return "", c.enrichWithReadyList(ctx, kubeContext, namespace, "job", err)
	}

	var selector string
	var err error
	switch {
	case j.Spec.Selector != nil:
		selector, err = selectorString(j.Spec.Selector)
	case len(j.Spec.Template.ObjectMeta.Labels) > 0:
		selector, err = selectorString(&metav1.LabelSelector{MatchLabels: j.Spec.Template.ObjectMeta.Labels})
	default:
		selector = fmt.Sprintf("job-name=%s", name)
	}
	if err != nil {
		return "", err
	}
	return c.selectPod(ctx, kubeContext, namespace, selector, "job")
}

// selectorString renders a LabelSelector using the real Kubernetes selector
// grammar (k=v, k in (...), k notin (...), k, !k) via apimachinery, failing
// on an empty or unsupported selector per spec.
func selectorString(sel *metav1.LabelSelector) (string, error) {
	s, err := metav1.LabelSelectorAsSelector(sel)
	if err != nil {
		return "", fmt.Errorf("invalid label selector: %w", err)
	}
	str := s.String()
	if str == "" {
		return "", fmt.Errorf("label selector is empty")
	}
	return str, nil
}

func (c *Client) selectPod(ctx context.Context, kubeContext, namespace, selector, kind string) (string, error) {
	var list corev1.PodList
	args := []string{"get", "pods", "-n", namespace, "-l", selector, "-o", "json"}
	if err := c.runJSON(ctx, kubeContext, args, "get pods", &list); err != nil {
		return "", err
	}
	if len(list.Items) == 0 {
		return "", fmt.Errorf("no pods found for %s selector `%s` in namespace %s", kind, selector, namespace)
	}

	var running *corev1.Pod
	for i := range list.Items {
		p := &list.Items[i]
		if isPodReady(p) {
			return p.Name, nil
		}
		if running == nil && isPodRunning(p) {
			running = p
		}
	}
	if running != nil {
		return running.Name, nil
	}
	return list.Items[0].Name, nil
}

func isPodRunning(p *corev1.Pod) bool {
	return p.Status.Phase == corev1.PodRunning
}

func isPodReady(p *corev1.Pod) bool {
	if !isPodRunning(p) {
		return false
	}
	for _, cond := range p.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func isDeploymentReady(d *appsv1.Deployment) bool {
	return int64(d.Status.AvailableReplicas)+int64(d.Status.ReadyReplicas) > 0
}

func isJobReady(j *batchv1.Job) bool {
	if j.Status.Succeeded > 0 || j.Status.Active > 0 {
		return true
	}
	return j.Status.Ready != nil && *j.Status.Ready > 0
}

// enrichWithReadyList appends "Ready <kind>s: ..." to err's message when a
// parallel listing of ready resources of the same kind succeeds.
func (c *Client) enrichWithReadyList(ctx context.Context, kubeContext, namespace, kind string, primaryErr error) error {
	names, listErr := c.listReadyResources(ctx, kubeContext, namespace, kind)
	if listErr != nil || len(names) == 0 {
		return primaryErr
	}
	return fmt.Errorf("%s Ready %ss: %s", primaryErr.Error(), kind, strings.Join(names, ", "))
}

func (c *Client) listReadyResources(ctx context.Context, kubeContext, namespace, kind string) ([]string, error) {
	switch kind {
	case "pod":
		var list corev1.PodList
		if err := c.runJSON(ctx, kubeContext, []string{"get", "pods", "-n", namespace, "-o", "json"}, "get pods", &list); err != nil {
			return nil, err
		}
		var names []string
		for i := range list.Items {
			if isPodReady(&list.Items[i]) {
				names = append(names, list.Items[i].Name)
			}
		}
		return names, nil
	case "deployment":
		var list appsv1.DeploymentList
		if err := c.runJSON(ctx, kubeContext, []string{"get", "deployments", "-n", namespace, "-o", "json"}, "get deployments", &list); err != nil {
			return nil, err
		}
		var names []string
		for i := range list.Items {
			if isDeploymentReady(&list.Items[i]) {
				names = append(names, list.Items[i].Name)
			}
		}
		return names, nil
	case "job":
		var list batchv1.JobList
		if err := c.runJSON(ctx, kubeContext, []string{"get", "jobs", "-n", namespace, "-o", "json"}, "get jobs", &list); err != nil {
			return nil, err
		}
		var names []string
		for i := range list.Items {
			if isJobReady(&list.Items[i]) {
				names = append(names, list.Items[i].Name)
			}
		}
		return names, nil
	default:
		return nil, nil
	}
}

func execArgs(namespace, pod, container string, wantStdin bool, command []string) []string {
	args := []string{"exec"}
	if wantStdin {
		args = append(args, "-i")
	}
	args = append(args, "-n", namespace, pod, "-c", container, "--")
	return append(args, command...)
}

// ExecCapture runs command inside the target's container and returns its
// trimmed stdout, failing on a non-zero exit.
func (c *Client) ExecCapture(ctx context.Context, target RemoteTarget, command []string) (string, error) {
	args := c.withContext(target.Context, execArgs(target.Namespace, target.Pod, target.Container, false, command))
	out, stderr, err := c.run(ctx, args, nil)
	if err != nil {
		return "", fmt.Errorf("kubectl exec failed: %s", strings.TrimSpace(string(stderr)))
	}
	return strings.TrimSpace(string(out)), nil
}

// ExecCaptureOptional is like ExecCapture but returns ("", false) instead of
// an error on non-zero exit, for use as a probe.
func (c *Client) ExecCaptureOptional(ctx context.Context, target RemoteTarget, command []string) (string, bool, error) {
	args := c.withContext(target.Context, execArgs(target.Namespace, target.Pod, target.Container, false, command))
	out, _, err := c.run(ctx, args, nil)
	if err != nil {
		return "", false, nil
	}
	return strings.TrimSpace(string(out)), true, nil
}

// ExecWithInput runs command inside the target's container, feeding it
// input on stdin then closing it, and returns trimmed stdout.
func (c *Client) ExecWithInput(ctx context.Context, target RemoteTarget, command []string, input []byte) (string, error) {
	args := c.withContext(target.Context, execArgs(target.Namespace, target.Pod, target.Container, true, command))
	out, stderr, err := c.run(ctx, args, input)
	if err != nil {
		return "", fmt.Errorf("kubectl exec failed: %s", strings.TrimSpace(string(stderr)))
	}
	return strings.TrimSpace(string(out)), nil
}
