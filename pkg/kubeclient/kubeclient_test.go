package kubeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// scriptedRunner replays a fixed sequence of responses, one per call, and
// records the args it was invoked with.
type scriptedRunner struct {
	calls [][]string
	resps []struct {
		out, err []byte
		e        error
	}
}

func (s *scriptedRunner) run(_ context.Context, args []string, _ []byte) ([]byte, []byte, error) {
	s.calls = append(s.calls, args)
	i := len(s.calls) - 1
	if i >= len(s.resps) {
		return nil, nil, fmt.Errorf("scriptedRunner: no response queued for call %d", i)
	}
	r := s.resps[i]
	return r.out, r.err, r.e
}

func (s *scriptedRunner) push(out []byte, e error) {
	s.resps = append(s.resps, struct {
		out, err []byte
		e        error
	}{out: out, e: e})
}

func newTestClient(r *scriptedRunner) *Client {
	c := New("kubectl")
	c.run = r.run
	return c
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestIsPodReady(t *testing.T) {
	cases := []struct {
		name  string
		pod   corev1.Pod
		ready bool
	}{
		{
			name: "running and ready",
			pod: corev1.Pod{
				Status: corev1.PodStatus{
					Phase:      corev1.PodRunning,
					Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
				},
			},
			ready: true,
		},
		{
			name: "running but not ready",
			pod: corev1.Pod{
				Status: corev1.PodStatus{
					Phase:      corev1.PodRunning,
					Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionFalse}},
				},
			},
			ready: false,
		},
		{
			name: "pending",
			pod: corev1.Pod{
				Status: corev1.PodStatus{Phase: corev1.PodPending},
			},
			ready: false,
		},
	}
	for _, tc := range cases {
		if got := isPodReady(&tc.pod); got != tc.ready {
			t.Errorf("%s: isPodReady = %v, want %v", tc.name, got, tc.ready)
		}
	}
}

func TestIsJobReady(t *testing.T) {
	one := int32(1)
	cases := []struct {
		name  string
		job   batchv1.Job
		ready bool
	}{
		{"succeeded", batchv1.Job{Status: batchv1.JobStatus{Succeeded: 1}}, true},
		{"active", batchv1.Job{Status: batchv1.JobStatus{Active: 1}}, true},
		{"ready pointer set", batchv1.Job{Status: batchv1.JobStatus{Ready: &one}}, true},
		{"none", batchv1.Job{}, false},
	}
	for _, tc := range cases {
		if got := isJobReady(&tc.job); got != tc.ready {
			t.Errorf("%s: isJobReady = %v, want %v", tc.name, got, tc.ready)
		}
	}
}

// Selector rendering must be stable regardless of the order matchLabels or
// matchExpressions were declared in, matching the permutation-invariance
// requirement for pod selection.
func TestSelectorStringPermutationInvariant(t *testing.T) {
	a := &metav1.LabelSelector{
		MatchLabels: map[string]string{"app": "web", "tier": "frontend"},
		MatchExpressions: []metav1.LabelSelectorRequirement{
			{Key: "env", Operator: metav1.LabelSelectorOpIn, Values: []string{"prod", "staging"}},
		},
	}
	b := &metav1.LabelSelector{
		MatchLabels: map[string]string{"tier": "frontend", "app": "web"},
		MatchExpressions: []metav1.LabelSelectorRequirement{
			{Key: "env", Operator: metav1.LabelSelectorOpIn, Values: []string{"staging", "prod"}},
		},
	}

	sa, err := selectorString(a)
	if err != nil {
		t.Fatalf("selectorString(a): %v", err)
	}
	sb, err := selectorString(b)
	if err != nil {
		t.Fatalf("selectorString(b): %v", err)
	}
	if sa != sb {
		t.Errorf("selector rendering not permutation-invariant: %q != %q", sa, sb)
	}
	for _, want := range []string{"app=web", "tier=frontend", "env in (prod,staging)"} {
		if !strings.Contains(sa, want) {
			t.Errorf("selector %q missing clause %q", sa, want)
		}
	}
}

func TestSelectorStringEmptyRejected(t *testing.T) {
	if _, err := selectorString(&metav1.LabelSelector{}); err == nil {
		t.Fatal("expected error for empty selector")
	}
}

func TestChoosePodForDeploymentPrefersReadyPod(t *testing.T) {
	r := &scriptedRunner{}
	dep := appsv1.Deployment{
		Spec: appsv1.DeploymentSpec{
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
		},
	}
	r.push(mustJSON(t, dep), nil)

	pods := corev1.PodList{Items: []corev1.Pod{
		{
			ObjectMeta: metav1.ObjectMeta{Name: "web-1"},
			Status: corev1.PodStatus{
				Phase:      corev1.PodRunning,
				Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionFalse}},
			},
		},
		{
			ObjectMeta: metav1.ObjectMeta{Name: "web-2"},
			Status: corev1.PodStatus{
				Phase:      corev1.PodRunning,
				Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
			},
		},
	}}
	r.push(mustJSON(t, pods), nil)

	c := newTestClient(r)
	name, err := c.ChoosePodForDeployment(context.Background(), "", "default", "web")
	if err != nil {
		t.Fatalf("ChoosePodForDeployment: %v", err)
	}
	if name != "web-2" {
		t.Errorf("chose %q, want web-2 (the ready pod)", name)
	}
}

// Mirrors the canonical pending-then-ready pod-list scenario: with only the
// pending pod present, selectPod still returns it rather than erroring.
func TestChoosePodForDeploymentFallsBackToOnlyPodWhenNoneReady(t *testing.T) {
	r := &scriptedRunner{}
	dep := appsv1.Deployment{
		Spec: appsv1.DeploymentSpec{
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
		},
	}
	r.push(mustJSON(t, dep), nil)

	pods := corev1.PodList{Items: []corev1.Pod{
		{ObjectMeta: metav1.ObjectMeta{Name: "web-1"}, Status: corev1.PodStatus{Phase: corev1.PodPending}},
	}}
	r.push(mustJSON(t, pods), nil)

	c := newTestClient(r)
	name, err := c.ChoosePodForDeployment(context.Background(), "", "default", "web")
	if err != nil {
		t.Fatalf("ChoosePodForDeployment: %v", err)
	}
	if name != "web-1" {
		t.Errorf("chose %q, want web-1 (the only pod, even though pending)", name)
	}
}

func TestChoosePodForJobFallsBackToJobNameSelector(t *testing.T) {
	r := &scriptedRunner{}
	job := batchv1.Job{}
	r.push(mustJSON(t, job), nil)

	pods := corev1.PodList{Items: []corev1.Pod{
		{ObjectMeta: metav1.ObjectMeta{Name: "batch-abcde"}, Status: corev1.PodStatus{Phase: corev1.PodRunning}},
	}}
	r.push(mustJSON(t, pods), nil)

	c := newTestClient(r)
	name, err := c.ChoosePodForJob(context.Background(), "", "default", "batch")
	if err != nil {
		t.Fatalf("ChoosePodForJob: %v", err)
	}
	if name != "batch-abcde" {
		t.Errorf("chose %q, want batch-abcde", name)
	}
	lastArgs := r.calls[len(r.calls)-1]
	found := false
	for i, a := range lastArgs {
		if a == "-l" && i+1 < len(lastArgs) && lastArgs[i+1] == "job-name=batch" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected -l job-name=batch in args, got %v", lastArgs)
	}
}

func TestGetPodInfoEnrichesErrorWithReadyPods(t *testing.T) {
	r := &scriptedRunner{}
	r.push(nil, fmt.Errorf("exit status 1"))
	r.resps[0].err = []byte("pods \"missing\" not found")

	pods := corev1.PodList{Items: []corev1.Pod{
		{
			ObjectMeta: metav1.ObjectMeta{Name: "alive"},
			Status: corev1.PodStatus{
				Phase:      corev1.PodRunning,
				Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
			},
		},
	}}
	r.push(mustJSON(t, pods), nil)

	c := newTestClient(r)
	_, err := c.GetPodInfo(context.Background(), "", "default", "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Ready pods: alive") {
		t.Errorf("error %q missing ready-pod enrichment", err.Error())
	}
}

func TestEnsureContextExistsReportsKnownContexts(t *testing.T) {
	r := &scriptedRunner{}
	r.push([]byte("ctx-a\nctx-b\n"), nil)

	c := newTestClient(r)
	err := c.EnsureContextExists(context.Background(), "ctx-missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "ctx-a, ctx-b") {
		t.Errorf("error %q missing context listing", err.Error())
	}
}

func TestExecCaptureOptionalSwallowsError(t *testing.T) {
	r := &scriptedRunner{}
	r.push(nil, fmt.Errorf("exit status 127"))

	c := newTestClient(r)
	out, ok, err := c.ExecCaptureOptional(context.Background(), RemoteTarget{Namespace: "default", Pod: "p", Container: "c"}, []string{"uname", "-m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false on exec failure")
	}
	if out != "" {
		t.Errorf("out = %q, want empty", out)
	}
}
