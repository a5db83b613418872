package sshconfig

import (
	"strings"
	"testing"
)

func TestMergeConfigAppendsBlockToEmptyFile(t *testing.T) {
	got := MergeConfig("", renderBlock())
	if !strings.Contains(got, startMarker) || !strings.Contains(got, endMarker) {
		t.Fatalf("merged config missing markers: %q", got)
	}
	if strings.HasPrefix(got, "\n") {
		t.Errorf("merged config should not start with a blank line when current is empty: %q", got)
	}
}

func TestMergeConfigPreservesUnrelatedContent(t *testing.T) {
	current := "Host example.com\n  User bob\n"
	got := MergeConfig(current, renderBlock())
	if !strings.Contains(got, "Host example.com") {
		t.Errorf("unrelated host block dropped: %q", got)
	}
	if !strings.Contains(got, startMarker) {
		t.Error("sshpod block missing")
	}
}

// Applying the merge twice must be idempotent: the second pass replaces the
// sshpod block rather than appending a duplicate one.
func TestMergeConfigIsIdempotent(t *testing.T) {
	current := "Host example.com\n  User bob\n"
	once := MergeConfig(current, renderBlock())
	twice := MergeConfig(once, renderBlock())
	if once != twice {
		t.Errorf("merge is not idempotent:\nonce:  %q\ntwice: %q", once, twice)
	}
	if strings.Count(twice, startMarker) != 1 {
		t.Errorf("expected exactly one sshpod block, got content: %q", twice)
	}
}

func TestMergeConfigReplacesStaleBlockContent(t *testing.T) {
	current := strings.Join([]string{
		"Host example.com",
		"  User bob",
		"",
		startMarker,
		"Host *.sshpod",
		"  ProxyCommand /old/path/sshpod proxy --host %h",
		endMarker,
		"",
	}, "\n")

	got := MergeConfig(current, renderBlock())
	if strings.Contains(got, "/old/path/sshpod") {
		t.Errorf("stale block content should have been replaced: %q", got)
	}
	if !strings.Contains(got, "~/.local/bin/sshpod") {
		t.Errorf("expected updated ProxyCommand, got: %q", got)
	}
	if !strings.Contains(got, "Host example.com") {
		t.Errorf("unrelated content lost: %q", got)
	}
}

func TestMergeConfigRepeatedMergesKeepSingleBlock(t *testing.T) {
	// Re-merging the same block content should not grow the file on each call.
	current := "Host example.com\n  User bob\n"
	result := current
	for i := 0; i < 3; i++ {
		result = MergeConfig(result, renderBlock())
	}
	if strings.Count(result, startMarker) != 1 {
		t.Errorf("expected stable single block after repeated merges, got: %q", result)
	}
}
