package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	tests := []struct {
		name    string
		version string
		commit  string
		want    string
	}{
		{name: "empty defaults to dev", version: "", commit: "", want: "dev"},
		{name: "unknown commit ignored", version: "1.2.3", commit: "unknown", want: "1.2.3"},
		{name: "commit appended", version: "v1.2.3", commit: "abc123", want: "v1.2.3+abc123"},
		{name: "commit already in version", version: "v1.2.3-abc123", commit: "abc123", want: "v1.2.3-abc123"},
		{name: "trims whitespace", version: " 1.0 ", commit: " a1 ", want: "1.0+a1"},
		{name: "unknown commit case-insensitive", version: "2.0.0", commit: "UNKNOWN", want: "2.0.0"},
	}

	origVersion, origCommit := version, commit
	t.Cleanup(func() {
		version, commit = origVersion, origCommit
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version = tt.version
			commit = tt.commit
			if got := versionString(); got != tt.want {
				t.Fatalf("versionString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunExitCodes(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"--version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("--version exit = %d, stderr %q", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "wslusb ") {
		t.Fatalf("--version output = %q", stdout.String())
	}

	stdout.Reset()
	stderr.Reset()
	if code := run(context.Background(), []string{"frobnicate"}, &stdout, &stderr); code != 1 {
		t.Fatalf("unknown command exit = %d", code)
	}
	if !strings.Contains(stderr.String(), "wslusb: unknown command") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}
