package buildinfo

import (
	"strings"
	"testing"
)

func TestGet_LdflagsWin(t *testing.T) {
	origCommit, origTime := GitCommit, BuildTime
	t.Cleanup(func() { GitCommit, BuildTime = origCommit, origTime })

	GitCommit = "0123456789abcdef0123"
	BuildTime = "2026-01-02T03:04:05Z"

	info := Get()
	if info.GitCommit != GitCommit || info.BuildTime != BuildTime {
		t.Errorf("info = %+v", info)
	}
	if !strings.Contains(String(), "(0123456789ab)") {
		t.Errorf("String() = %q, want truncated commit", String())
	}
}

func TestGet_Defaults(t *testing.T) {
	info := Get()
	if info.Version == "" || info.GitCommit == "" || info.GoVersion == "" {
		t.Errorf("info has empty fields: %+v", info)
	}
	if !strings.Contains(info.Platform, "/") {
		t.Errorf("platform = %q", info.Platform)
	}
}
