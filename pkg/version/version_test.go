package version

import "testing"

func TestGetInfoCarriesBuildMetadata(t *testing.T) {
	info := GetInfo()
	if info.Version == "" || info.GitCommit == "" || info.BuildDate == "" {
		t.Fatalf("expected populated build metadata, got %+v", info)
	}
}

func TestGetShortCommit(t *testing.T) {
	orig := GitCommit
	t.Cleanup(func() { GitCommit = orig })

	GitCommit = "abcdef123456"
	if got := GetShortCommit(); got != "abcdef1" {
		t.Fatalf("expected 7-char commit, got %q", got)
	}

	GitCommit = "abc"
	if got := GetShortCommit(); got != "abc" {
		t.Fatalf("short hashes pass through, got %q", got)
	}
}
