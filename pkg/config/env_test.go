package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestGetEnvTreatsEmptyAsUnset(t *testing.T) {
	t.Setenv("BURSAR_TEST_STR", "")
	if got := GetEnv("BURSAR_TEST_STR", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback for empty value, got %q", got)
	}
	t.Setenv("BURSAR_TEST_STR", "set")
	if got := GetEnv("BURSAR_TEST_STR", "fallback"); got != "set" {
		t.Fatalf("expected env value, got %q", got)
	}
}

func TestTypedGettersFallBackOnBadInput(t *testing.T) {
	t.Setenv("BURSAR_TEST_INT", "100")
	t.Setenv("BURSAR_TEST_BOOL", "false")
	t.Setenv("BURSAR_TEST_DUR", "30s")
	if got := GetEnvInt("BURSAR_TEST_INT", 42); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
	if got := GetEnvBool("BURSAR_TEST_BOOL", true); got {
		t.Fatal("expected false from env")
	}
	if got := GetEnvDuration("BURSAR_TEST_DUR", time.Minute); got != 30*time.Second {
		t.Fatalf("expected 30s, got %v", got)
	}

	// Malformed values fall back rather than abort startup.
	t.Setenv("BURSAR_TEST_INT", "notint")
	t.Setenv("BURSAR_TEST_BOOL", "maybe")
	t.Setenv("BURSAR_TEST_DUR", "soon")
	if got := GetEnvInt("BURSAR_TEST_INT", 7); got != 7 {
		t.Fatalf("expected default on parse error, got %d", got)
	}
	if got := GetEnvBool("BURSAR_TEST_BOOL", true); !got {
		t.Fatal("expected default on parse error")
	}
	if got := GetEnvDuration("BURSAR_TEST_DUR", time.Minute); got != time.Minute {
		t.Fatalf("expected default on parse error, got %v", got)
	}
}

func TestGetLogLevel(t *testing.T) {
	cases := map[string]logrus.Level{
		"debug":   logrus.DebugLevel,
		"warn":    logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"":        logrus.InfoLevel,
		"verbose": logrus.InfoLevel,
	}
	for value, want := range cases {
		t.Setenv("LOG_LEVEL", value)
		if got := GetLogLevel(); got != want {
			t.Fatalf("LOG_LEVEL=%q: expected %v, got %v", value, want, got)
		}
	}
}

func TestLoadEnvOverlaysDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("BURSAR_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(cwd) })
	t.Setenv("BURSAR_TEST_DOTENV", "")

	LoadEnv(nil)
	if got := os.Getenv("BURSAR_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("expected .env overlay to apply, got %q", got)
	}
}

func TestLoadEnvWithoutFilesIsANoop(t *testing.T) {
	cwd, _ := os.Getwd()
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(cwd) })

	LoadEnv(logrus.New())
}
