package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func unsetAfter(t *testing.T, keys ...string) {
	t.Helper()
	t.Cleanup(func() {
		for _, k := range keys {
			_ = os.Unsetenv(k)
		}
	})
}

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "" +
		"# comment\n" +
		"CW_FROM_FILE=loaded\n" +
		"CW_QUOTED=\"hello world\"\n" +
		"export CW_EXPORTED=ok\n" +
		"CW_EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	unsetAfter(t, "CW_FROM_FILE", "CW_QUOTED", "CW_EXPORTED")
	t.Setenv("CW_EXISTING", "already_set")

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("CW_FROM_FILE"); got != "loaded" {
		t.Fatalf("CW_FROM_FILE=%q, want %q", got, "loaded")
	}
	if got := os.Getenv("CW_QUOTED"); got != "hello world" {
		t.Fatalf("CW_QUOTED=%q, want %q", got, "hello world")
	}
	if got := os.Getenv("CW_EXPORTED"); got != "ok" {
		t.Fatalf("CW_EXPORTED=%q, want %q", got, "ok")
	}
	if got := os.Getenv("CW_EXISTING"); got != "already_set" {
		t.Fatalf("CW_EXISTING=%q, want existing value preserved", got)
	}
}

func TestLoadFirst_EarlierFileWins(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, ".env.local")
	second := filepath.Join(dir, ".env")
	if err := os.WriteFile(first, []byte("CW_ORDER=first\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(second, []byte("CW_ORDER=second\nCW_ONLY_SECOND=yes\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	unsetAfter(t, "CW_ORDER", "CW_ONLY_SECOND")

	if err := LoadFirst(filepath.Join(dir, "missing"), first, second); err != nil {
		t.Fatalf("LoadFirst: %v", err)
	}
	if got := os.Getenv("CW_ORDER"); got != "first" {
		t.Fatalf("CW_ORDER=%q", got)
	}
	if got := os.Getenv("CW_ONLY_SECOND"); got != "yes" {
		t.Fatalf("CW_ONLY_SECOND=%q", got)
	}
}
