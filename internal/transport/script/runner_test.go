package script

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadScript(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.txt")
	content := `# warmup
hello there

tell me about the archive
  # indented comment
who holds the key?
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	prompts, err := loadScript(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"hello there", "tell me about the archive", "who holds the key?"}
	if !reflect.DeepEqual(prompts, want) {
		t.Errorf("prompts = %v, want %v", prompts, want)
	}
}

func TestLoadScript_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := loadScript("/nonexistent/session.txt"); err == nil {
		t.Fatal("expected error for missing script")
	}
}
