package pathguard

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveContainment(t *testing.T) {
	base := t.TempDir()
	if err := os.Mkdir(filepath.Join(base, "Inception (2010)"), 0755); err != nil {
		t.Fatal(err)
	}

	got, err := Resolve(base, "Inception (2010)", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantSuffix := filepath.Join("Inception (2010)")
	if filepath.Base(got) != wantSuffix {
		t.Fatalf("got %q, want basename %q", got, wantSuffix)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	base := t.TempDir()
	cases := []string{"../etc", "..", "a/../../b", "/etc/passwd", "a\\b", "C:\\x", "a~b", "a$b", "a`b", "a;b", "a\x00b"}
	for _, hint := range cases {
		if _, err := Resolve(base, hint, false); err == nil {
			t.Errorf("hint %q: expected rejection, got nil error", hint)
		}
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(base, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if _, err := Resolve(base, "escape", true); err == nil {
		t.Fatal("expected symlink escape to be rejected")
	}
}
