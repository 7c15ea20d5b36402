package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	root := t.TempDir()
	return NewFileStore(filepath.Join(root, "artifacts"), filepath.Join(root, "work"))
}

func TestWriteAuditRoundTrip(t *testing.T) {
	s := newTestStore(t)

	path, err := s.WriteAudit(KindStrategy, "corr-1", "bus_timeout_fix", "# Strategy\n\nRetry with backoff.")
	if err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}

	if filepath.Base(filepath.Dir(path)) != "strategy" {
		t.Errorf("artifact not grouped by kind: %s", path)
	}
	if !strings.Contains(filepath.Base(path), "corr-1") {
		t.Errorf("filename missing correlation: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "# Strategy\n\nRetry with backoff." {
		t.Errorf("content mismatch: %q", data)
	}
}

func TestWriteAuditValidation(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.WriteAudit(Kind("bogus"), "corr-1", "x", "y"); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := s.WriteAudit(KindDecision, "corr-1", "", "y"); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestWriteAuditSanitizesName(t *testing.T) {
	s := newTestStore(t)

	path, err := s.WriteAudit(KindDecision, "corr/2", "fix: bus retry", "decision text")
	if err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}

	// Unsafe characters must not escape the kind directory.
	if filepath.Base(filepath.Dir(path)) != "decision" {
		t.Errorf("sanitized artifact landed outside kind directory: %s", path)
	}
	if strings.ContainsAny(filepath.Base(path), "/: ") {
		t.Errorf("filename still contains unsafe characters: %s", path)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	s := newTestStore(t)

	for _, name := range []string{"first", "second", "third"} {
		if _, err := s.WriteAudit(KindDecision, "corr-1", name, "decision "+name); err != nil {
			t.Fatalf("WriteAudit(%s): %v", name, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	got, err := s.Recent(KindDecision, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d artifacts, want 2", len(got))
	}
	if got[0].Content != "decision third" {
		t.Errorf("newest artifact content = %q, want decision third", got[0].Content)
	}
	if got[1].Content != "decision second" {
		t.Errorf("second artifact content = %q, want decision second", got[1].Content)
	}
	if got[0].Kind != KindDecision || got[0].Path == "" || got[0].CreatedAt.IsZero() {
		t.Errorf("artifact metadata incomplete: %+v", got[0])
	}
}

func TestRecentEmptyKind(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Recent(KindSpecification, 5)
	if err != nil {
		t.Fatalf("Recent on empty kind: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no artifacts, got %d", len(got))
	}

	if got, _ := s.Recent(KindSpecification, 0); got != nil {
		t.Errorf("Recent with n=0 should return nil, got %v", got)
	}
	if _, err := s.Recent(Kind("bogus"), 3); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestScratchLifecycle(t *testing.T) {
	s := newTestStore(t)

	path, err := s.WriteScratch("corr-9", "draft.md", "v1")
	if err != nil {
		t.Fatalf("WriteScratch: %v", err)
	}

	// Same name overwrites.
	again, err := s.WriteScratch("corr-9", "draft.md", "v2")
	if err != nil {
		t.Fatalf("WriteScratch overwrite: %v", err)
	}
	if again != path {
		t.Errorf("overwrite produced a new path: %s vs %s", again, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "v2" {
		t.Errorf("scratch content = %q, want v2", data)
	}

	if err := s.ClearScratch("corr-9"); err != nil {
		t.Fatalf("ClearScratch: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(path)); !os.IsNotExist(err) {
		t.Error("scratch directory still exists after clear")
	}

	// Clearing an unknown correlation is fine.
	if err := s.ClearScratch("never-seen"); err != nil {
		t.Errorf("ClearScratch on unknown correlation: %v", err)
	}
}

func TestClearScratchLeavesAudit(t *testing.T) {
	s := newTestStore(t)

	auditPath, err := s.WriteAudit(KindExecutionPlan, "corr-5", "plan", "groups: 2")
	if err != nil {
		t.Fatalf("WriteAudit: %v", err)
	}
	if _, err := s.WriteScratch("corr-5", "notes.txt", "scratch"); err != nil {
		t.Fatalf("WriteScratch: %v", err)
	}

	if err := s.ClearScratch("corr-5"); err != nil {
		t.Fatalf("ClearScratch: %v", err)
	}

	if _, err := os.Stat(auditPath); err != nil {
		t.Errorf("audit artifact removed by scratch clear: %v", err)
	}
}

func TestKindValidation(t *testing.T) {
	for _, k := range []Kind{KindStrategy, KindSpecification, KindDecision, KindExecutionPlan} {
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if Kind("strategy2").Valid() {
		t.Error("unknown kind should be invalid")
	}
}
