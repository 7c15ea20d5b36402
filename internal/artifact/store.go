// Package artifact externalizes plans, strategies, specifications and
// decisions to disk so every consequential choice survives the process
// that made it.
//
// Two trees, two lifetimes: audit artifacts live under the artifacts
// directory grouped by kind and are never deleted by the pipeline;
// scratch files live under work/<correlation>/ and are removed when the
// correlation resets.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"flywheel/internal/logging"
)

// Kind classifies an audit artifact.
type Kind string

const (
	// KindStrategy is the full strategy written for every processed signal.
	KindStrategy Kind = "strategy"
	// KindSpecification is the formal spec written for high-complexity work.
	KindSpecification Kind = "specification"
	// KindDecision records an architectural design decision.
	KindDecision Kind = "decision"
	// KindExecutionPlan lists the parallel groups before delegates run.
	KindExecutionPlan Kind = "execution-plan"
)

// Valid reports whether the kind is one of the known artifact kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindStrategy, KindSpecification, KindDecision, KindExecutionPlan:
		return true
	}
	return false
}

// Artifact is a persisted audit artifact loaded back from disk.
type Artifact struct {
	Kind      Kind
	Name      string
	Path      string
	Content   string
	CreatedAt time.Time
}

// Store is the storage port the loops write through. Implementations
// must be safe for concurrent use.
type Store interface {
	// WriteAudit persists an audit artifact and returns its path.
	WriteAudit(kind Kind, correlationID, name, content string) (string, error)

	// WriteScratch persists a working file for a correlation and returns
	// its path. Writing the same name again overwrites.
	WriteScratch(correlationID, name, content string) (string, error)

	// Recent returns up to n audit artifacts of the given kind, newest
	// first, with content loaded.
	Recent(kind Kind, n int) ([]Artifact, error)

	// ClearScratch removes every working file for a correlation.
	ClearScratch(correlationID string) error
}

// FileStore implements Store over two directory trees.
type FileStore struct {
	auditDir string
	workDir  string
}

// NewFileStore creates a file-backed artifact store. Directories are
// created lazily on first write.
func NewFileStore(auditDir, workDir string) *FileStore {
	return &FileStore{
		auditDir: auditDir,
		workDir:  workDir,
	}
}

// WriteAudit persists an audit artifact under <auditDir>/<kind>/.
// Filenames carry a timestamp and the correlation so artifacts from the
// same signal sort together.
func (s *FileStore) WriteAudit(kind Kind, correlationID, name, content string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown artifact kind: %q", kind)
	}
	if name == "" {
		return "", fmt.Errorf("artifact name cannot be empty")
	}

	dir := filepath.Join(s.auditDir, string(kind))
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.ArtifactError("Failed to create artifact directory: %v", err)
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s_%s.md",
		time.Now().Format("20060102_150405"),
		sanitizeName(correlationID),
		sanitizeName(name))
	path := filepath.Join(dir, filename)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		logging.ArtifactError("Failed to write %s artifact: %v", kind, err)
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}

	logging.Artifact("Externalized %s artifact: %s (%d bytes)", kind, path, len(content))
	return path, nil
}

// WriteScratch persists a working file under <workDir>/<correlation>/.
func (s *FileStore) WriteScratch(correlationID, name, content string) (string, error) {
	if correlationID == "" {
		return "", fmt.Errorf("correlation id cannot be empty")
	}
	if name == "" {
		return "", fmt.Errorf("scratch name cannot be empty")
	}

	dir := filepath.Join(s.workDir, sanitizeName(correlationID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.ArtifactError("Failed to create scratch directory: %v", err)
		return "", fmt.Errorf("failed to create scratch directory: %w", err)
	}

	path := filepath.Join(dir, sanitizeName(name))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		logging.ArtifactError("Failed to write scratch file: %v", err)
		return "", fmt.Errorf("failed to write scratch file: %w", err)
	}

	logging.ArtifactDebug("Scratch file written: %s (%d bytes)", path, len(content))
	return path, nil
}

// Recent returns up to n artifacts of the given kind, newest first.
// A kind that has never been written yields an empty slice.
func (s *FileStore) Recent(kind Kind, n int) ([]Artifact, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown artifact kind: %q", kind)
	}
	if n <= 0 {
		return nil, nil
	}

	dir := filepath.Join(s.auditDir, string(kind))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read artifact directory: %w", err)
	}

	type candidate struct {
		name    string
		modTime time.Time
	}
	candidates := make([]candidate, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: entry.Name(), modTime: info.ModTime()})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].modTime.Equal(candidates[j].modTime) {
			return candidates[i].modTime.After(candidates[j].modTime)
		}
		return candidates[i].name > candidates[j].name
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}

	artifacts := make([]Artifact, 0, len(candidates))
	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			logging.ArtifactDebug("Skipping unreadable artifact %s: %v", path, err)
			continue
		}
		artifacts = append(artifacts, Artifact{
			Kind:      kind,
			Name:      c.name,
			Path:      path,
			Content:   string(data),
			CreatedAt: c.modTime,
		})
	}
	return artifacts, nil
}

// ClearScratch removes the correlation's working directory. Clearing a
// correlation that never wrote scratch files is not an error.
func (s *FileStore) ClearScratch(correlationID string) error {
	if correlationID == "" {
		return fmt.Errorf("correlation id cannot be empty")
	}

	dir := filepath.Join(s.workDir, sanitizeName(correlationID))
	if err := os.RemoveAll(dir); err != nil {
		logging.ArtifactError("Failed to clear scratch directory: %v", err)
		return fmt.Errorf("failed to clear scratch directory: %w", err)
	}

	logging.ArtifactDebug("Cleared scratch directory: %s", dir)
	return nil
}

// sanitizeName makes a string safe to embed in a filename.
func sanitizeName(s string) string {
	unsafe := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|", " "}
	result := s
	for _, u := range unsafe {
		result = strings.ReplaceAll(result, u, "_")
	}
	if len(result) > 50 {
		result = result[:50]
	}
	return result
}
