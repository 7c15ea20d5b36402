package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"flywheel/internal/logging"
)

// ErrBudgetExhausted is returned by SelectTier when the ledger has hit
// its ceiling and the selected tier costs money.
var ErrBudgetExhausted = errors.New("budget exhausted")

// autosaveDebounce batches snapshot writes after a Record burst.
const autosaveDebounce = 5 * time.Second

// CostRecord is one billed inference call.
type CostRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	Agent         string    `json:"agent"`
	Tier          string    `json:"tier"`
	Model         string    `json:"model"`
	Cost          float64   `json:"cost"`
	InputUnits    int64     `json:"input_units"`
	OutputUnits   int64     `json:"output_units"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Snapshot is the persisted ledger state, also the shape of the CLI
// budget report.
type Snapshot struct {
	Version     string             `json:"version"`
	Ceiling     float64            `json:"ceiling"`
	TotalSpent  float64            `json:"total_spent"`
	Calls       int64              `json:"calls"`
	InputUnits  int64              `json:"input_units"`
	OutputUnits int64              `json:"output_units"`
	ByAgent     map[string]float64 `json:"by_agent"`
	ByTier      map[string]float64 `json:"by_tier"`
	ByModel     map[string]float64 `json:"by_model"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Ledger tracks spend against a ceiling. The in-memory state is the
// authority; the JSON snapshot is a debounced export for reporting and
// restart continuity.
type Ledger struct {
	mu       sync.Mutex
	snapshot Snapshot
	filePath string
	dirty    bool

	warned50 bool
	warned75 bool
	warned90 bool
}

// NewLedger opens a ledger persisted at filePath. An existing snapshot is
// loaded so spend survives restarts; a corrupt or missing file starts
// fresh.
func NewLedger(filePath string, ceiling float64) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	l := &Ledger{
		filePath: filePath,
		snapshot: emptySnapshot(ceiling),
	}
	if err := l.load(); err != nil {
		logging.RouterWarn("Starting with a fresh ledger, snapshot unreadable: %v", err)
		l.snapshot = emptySnapshot(ceiling)
	}
	// The configured ceiling wins over whatever the snapshot recorded.
	l.snapshot.Ceiling = ceiling
	l.markCrossedThresholds()
	return l, nil
}

func emptySnapshot(ceiling float64) Snapshot {
	return Snapshot{
		Version: "1.0",
		Ceiling: ceiling,
		ByAgent: make(map[string]float64),
		ByTier:  make(map[string]float64),
		ByModel: make(map[string]float64),
	}
}

func (l *Ledger) load() error {
	data, err := os.ReadFile(l.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	if snap.ByAgent == nil {
		snap.ByAgent = make(map[string]float64)
	}
	if snap.ByTier == nil {
		snap.ByTier = make(map[string]float64)
	}
	if snap.ByModel == nil {
		snap.ByModel = make(map[string]float64)
	}
	l.snapshot = snap
	return nil
}

// markCrossedThresholds suppresses warnings for thresholds the loaded
// spend already passed, so a restart does not re-log them.
func (l *Ledger) markCrossedThresholds() {
	frac := l.fractionLocked()
	l.warned50 = frac >= 0.5
	l.warned75 = frac >= 0.75
	l.warned90 = frac >= 0.9
}

func (l *Ledger) fractionLocked() float64 {
	if l.snapshot.Ceiling <= 0 {
		return 0
	}
	return l.snapshot.TotalSpent / l.snapshot.Ceiling
}

// Record adds one call to the ledger, fires any newly crossed ceiling
// warnings and schedules a debounced snapshot write.
func (l *Ledger) Record(rec CostRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.snapshot.TotalSpent += rec.Cost
	l.snapshot.Calls++
	l.snapshot.InputUnits += rec.InputUnits
	l.snapshot.OutputUnits += rec.OutputUnits
	if rec.Agent != "" {
		l.snapshot.ByAgent[rec.Agent] += rec.Cost
	}
	if rec.Tier != "" {
		l.snapshot.ByTier[rec.Tier] += rec.Cost
	}
	if rec.Model != "" {
		l.snapshot.ByModel[rec.Model] += rec.Cost
	}
	l.snapshot.UpdatedAt = time.Now().UTC()

	frac := l.fractionLocked()
	switch {
	case frac >= 0.9 && !l.warned90:
		l.warned90, l.warned75, l.warned50 = true, true, true
		logging.RouterError("Budget at %.0f%%: %.2f of %.2f spent", frac*100, l.snapshot.TotalSpent, l.snapshot.Ceiling)
	case frac >= 0.75 && !l.warned75:
		l.warned75, l.warned50 = true, true
		logging.RouterWarn("Budget at %.0f%%: %.2f of %.2f spent", frac*100, l.snapshot.TotalSpent, l.snapshot.Ceiling)
	case frac >= 0.5 && !l.warned50:
		l.warned50 = true
		logging.Router("Budget at %.0f%%: %.2f of %.2f spent", frac*100, l.snapshot.TotalSpent, l.snapshot.Ceiling)
	}

	if !l.dirty {
		l.dirty = true
		time.AfterFunc(autosaveDebounce, func() { l.flush() })
	}
}

func (l *Ledger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dirty = false
	if err := l.saveLocked(); err != nil {
		logging.RouterWarn("Failed to autosave ledger snapshot: %v", err)
	}
}

// SaveSnapshot writes the current state to disk immediately.
func (l *Ledger) SaveSnapshot() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dirty = false
	return l.saveLocked()
}

func (l *Ledger) saveLocked() error {
	data, err := json.MarshalIndent(l.snapshot, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.filePath, data, 0644)
}

// TotalSpent returns the accumulated cost.
func (l *Ledger) TotalSpent() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot.TotalSpent
}

// Ceiling returns the configured budget ceiling.
func (l *Ledger) Ceiling() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot.Ceiling
}

// Remaining returns how much budget is left, never negative.
func (l *Ledger) Remaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	rem := l.snapshot.Ceiling - l.snapshot.TotalSpent
	if rem < 0 {
		return 0
	}
	return rem
}

// Exhausted reports whether spend has reached the ceiling.
func (l *Ledger) Exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot.Ceiling > 0 && l.snapshot.TotalSpent >= l.snapshot.Ceiling
}

// ByAgent returns per-agent spend.
func (l *Ledger) ByAgent() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyFloatMap(l.snapshot.ByAgent)
}

// ByTier returns per-tier spend.
func (l *Ledger) ByTier() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyFloatMap(l.snapshot.ByTier)
}

// Stats returns a copy of the whole snapshot.
func (l *Ledger) Stats() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := l.snapshot
	snap.ByAgent = copyFloatMap(snap.ByAgent)
	snap.ByTier = copyFloatMap(snap.ByTier)
	snap.ByModel = copyFloatMap(snap.ByModel)
	return snap
}

// Reset zeroes all spend and persists the empty state.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ceiling := l.snapshot.Ceiling
	l.snapshot = emptySnapshot(ceiling)
	l.snapshot.UpdatedAt = time.Now().UTC()
	l.warned50, l.warned75, l.warned90 = false, false, false
	logging.Router("Budget ledger reset, ceiling %.2f", ceiling)
	return l.saveLocked()
}

// LoadSnapshot reads a persisted ledger snapshot without opening a live
// ledger. Used by the CLI budget report.
func LoadSnapshot(filePath string) (Snapshot, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("unreadable ledger snapshot: %w", err)
	}
	return snap, nil
}

func copyFloatMap(src map[string]float64) map[string]float64 {
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
