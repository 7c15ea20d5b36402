package delegate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"flywheel/internal/config"
	"flywheel/internal/inference"
	"flywheel/internal/router"
	"flywheel/internal/types"
)

func testRouter(t *testing.T, ceiling float64) *router.Router {
	t.Helper()
	ledger, err := router.NewLedger(filepath.Join(t.TempDir(), "usage.json"), ceiling)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	rt, err := router.New(config.RouterConfig{
		Tiers: []config.TierConfig{
			{Name: "high_speed", Model: "fast-model", CostPerCall: 1},
			{Name: "balanced", Model: "mid-model", CostPerCall: 5},
			{Name: "high_reasoning", Model: "big-model", CostPerCall: 25},
		},
		BudgetCeiling:        ceiling,
		ComplexityEscalation: 0.7,
	}, ledger)
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	return rt
}

func testTask(role string) types.Task {
	return types.Task{
		TaskID:        "task-1",
		CorrelationID: "corr-1",
		Priority:      types.PriorityNormal,
		Type:          types.TaskCodeGeneration,
		DelegateRole:  role,
		Spec:          "add retry to the bus publisher",
	}
}

// writeWorker drops an executable shell script into a temp dir.
func writeWorker(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write worker: %v", err)
	}
	return path
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	reg.Register(types.RoleSummarizer, NewInferenceDelegate(types.RoleSummarizer, inference.NewStaticBackend(), testRouter(t, 100)))

	if _, err := reg.Resolve(types.RoleSummarizer); err != nil {
		t.Fatalf("Resolve registered role: %v", err)
	}
	_, err := reg.Resolve("archaeologist")
	if !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("Resolve unknown role = %v, want ErrUnknownRole", err)
	}
	if !reg.Has(types.RoleSummarizer) || reg.Has("archaeologist") {
		t.Error("Has answers wrong")
	}
}

func TestRegistryBacksGraphValidation(t *testing.T) {
	rt := testRouter(t, 100)
	backend := inference.NewStaticBackend()
	reg := NewDefaultRegistry(backend, rt, nil, "")

	if got := len(reg.Roles()); got != len(types.AllRoles) {
		t.Fatalf("roster has %d roles, want %d", got, len(types.AllRoles))
	}

	graph := types.TaskGraph{
		CorrelationID: "corr-1",
		Tasks: []types.Task{
			{TaskID: "a", DelegateRole: "archaeologist", Type: types.TaskReview},
		},
	}
	err := graph.Validate(reg.Has)
	if err == nil || !strings.Contains(err.Error(), "archaeologist") {
		t.Fatalf("Validate should reject unknown role, got %v", err)
	}
}

func TestDefaultRegistryUsesConfiguredWorkers(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("worker scripts require a POSIX shell")
	}
	rt := testRouter(t, 100)
	reg := NewDefaultRegistry(inference.NewStaticBackend(), rt, map[string]string{
		types.RoleCodeAuthor: "/usr/bin/env true",
	}, "")

	d, err := reg.Resolve(types.RoleCodeAuthor)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := d.(*ExecDelegate); !ok {
		t.Errorf("configured worker role resolved to %T, want *ExecDelegate", d)
	}

	d, err = reg.Resolve(types.RoleSummarizer)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := d.(*InferenceDelegate); !ok {
		t.Errorf("unconfigured role resolved to %T, want *InferenceDelegate", d)
	}
}

func TestExecDelegateRoundTrip(t *testing.T) {
	capture := filepath.Join(t.TempDir(), "stdin.json")
	worker := writeWorker(t, `#!/bin/sh
cat > "$1"
echo '{"success":true,"summary":"patched the publisher","cost_units":1.5}'
`)

	d := NewExecDelegate(types.RoleCodeAuthor, worker, []string{capture}, "")
	report := d.Invoke(context.Background(), testTask(types.RoleCodeAuthor))

	if !report.Success || report.Err != nil {
		t.Fatalf("report = %+v, want success", report)
	}
	if report.Summary != "patched the publisher" {
		t.Errorf("summary = %q", report.Summary)
	}
	if report.CostUnits != 1.5 {
		t.Errorf("cost units = %v, want 1.5", report.CostUnits)
	}

	// The worker received the task as JSON on stdin.
	data, err := os.ReadFile(capture)
	if err != nil {
		t.Fatalf("read captured stdin: %v", err)
	}
	if !strings.Contains(string(data), `"task_id":"task-1"`) {
		t.Errorf("worker stdin missing task id: %s", data)
	}
}

func TestExecDelegateReportsWorkerFailure(t *testing.T) {
	worker := writeWorker(t, `#!/bin/sh
cat > /dev/null
echo '{"success":false,"summary":"","error":"spec was contradictory"}'
`)

	d := NewExecDelegate(types.RoleTestAuthor, worker, nil, "")
	report := d.Invoke(context.Background(), testTask(types.RoleTestAuthor))

	if report.Success {
		t.Fatal("worker-reported failure should not succeed")
	}
	if report.Err == nil || !strings.Contains(report.Err.Error(), "contradictory") {
		t.Errorf("report err = %v, want worker's error", report.Err)
	}
}

func TestExecDelegateNonZeroExit(t *testing.T) {
	worker := writeWorker(t, `#!/bin/sh
cat > /dev/null
echo "disk full" >&2
exit 3
`)

	d := NewExecDelegate(types.RoleCodeAuthor, worker, nil, "")
	report := d.Invoke(context.Background(), testTask(types.RoleCodeAuthor))

	if report.Success {
		t.Fatal("non-zero exit should fail")
	}
	if report.Err == nil || !strings.Contains(report.Err.Error(), "disk full") {
		t.Errorf("report err = %v, want stderr detail", report.Err)
	}
}

func TestExecDelegateMalformedReport(t *testing.T) {
	worker := writeWorker(t, `#!/bin/sh
cat > /dev/null
echo "all done boss"
`)

	d := NewExecDelegate(types.RoleCodeAuthor, worker, nil, "")
	report := d.Invoke(context.Background(), testTask(types.RoleCodeAuthor))

	if report.Success {
		t.Fatal("malformed report should fail")
	}
	if report.Err == nil || !strings.Contains(report.Err.Error(), "malformed") {
		t.Errorf("report err = %v, want malformed report error", report.Err)
	}
}

func TestExecDelegateTimeout(t *testing.T) {
	worker := writeWorker(t, `#!/bin/sh
sleep 5
`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	d := NewExecDelegate(types.RoleCodeAuthor, worker, nil, "")
	report := d.Invoke(ctx, testTask(types.RoleCodeAuthor))

	if report.Success {
		t.Fatal("timed-out worker should fail")
	}
	if !errors.Is(report.Err, context.DeadlineExceeded) {
		t.Errorf("report err = %v, want deadline exceeded", report.Err)
	}
}

func TestInferenceDelegateRecordsCost(t *testing.T) {
	rt := testRouter(t, 100)
	d := NewInferenceDelegate(types.RoleSummarizer, inference.NewStaticBackend(), rt)

	report := d.Invoke(context.Background(), testTask(types.RoleSummarizer))
	if !report.Success || report.Err != nil {
		t.Fatalf("report = %+v, want success", report)
	}
	if report.Summary == "" {
		t.Error("expected a summary from the backend")
	}

	// Summarizer routes to high_speed (cost 1) and the ledger saw it.
	if report.CostUnits != 1 {
		t.Errorf("cost units = %v, want 1", report.CostUnits)
	}
	if got := rt.Ledger().TotalSpent(); got != 1 {
		t.Errorf("ledger total = %v, want 1", got)
	}
	if got := rt.Ledger().ByAgent()[types.RoleSummarizer]; got != 1 {
		t.Errorf("ledger by agent = %v, want 1", got)
	}
}

func TestInferenceDelegateBudgetExhausted(t *testing.T) {
	rt := testRouter(t, 10)
	rt.Ledger().Record(router.CostRecord{Agent: "warmup", Tier: "balanced", Cost: 10})

	d := NewInferenceDelegate(types.RoleSummarizer, inference.NewStaticBackend(), rt)
	report := d.Invoke(context.Background(), testTask(types.RoleSummarizer))

	if report.Success {
		t.Fatal("exhausted budget should fail paid-tier delegates")
	}
	if !errors.Is(report.Err, router.ErrBudgetExhausted) {
		t.Errorf("report err = %v, want ErrBudgetExhausted", report.Err)
	}
	if got := rt.Ledger().TotalSpent(); got != 10 {
		t.Errorf("failed invocation must not record cost, ledger = %v", got)
	}
}
