package delegate

import (
	"context"
	"fmt"
	"time"

	"flywheel/internal/inference"
	"flywheel/internal/logging"
	"flywheel/internal/router"
	"flywheel/internal/types"
)

// inferenceMaxTokens caps delegate completions. Delegates summarize and
// judge; they do not stream long documents.
const inferenceMaxTokens = 2048

// roleSystemPrompts frames each built-in role for the backend.
var roleSystemPrompts = map[string]string{
	types.RoleCodeAuthor:        "You are a code author. Implement exactly what the task spec asks for and summarize what changed.",
	types.RoleTestAuthor:        "You are a test author. Write tests covering the task spec and summarize the cases added.",
	types.RoleToolAuthor:        "You are a tool author. Build the helper the task spec describes and summarize its interface.",
	types.RoleQualityGate:       "You are a quality reviewer. Judge whether the work meets the task spec and state blocking issues first.",
	types.RoleReleaseIntegrator: "You are a release integrator. Merge the completed work described in the task spec and summarize the result.",
	types.RoleSummarizer:        "You are a summarizer. Condense the task spec input into its essential points.",
}

// InferenceDelegate performs a task by asking the inference backend.
// Every call routes through the tier selector and lands in the budget
// ledger, so delegate spend shows up in the same report as planning
// spend.
type InferenceDelegate struct {
	role    string
	backend inference.Backend
	router  *router.Router
}

// NewInferenceDelegate creates a delegate that performs the role's
// tasks through the inference backend.
func NewInferenceDelegate(role string, backend inference.Backend, rt *router.Router) *InferenceDelegate {
	return &InferenceDelegate{
		role:    role,
		backend: backend,
		router:  rt,
	}
}

// Invoke routes the task to a tier, generates, and records the cost.
func (d *InferenceDelegate) Invoke(ctx context.Context, task types.Task) Report {
	// Complexity was spent at planning time; execution routes on role
	// and priority alone.
	tier, err := d.router.SelectTier(d.role, task.Priority, 0)
	if err != nil {
		return failure(fmt.Errorf("tier selection for %s: %w", d.role, err))
	}

	model := d.router.ModelFor(tier)
	req := inference.Request{
		Model:     model,
		System:    roleSystemPrompts[d.role],
		Prompt:    task.Spec,
		MaxTokens: inferenceMaxTokens,
	}

	logging.DelegateDebug("Role %s generating via %s (%s) for task %s", d.role, tier, model, task.TaskID)
	resp, err := d.backend.Generate(ctx, req)
	if err != nil {
		logging.DelegateWarn("Role %s generation failed for task %s: %v", d.role, task.TaskID, err)
		return failure(fmt.Errorf("generation failed: %w", err))
	}

	cost := d.router.CostFor(tier)
	d.router.Ledger().Record(router.CostRecord{
		Timestamp:     time.Now(),
		Agent:         d.role,
		Tier:          tier.String(),
		Model:         model,
		Cost:          cost,
		InputUnits:    resp.InputUnits,
		OutputUnits:   resp.OutputUnits,
		CorrelationID: task.CorrelationID,
	})

	return Report{
		Success:   true,
		Summary:   resp.Text,
		CostUnits: cost,
	}
}
