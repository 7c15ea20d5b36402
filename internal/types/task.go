package types

import "fmt"

// Task is one delegate invocation inside a task graph. Tasks sharing a
// CorrelationID form a DAG via DependsOn.
type Task struct {
	TaskID        string   `json:"task_id"`
	CorrelationID string   `json:"correlation_id"`
	Priority      Priority `json:"priority"`
	Type          TaskType `json:"task_type"`
	DelegateRole  string   `json:"delegate_role"`
	Spec          string   `json:"spec"`
	DependsOn     []string `json:"depends_on,omitempty"`
}

// TaskGraph is the full plan for one signal: the set of tasks the cognition
// loop derived, keyed by correlation id.
type TaskGraph struct {
	CorrelationID string   `json:"correlation_id"`
	Priority      Priority `json:"priority"`
	Tasks         []Task   `json:"tasks"`
}

// RoleResolver reports whether a delegate role name is registered. A nil
// resolver skips role checks (used when validating shape only).
type RoleResolver func(role string) bool

// Validate enforces the plan invariants: unique task ids, dependencies that
// resolve, an acyclic graph, resolvable delegate roles, every code_generation
// task paired with a test_generation sibling with no edge between the stages,
// and exactly one finalize task depending on all of them.
func (g *TaskGraph) Validate(resolve RoleResolver) error {
	if len(g.Tasks) == 0 {
		return fmt.Errorf("task graph %s is empty", g.CorrelationID)
	}

	byID := make(map[string]*Task, len(g.Tasks))
	for i := range g.Tasks {
		t := &g.Tasks[i]
		if t.TaskID == "" {
			return fmt.Errorf("task graph %s: task %d has no id", g.CorrelationID, i)
		}
		if _, dup := byID[t.TaskID]; dup {
			return fmt.Errorf("task graph %s: duplicate task id %s", g.CorrelationID, t.TaskID)
		}
		byID[t.TaskID] = t
		if t.DelegateRole == "" {
			return fmt.Errorf("task %s has no delegate role", t.TaskID)
		}
		if resolve != nil && !resolve(t.DelegateRole) {
			return fmt.Errorf("task %s references unknown delegate role %q", t.TaskID, t.DelegateRole)
		}
	}
	for _, t := range g.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("task %s depends on missing task %s", t.TaskID, dep)
			}
			if dep == t.TaskID {
				return fmt.Errorf("task %s depends on itself", t.TaskID)
			}
		}
	}
	if _, err := g.ParallelGroups(); err != nil {
		return err
	}

	var codeTasks, testTasks []*Task
	var finalize *Task
	for i := range g.Tasks {
		t := &g.Tasks[i]
		switch t.Type {
		case TaskCodeGeneration:
			codeTasks = append(codeTasks, t)
		case TaskTestGeneration:
			testTasks = append(testTasks, t)
		case TaskFinalize:
			if finalize != nil {
				return fmt.Errorf("task graph %s has multiple finalize tasks", g.CorrelationID)
			}
			finalize = t
		}
	}
	if len(codeTasks) > 0 {
		if len(testTasks) != len(codeTasks) {
			return fmt.Errorf("task graph %s: %d code_generation tasks but %d test_generation siblings",
				g.CorrelationID, len(codeTasks), len(testTasks))
		}
		// Code and test stages must be parallel-eligible: no edge in either
		// direction between any code task and any test task.
		for _, c := range codeTasks {
			for _, t := range testTasks {
				if hasEdge(c, t.TaskID) || hasEdge(t, c.TaskID) {
					return fmt.Errorf("dependency edge between code task %s and test task %s", c.TaskID, t.TaskID)
				}
			}
		}
		if finalize == nil {
			return fmt.Errorf("task graph %s has development tasks but no finalize task", g.CorrelationID)
		}
		deps := make(map[string]bool, len(finalize.DependsOn))
		for _, d := range finalize.DependsOn {
			deps[d] = true
		}
		for _, t := range append(codeTasks, testTasks...) {
			if !deps[t.TaskID] {
				return fmt.Errorf("finalize task %s does not depend on %s", finalize.TaskID, t.TaskID)
			}
		}
	}
	return nil
}

func hasEdge(from *Task, to string) bool {
	for _, d := range from.DependsOn {
		if d == to {
			return true
		}
	}
	return false
}

// ParallelGroups orders the graph into execution layers: every task in a
// layer depends only on tasks from earlier layers, so tasks within a layer
// may run concurrently. Returns an error when the graph has a cycle.
func (g *TaskGraph) ParallelGroups() ([][]Task, error) {
	indegree := make(map[string]int, len(g.Tasks))
	byID := make(map[string]Task, len(g.Tasks))
	for _, t := range g.Tasks {
		byID[t.TaskID] = t
		indegree[t.TaskID] = len(t.DependsOn)
	}

	var groups [][]Task
	remaining := len(g.Tasks)
	for remaining > 0 {
		var layer []Task
		for _, t := range g.Tasks {
			if deg, ok := indegree[t.TaskID]; ok && deg == 0 {
				layer = append(layer, byID[t.TaskID])
			}
		}
		if len(layer) == 0 {
			return nil, fmt.Errorf("task graph %s contains a dependency cycle", g.CorrelationID)
		}
		for _, t := range layer {
			delete(indegree, t.TaskID)
			remaining--
		}
		for _, t := range g.Tasks {
			if _, pending := indegree[t.TaskID]; !pending {
				continue
			}
			for _, layerTask := range layer {
				if hasEdgeValue(t, layerTask.TaskID) {
					indegree[t.TaskID]--
				}
			}
		}
		groups = append(groups, layer)
	}
	return groups, nil
}

func hasEdgeValue(from Task, to string) bool {
	for _, d := range from.DependsOn {
		if d == to {
			return true
		}
	}
	return false
}

// FinalizeTask returns the graph's merge/finalize task, or nil when the
// graph has none.
func (g *TaskGraph) FinalizeTask() *Task {
	for i := range g.Tasks {
		if g.Tasks[i].Type == TaskFinalize {
			return &g.Tasks[i]
		}
	}
	return nil
}
