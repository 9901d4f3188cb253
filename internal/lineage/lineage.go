// Package lineage records and resolves provenance chains for published
// tasks: every task links back to the activated control, the mapped risk
// when one exists, and the unified obligation that motivated it.
package lineage

import (
	"context"
	"fmt"
	"sort"

	"mizan/internal/domain"
	"mizan/internal/errs"
	"mizan/internal/repo"
)

// Artifacts holds the identifier sets produced by a single run. Records
// are validated against it so a chain can never reference material from
// another run.
type Artifacts struct {
	RunID       string
	Obligations map[string]bool
	Controls    map[string]bool
	Risks       map[string]bool
}

// CollectArtifacts builds an Artifacts index from run outputs.
func CollectArtifacts(runID string, obligations []domain.Obligation, controls []domain.ActivatedControl, risks []domain.Risk) Artifacts {
	a := Artifacts{
		RunID:       runID,
		Obligations: make(map[string]bool, len(obligations)),
		Controls:    make(map[string]bool, len(controls)),
		Risks:       make(map[string]bool, len(risks)),
	}
	for _, ob := range obligations {
		a.Obligations[ob.ID] = true
	}
	for _, ac := range controls {
		a.Controls[ac.ControlID] = true
	}
	for _, rk := range risks {
		a.Risks[rk.ID] = true
	}
	return a
}

// Validate checks a lineage record against the run's artifact index.
func Validate(l domain.TaskLineage, a Artifacts) error {
	if l.TaskID == "" {
		return errs.ValidationError{Field: "task_id", Message: "required"}
	}
	if l.RunID != a.RunID {
		return errs.InvariantViolation{Message: fmt.Sprintf("lineage for task %s references run %s, expected %s", l.TaskID, l.RunID, a.RunID)}
	}
	if !a.Obligations[l.ObligationID] {
		return errs.InvariantViolation{Message: fmt.Sprintf("lineage for task %s references obligation %s not produced by run %s", l.TaskID, l.ObligationID, a.RunID)}
	}
	if !a.Controls[l.ControlID] {
		return errs.InvariantViolation{Message: fmt.Sprintf("lineage for task %s references control %s not activated by run %s", l.TaskID, l.ControlID, a.RunID)}
	}
	if l.RiskID != "" && !a.Risks[l.RiskID] {
		return errs.InvariantViolation{Message: fmt.Sprintf("lineage for task %s references risk %s not mapped by run %s", l.TaskID, l.RiskID, a.RunID)}
	}
	return nil
}

// Chain is a fully resolved provenance chain for one task.
type Chain struct {
	Task         domain.Task        `json:"task"`
	Lineage      domain.TaskLineage `json:"lineage"`
	ObligationID string             `json:"obligation_id"`
	ControlID    string             `json:"control_id"`
	RiskID       string             `json:"risk_id,omitempty"`
}

// Tracker resolves provenance chains from storage.
type Tracker struct {
	Repo repo.Repo
}

// Resolve returns the chain for a task. A task published by a run must
// always have a lineage record; a missing one is an invariant failure,
// not a not-found.
func (t Tracker) Resolve(ctx context.Context, taskID string) (Chain, error) {
	task, err := t.Repo.GetTask(ctx, taskID)
	if err != nil {
		return Chain{}, err
	}
	l, err := t.Repo.GetLineage(ctx, taskID)
	if err == repo.ErrNotFound {
		return Chain{}, errs.InvariantViolation{Message: fmt.Sprintf("task %s has no lineage record", taskID)}
	}
	if err != nil {
		return Chain{}, err
	}
	if l.RunID != task.RunID {
		return Chain{}, errs.InvariantViolation{Message: fmt.Sprintf("lineage for task %s belongs to run %s, task belongs to run %s", taskID, l.RunID, task.RunID)}
	}
	return Chain{
		Task:         task,
		Lineage:      l,
		ObligationID: l.ObligationID,
		ControlID:    l.ControlID,
		RiskID:       l.RiskID,
	}, nil
}

// ResolveRun returns the chains for every task a run published, sorted
// by task ID.
func (t Tracker) ResolveRun(ctx context.Context, runID string) ([]Chain, error) {
	tasks, err := t.Repo.ListTasks(ctx, runID)
	if err != nil {
		return nil, err
	}
	records, err := t.Repo.ListLineage(ctx, runID)
	if err != nil {
		return nil, err
	}
	byTask := make(map[string]domain.TaskLineage, len(records))
	for _, l := range records {
		byTask[l.TaskID] = l
	}
	chains := make([]Chain, 0, len(tasks))
	for _, task := range tasks {
		l, ok := byTask[task.ID]
		if !ok {
			return nil, errs.InvariantViolation{Message: fmt.Sprintf("task %s has no lineage record", task.ID)}
		}
		chains = append(chains, Chain{
			Task:         task,
			Lineage:      l,
			ObligationID: l.ObligationID,
			ControlID:    l.ControlID,
			RiskID:       l.RiskID,
		})
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].Task.ID < chains[j].Task.ID })
	return chains, nil
}
