// Package engine drives the compliance pipeline: a fixed sequence of phases
// that profile a deal, unify regulatory obligations, activate catalog
// controls, and publish tasks with full lineage. Phases run synchronously;
// a gated phase pauses the run until a human decision arrives.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mizan/internal/activation"
	"mizan/internal/catalog"
	"mizan/internal/config"
	"mizan/internal/domain"
	"mizan/internal/engine/auth"
	"mizan/internal/errs"
	"mizan/internal/events"
	"mizan/internal/lineage"
	"mizan/internal/obligation"
	"mizan/internal/repo"
)

// PublishFunc delivers published tasks to an external tracker. A non-nil
// error is treated as an external failure and fails the run.
type PublishFunc func(ctx context.Context, run domain.WorkflowExecution, tasks []domain.Task) error

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Auth      auth.Service
	Catalog   *catalog.Catalog
	Evaluator *activation.Evaluator
	Config    *config.Config
	Now       func() time.Time
	Publish   PublishFunc
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	cat, err := catalog.Load()
	if err != nil {
		return Engine{}, err
	}
	ev, err := activation.NewEvaluator()
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Auth:      auth.Service{DB: db},
		Catalog:   cat,
		Evaluator: ev,
		Config:    cfg,
		Now:       time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitDesk creates a desk with its default configuration.
func (e Engine) InitDesk(ctx context.Context, deskID, name, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.InsertDesk(ctx, tx, deskID, name, now); err != nil {
		return fmt.Errorf("insert desk: %w", err)
	}
	if err := e.Repo.UpsertDeskConfigTx(ctx, tx, deskID, config.Default(deskID)); err != nil {
		return fmt.Errorf("insert desk config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "desk.init", "", "desk", deskID, actorID, events.EventPayload{"name": name}); err != nil {
		return err
	}
	return tx.Commit()
}

// SubmitOptions are parameters for starting a run.
type SubmitOptions struct {
	DeskID  string
	Deal    domain.DealConfiguration
	ActorID string
}

// SubmitRun creates a run over the deal configuration and executes it until
// it terminates or pauses at a gate. Pipeline errors are recorded on the run
// rather than returned; the returned run carries the final disposition.
func (e Engine) SubmitRun(ctx context.Context, opts SubmitOptions) (domain.WorkflowExecution, error) {
	if e.Config == nil {
		return domain.WorkflowExecution{}, errors.New("config not loaded")
	}
	if opts.DeskID == "" {
		return domain.WorkflowExecution{}, errs.ValidationError{Field: "desk_id", Message: "required"}
	}
	if _, err := e.Repo.GetDesk(ctx, opts.DeskID); err != nil {
		return domain.WorkflowExecution{}, err
	}
	deal, err := normalizeDeal(opts.Deal)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	configJSON, err := json.Marshal(deal)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	runID := uuid.New().String()
	run := domain.WorkflowExecution{
		ID:             runID,
		DeskID:         opts.DeskID,
		DealID:         deal.DealID,
		Status:         domain.RunRunning,
		CatalogVersion: e.Catalog.Version,
		ConfigJSON:     string(configJSON),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowExecution{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.WorkflowExecution{}, fmt.Errorf("insert run: %w", err)
	}
	for seq, def := range phaseDefs {
		p := domain.Phase{
			ID:     def.ID,
			RunID:  runID,
			Seq:    seq,
			Name:   def.Name,
			Status: domain.PhasePending,
		}
		if err := e.Repo.InsertPhase(ctx, tx, p); err != nil {
			return domain.WorkflowExecution{}, fmt.Errorf("insert phase %s: %w", def.ID, err)
		}
	}
	if err := e.Events.Append(ctx, tx, "run.submitted", runID, "run", runID, opts.ActorID, events.EventPayload{
		"desk_id": opts.DeskID,
		"deal_id": deal.DealID,
	}); err != nil {
		return domain.WorkflowExecution{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowExecution{}, err
	}

	return e.advance(ctx, runID, opts.ActorID)
}

// advance executes pending phases in order until the run terminates or pauses
// at a gate. Resumable: it replays completed phase outputs to rebuild state.
func (e Engine) advance(ctx context.Context, runID, actorID string) (domain.WorkflowExecution, error) {
	for {
		run, err := e.Repo.GetRun(ctx, runID)
		if err != nil {
			return run, err
		}
		if run.Status != domain.RunRunning {
			return run, nil
		}
		p, err := replay(run)
		if err != nil {
			return run, err
		}

		next := -1
		for i, phase := range run.Phases {
			if phase.Status == domain.PhaseCompleted {
				continue
			}
			if phase.Status == domain.PhaseRunning {
				// a running phase means an open gate or an interrupted
				// transition; neither may be silently finalized
				return run, errs.InvariantViolation{Message: fmt.Sprintf("run %s has phase %s stuck in running", runID, phase.ID)}
			}
			if phase.Status == domain.PhasePending {
				next = i
			}
			break
		}
		if next == -1 {
			return e.finalize(ctx, run, p, actorID)
		}

		phase := run.Phases[next]
		if err := e.markPhaseRunning(ctx, run, &phase, actorID); err != nil {
			return run, err
		}
		result := phaseDefs[next].Run(ctx, e, run, p)
		if result.Err != nil {
			return e.failRun(ctx, run, phase, result, actorID)
		}
		gated := e.Config.GatedPhase(phase.ID)
		if err := e.completePhase(ctx, &run, &phase, result, gated, actorID); err != nil {
			return run, err
		}
		if gated {
			return e.Repo.GetRun(ctx, runID)
		}
	}
}

func (e Engine) markPhaseRunning(ctx context.Context, run domain.WorkflowExecution, phase *domain.Phase, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	phase.Status = domain.PhaseRunning
	phase.StartedAt = &now
	if err := e.Repo.UpdatePhase(ctx, tx, *phase); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "phase.started", run.ID, "phase", phase.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) completePhase(ctx context.Context, run *domain.WorkflowExecution, phase *domain.Phase, result phaseResult, gated bool, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	phase.InputJSON = result.Input
	phase.OutputJSON = result.Output
	phase.QualityChecks = result.Checks
	phase.Warnings = result.Warnings
	evtType := "phase.completed"
	if gated {
		// output is held at the gate; the phase completes only on approval
		phase.Gate = &domain.HITLGate{Status: domain.GatePending}
		run.Status = domain.RunPendingHITL
		evtType = "phase.gated"
	} else {
		phase.Status = domain.PhaseCompleted
		phase.CompletedAt = &now
	}
	if err := e.Repo.UpdatePhase(ctx, tx, *phase); err != nil {
		return err
	}
	run.UpdatedAt = now
	if err := e.Repo.UpdateRun(ctx, tx, *run); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, run.ID, "phase", phase.ID, actorID, events.EventPayload{"seq": phase.Seq}); err != nil {
		return err
	}
	return tx.Commit()
}

// failRun records the phase error verbatim, skips every downstream pending
// phase, and marks the run failed.
func (e Engine) failRun(ctx context.Context, run domain.WorkflowExecution, phase domain.Phase, result phaseResult, actorID string) (domain.WorkflowExecution, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	phase.Status = domain.PhaseFailed
	phase.CompletedAt = &now
	phase.InputJSON = result.Input
	phase.Error = &domain.PhaseError{
		Kind:    errs.Kind(result.Err),
		Message: result.Err.Error(),
		Details: result.ErrDetails,
	}
	if err := e.Repo.UpdatePhase(ctx, tx, phase); err != nil {
		return run, err
	}
	for _, p := range run.Phases {
		if p.Seq > phase.Seq && p.Status == domain.PhasePending {
			p.Status = domain.PhaseSkipped
			if err := e.Repo.UpdatePhase(ctx, tx, p); err != nil {
				return run, err
			}
		}
	}
	run.Status = domain.RunFailed
	run.UpdatedAt = now
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, tx, "run.failed", run.ID, "phase", phase.ID, actorID, events.EventPayload{
		"error_kind": errs.Kind(result.Err),
		"message":    result.Err.Error(),
	}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	return e.Repo.GetRun(ctx, run.ID)
}

func (e Engine) finalize(ctx context.Context, run domain.WorkflowExecution, p *pipeline, actorID string) (domain.WorkflowExecution, error) {
	outputs, err := json.Marshal(p.outputs())
	if err != nil {
		return run, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	out := string(outputs)
	run.Status = domain.RunCompleted
	run.OutputsJSON = &out
	run.OverallQuality = overallQuality(run.Phases)
	run.UpdatedAt = now
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, tx, "run.completed", run.ID, "run", run.ID, actorID, events.EventPayload{
		"tasks": len(p.Tasks),
	}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	return e.Repo.GetRun(ctx, run.ID)
}

func overallQuality(phases []domain.Phase) []domain.QualityCheck {
	var sum float64
	var n int
	passed := true
	for _, p := range phases {
		for _, c := range p.QualityChecks {
			sum += c.Score
			n++
			if !c.Passed {
				passed = false
			}
		}
	}
	if n == 0 {
		return nil
	}
	return []domain.QualityCheck{{
		Name:   "overall",
		Passed: passed,
		Score:  sum / float64(n),
	}}
}

// GateDecision resolves a pending HITL gate.
type GateDecision struct {
	RunID    string
	PhaseID  string
	Approve  bool
	ActorID  string
	Feedback string
	Reason   string
}

// ResolveGate applies a human decision to an open gate. Approval completes
// the gated phase and resumes the run; rejection fails the phase and the run,
// leaving downstream phases pending so an auditor can see how far the
// pipeline got.
func (e Engine) ResolveGate(ctx context.Context, d GateDecision) (domain.WorkflowExecution, error) {
	run, err := e.Repo.GetRun(ctx, d.RunID)
	if err != nil {
		return run, err
	}
	if run.Status != domain.RunPendingHITL {
		return run, errs.ValidationError{Field: "run_id", Message: fmt.Sprintf("run %s is %s, not pending_hitl", d.RunID, run.Status)}
	}
	if err := e.Auth.EnsureGateAuthority(ctx, run.DeskID, d.ActorID, e.Config.Gates.ApproverRoles); err != nil {
		return run, err
	}
	var phase *domain.Phase
	for i := range run.Phases {
		if run.Phases[i].ID == d.PhaseID {
			phase = &run.Phases[i]
		}
	}
	if phase == nil {
		return run, repo.ErrNotFound
	}
	if phase.Gate == nil || phase.Gate.Status != domain.GatePending {
		return run, errs.ValidationError{Field: "phase_id", Message: fmt.Sprintf("phase %s has no open gate", d.PhaseID)}
	}
	if !d.Approve && d.Reason == "" {
		return run, errs.ValidationError{Field: "reason", Message: "rejection requires a reason"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	phase.Gate.Approver = &d.ActorID
	phase.Gate.ApprovedAt = &now
	if d.Feedback != "" {
		phase.Gate.Feedback = &d.Feedback
	}
	if d.Approve {
		phase.Gate.Status = domain.GateApproved
		phase.Status = domain.PhaseCompleted
		phase.CompletedAt = &now
		run.Status = domain.RunRunning
	} else {
		phase.Gate.Status = domain.GateRejected
		phase.Gate.RejectionReason = &d.Reason
		rejErr := errs.GateRejected{PhaseID: d.PhaseID, Reason: d.Reason}
		phase.Error = &domain.PhaseError{Kind: errs.Kind(rejErr), Message: rejErr.Error()}
		phase.Status = domain.PhaseFailed
		phase.CompletedAt = &now
		run.Status = domain.RunFailed
	}
	run.UpdatedAt = now
	if err := e.Repo.UpdatePhase(ctx, tx, *phase); err != nil {
		return run, err
	}
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return run, err
	}
	evtType := "gate.approved"
	payload := events.EventPayload{}
	if !d.Approve {
		evtType = "gate.rejected"
		payload["reason"] = d.Reason
	}
	if err := e.Events.Append(ctx, tx, evtType, run.ID, "phase", d.PhaseID, d.ActorID, payload); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	if d.Approve {
		return e.advance(ctx, run.ID, d.ActorID)
	}
	return e.Repo.GetRun(ctx, run.ID)
}

// CancelRun abandons a run waiting at a gate or still in flight. Completed
// phases are retained; everything not yet terminal is marked skipped.
func (e Engine) CancelRun(ctx context.Context, runID, actorID string) (domain.WorkflowExecution, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return run, err
	}
	if run.Status != domain.RunRunning && run.Status != domain.RunPendingHITL {
		return run, errs.ValidationError{Field: "run_id", Message: fmt.Sprintf("run %s is %s and cannot be cancelled", runID, run.Status)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	for _, p := range run.Phases {
		changed := false
		if p.Status == domain.PhasePending || p.Status == domain.PhaseRunning {
			p.Status = domain.PhaseSkipped
			changed = true
		}
		if p.Gate != nil && p.Gate.Status == domain.GatePending {
			p.Gate.Status = domain.GateSkipped
			changed = true
		}
		if changed {
			if err := e.Repo.UpdatePhase(ctx, tx, p); err != nil {
				return run, err
			}
		}
	}
	run.Status = domain.RunCancelled
	run.UpdatedAt = now
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, tx, "run.cancelled", run.ID, "run", run.ID, actorID, nil); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	return e.Repo.GetRun(ctx, runID)
}

// Lineage returns the provenance chain for one published task.
func (e Engine) Lineage(ctx context.Context, taskID string) (lineage.Chain, error) {
	return lineage.Tracker{Repo: e.Repo}.Resolve(ctx, taskID)
}

// ImportFeed validates and stores an obligation feed for future runs.
func (e Engine) ImportFeed(ctx context.Context, payloadYAML []byte, actorID string) (string, error) {
	feed, err := obligation.ParseFeed(payloadYAML)
	if err != nil {
		return "", err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpsertFeed(ctx, feed.Regulator, string(payloadYAML), now); err != nil {
		return "", err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "feed.imported", "", "feed", feed.Regulator, actorID, events.EventPayload{
		"obligations": len(feed.Obligations),
	}); err != nil {
		return "", err
	}
	return feed.Regulator, tx.Commit()
}

// normalizeDeal validates required fields and fills enum defaults.
func normalizeDeal(deal domain.DealConfiguration) (domain.DealConfiguration, error) {
	if deal.DealID == "" {
		return deal, errs.ValidationError{Field: "deal_id", Message: "required"}
	}
	if deal.Jurisdiction == "" {
		return deal, errs.ValidationError{Field: "jurisdiction", Message: "required"}
	}
	if len(deal.Regulators) == 0 {
		return deal, errs.ValidationError{Field: "regulators", Message: "at least one regulator is required"}
	}
	if deal.ProductType == "" {
		return deal, errs.ValidationError{Field: "product_type", Message: "required"}
	}
	defaults := map[string]struct {
		val     *string
		def     string
		allowed []string
	}{
		"sustainability":      {&deal.Sustainability, "none", []string{"none", "green", "esg-linked"}},
		"governance_maturity": {&deal.GovernanceMaturity, "ssb_only", []string{"ssb_only", "ssb_plus_audit", "full_review"}},
		"counterparty_risk":   {&deal.CounterpartyRisk, "low", []string{"low", "medium", "high"}},
		"complexity":          {&deal.Complexity, "simple", []string{"simple", "moderate", "complex"}},
		"cross_border":        {&deal.CrossBorder, "none", []string{"none", "gcc", "international"}},
	}
	for field, d := range defaults {
		if *d.val == "" {
			*d.val = d.def
			continue
		}
		ok := false
		for _, a := range d.allowed {
			if *d.val == a {
				ok = true
			}
		}
		if !ok {
			return deal, errs.ValidationError{Field: field, Message: fmt.Sprintf("invalid value %q", *d.val)}
		}
	}
	seen := map[string]bool{}
	var regs []string
	for _, r := range deal.Regulators {
		if r == "" {
			return deal, errs.ValidationError{Field: "regulators", Message: "empty regulator"}
		}
		if !seen[r] {
			seen[r] = true
			regs = append(regs, r)
		}
	}
	deal.Regulators = regs
	return deal, nil
}
