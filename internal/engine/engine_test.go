package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"mizan/internal/config"
	"mizan/internal/db"
	"mizan/internal/domain"
	"mizan/internal/engine"
	"mizan/internal/engine/auth"
	"mizan/internal/errs"
	"mizan/internal/migrate"
	"mizan/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if cfg == nil {
		cfg = config.Default("desk-1")
	}
	eng, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.InitDesk(ctx, "desk-1", "test desk", "tester"); err != nil {
		t.Fatalf("init desk: %v", err)
	}
	tx, err := eng.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Auth.GrantApprover(ctx, tx, "desk-1", "officer", "compliance-officer"); err != nil {
		t.Fatalf("grant approver: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func ungatedConfig() *config.Config {
	cfg := config.Default("desk-1")
	cfg.Gates.Phases = nil
	return cfg
}

// happyDeal selects values so that every obligation-derived risk points at a
// control the deal actually activates.
func happyDeal(dealID string) domain.DealConfiguration {
	return domain.DealConfiguration{
		DealID:             dealID,
		Jurisdiction:       "QA",
		Regulators:         []string{"QCB", "QFCRA"},
		ProductType:        "mudarabah",
		GovernanceMaturity: "ssb_plus_audit",
		ExternalAudit:      true,
	}
}

func minimalDeal(dealID string) domain.DealConfiguration {
	return domain.DealConfiguration{
		DealID:       dealID,
		Jurisdiction: "QA",
		Regulators:   []string{"QCB"},
		ProductType:  "murabaha",
	}
}

func phaseByID(t *testing.T, run domain.WorkflowExecution, id string) domain.Phase {
	t.Helper()
	for _, p := range run.Phases {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("run %s has no phase %s", run.ID, id)
	return domain.Phase{}
}

func TestUngatedRunCompletesAndPublishes(t *testing.T) {
	env := newTestEnv(t, ungatedConfig())
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: happyDeal("deal-happy"), ActorID: "tester"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("expected completed run, got %s", run.Status)
	}
	for _, p := range run.Phases {
		if p.Status != domain.PhaseCompleted {
			t.Errorf("phase %s is %s", p.ID, p.Status)
		}
	}
	if run.OutputsJSON == nil {
		t.Fatalf("completed run should carry consolidated outputs")
	}
	if len(run.OverallQuality) == 0 || !run.OverallQuality[0].Passed {
		t.Fatalf("expected passing overall quality, got %+v", run.OverallQuality)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) == 0 {
		t.Fatalf("expected published tasks")
	}
	for _, task := range tasks {
		if task.Status != "open" {
			t.Errorf("task %s status %s", task.ID, task.Status)
		}
	}
}

func TestRunPausesAtEachGateThenCompletes(t *testing.T) {
	env := newTestEnv(t, nil)
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: happyDeal("deal-gated"), ActorID: "tester"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if run.Status != domain.RunPendingHITL {
		t.Fatalf("expected pending_hitl, got %s", run.Status)
	}
	gatePhase := phaseByID(t, run, "obligation-extractor")
	if gatePhase.Gate == nil || gatePhase.Gate.Status != domain.GatePending {
		t.Fatalf("expected open gate on obligation-extractor: %+v", gatePhase.Gate)
	}
	if gatePhase.Status != domain.PhaseRunning {
		t.Fatalf("gated phase must not complete before approval, got %s", gatePhase.Status)
	}
	if gatePhase.OutputJSON == nil {
		t.Fatalf("gated phase should hold its output at the gate")
	}
	if phaseByID(t, run, "risk-mapper").Status != domain.PhasePending {
		t.Fatalf("downstream phases must wait for the gate")
	}

	run, err = env.Engine.ResolveGate(env.Ctx, engine.GateDecision{
		RunID: run.ID, PhaseID: "obligation-extractor", Approve: true, ActorID: "officer", Feedback: "obligation set looks right",
	})
	if err != nil {
		t.Fatalf("approve first gate: %v", err)
	}
	if run.Status != domain.RunPendingHITL {
		t.Fatalf("expected second pause, got %s", run.Status)
	}
	second := phaseByID(t, run, "control-designer")
	if second.Gate == nil || second.Gate.Status != domain.GatePending {
		t.Fatalf("expected open gate on control-designer")
	}
	first := phaseByID(t, run, "obligation-extractor")
	if first.Status != domain.PhaseCompleted {
		t.Fatalf("approval should complete the gated phase, got %s", first.Status)
	}
	if first.CompletedAt == nil {
		t.Fatalf("approved phase should record its completion time")
	}
	if first.Gate.Status != domain.GateApproved || first.Gate.Approver == nil || *first.Gate.Approver != "officer" {
		t.Fatalf("first gate not recorded approved: %+v", first.Gate)
	}
	if first.Gate.Feedback == nil || *first.Gate.Feedback == "" {
		t.Fatalf("feedback lost")
	}

	run, err = env.Engine.ResolveGate(env.Ctx, engine.GateDecision{
		RunID: run.ID, PhaseID: "control-designer", Approve: true, ActorID: "officer",
	})
	if err != nil {
		t.Fatalf("approve second gate: %v", err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("expected completed run after final approval, got %s", run.Status)
	}
}

func TestGateRejectionFailsRunAndLeavesDownstreamPending(t *testing.T) {
	env := newTestEnv(t, nil)
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: happyDeal("deal-reject"), ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	run, err = env.Engine.ResolveGate(env.Ctx, engine.GateDecision{
		RunID: run.ID, PhaseID: "obligation-extractor", Approve: false, ActorID: "officer", Reason: "missing DFSA feed",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
	rejected := phaseByID(t, run, "obligation-extractor")
	if rejected.Status != domain.PhaseFailed {
		t.Fatalf("rejected phase must not stand as completed, got %s", rejected.Status)
	}
	if rejected.OutputJSON == nil {
		t.Fatalf("rejected phase retains its output for audit")
	}
	if rejected.Gate.Status != domain.GateRejected || rejected.Gate.RejectionReason == nil {
		t.Fatalf("gate not recorded rejected: %+v", rejected.Gate)
	}
	if rejected.Error == nil || rejected.Error.Kind != "gate_rejected" {
		t.Fatalf("expected gate_rejected error on phase, got %+v", rejected.Error)
	}
	// Rejection is a human decision, not a pipeline failure: downstream
	// phases stay pending so an auditor can see where the run stopped.
	for _, id := range []string{"risk-mapper", "control-designer", "publisher"} {
		if p := phaseByID(t, run, id); p.Status != domain.PhasePending {
			t.Errorf("phase %s should stay pending, got %s", id, p.Status)
		}
	}
}

func TestGateRejectionRequiresReason(t *testing.T) {
	env := newTestEnv(t, nil)
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: happyDeal("deal-noreason"), ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ResolveGate(env.Ctx, engine.GateDecision{
		RunID: run.ID, PhaseID: "obligation-extractor", Approve: false, ActorID: "officer",
	})
	var verr errs.ValidationError
	if !errors.As(err, &verr) || verr.Field != "reason" {
		t.Fatalf("expected reason validation error, got %v", err)
	}
}

func TestGateDecisionRequiresApprover(t *testing.T) {
	env := newTestEnv(t, nil)
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: happyDeal("deal-forbidden"), ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ResolveGate(env.Ctx, engine.GateDecision{
		RunID: run.ID, PhaseID: "obligation-extractor", Approve: true, ActorID: "intruder",
	})
	var ferr auth.ForbiddenGateError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected ForbiddenGateError, got %v", err)
	}
}

func TestGateDecisionRequiresAllowedRole(t *testing.T) {
	env := newTestEnv(t, nil)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Auth.GrantApprover(env.Ctx, tx, "desk-1", "intern", "observer"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: happyDeal("deal-role"), ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ResolveGate(env.Ctx, engine.GateDecision{
		RunID: run.ID, PhaseID: "obligation-extractor", Approve: true, ActorID: "intern",
	})
	var ferr auth.ForbiddenGateError
	if !errors.As(err, &ferr) {
		t.Fatalf("approver outside allowed roles must be refused, got %v", err)
	}
}

func TestGateDecisionOnSettledRunRejected(t *testing.T) {
	env := newTestEnv(t, ungatedConfig())
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: happyDeal("deal-settled"), ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ResolveGate(env.Ctx, engine.GateDecision{
		RunID: run.ID, PhaseID: "obligation-extractor", Approve: true, ActorID: "officer",
	})
	var verr errs.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for settled run, got %v", err)
	}
}

func TestCancelRunAtGate(t *testing.T) {
	env := newTestEnv(t, nil)
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: happyDeal("deal-cancel"), ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	run, err = env.Engine.CancelRun(env.Ctx, run.ID, "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if run.Status != domain.RunCancelled {
		t.Fatalf("expected cancelled, got %s", run.Status)
	}
	gated := phaseByID(t, run, "obligation-extractor")
	if gated.Gate.Status != domain.GateSkipped {
		t.Fatalf("open gate should be skipped on cancel, got %s", gated.Gate.Status)
	}
	if gated.Status != domain.PhaseSkipped {
		t.Fatalf("unapproved phase should be skipped on cancel, got %s", gated.Status)
	}
	for _, id := range []string{"risk-mapper", "control-designer", "publisher"} {
		if p := phaseByID(t, run, id); p.Status != domain.PhaseSkipped {
			t.Errorf("phase %s should be skipped, got %s", id, p.Status)
		}
	}
	if phaseByID(t, run, "profiler").Status != domain.PhaseCompleted {
		t.Fatalf("completed phases are retained on cancel")
	}
	// cancelling twice is rejected
	if _, err := env.Engine.CancelRun(env.Ctx, run.ID, "tester"); err == nil {
		t.Fatalf("expected error cancelling a cancelled run")
	}
}

func TestDanglingMitigationFailsControlDesigner(t *testing.T) {
	env := newTestEnv(t, ungatedConfig())
	feed := `
regulator: TESTREG
obligations:
  - id: TESTREG-ST-001
    title: Structure review
    requirement_text: "Commission a structure review for every deal."
    category: structural
    priority: high
    similarity_key: structural/structure-review
    source:
      regulator: TESTREG
      document: "Rulebook"
      section: "1.1"
    related_controls: [RM-03]
`
	if _, err := env.Engine.ImportFeed(env.Ctx, []byte(feed), "tester"); err != nil {
		t.Fatalf("import feed: %v", err)
	}
	deal := minimalDeal("deal-dangling")
	deal.Regulators = []string{"QCB", "TESTREG"}
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: deal, ActorID: "tester"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
	failed := phaseByID(t, run, "control-designer")
	if failed.Status != domain.PhaseFailed {
		t.Fatalf("expected control-designer failure, got %s", failed.Status)
	}
	if failed.Error == nil || failed.Error.Kind != "dangling_reference" {
		t.Fatalf("expected dangling_reference, got %+v", failed.Error)
	}
	if !strings.Contains(failed.Error.Message, "RM-03") {
		t.Fatalf("error should name the missing control: %s", failed.Error.Message)
	}
	// phase failure propagates as skipped, unlike gate rejection
	for _, id := range []string{"schema-designer", "policy-generator", "unit-tester", "dry-run", "publisher"} {
		if p := phaseByID(t, run, id); p.Status != domain.PhaseSkipped {
			t.Errorf("phase %s should be skipped, got %s", id, p.Status)
		}
	}
	for _, id := range []string{"profiler", "obligation-extractor", "risk-mapper"} {
		if p := phaseByID(t, run, id); p.Status != domain.PhaseCompleted {
			t.Errorf("phase %s should stay completed, got %s", id, p.Status)
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, ungatedConfig())
	cases := []struct {
		name string
		deal domain.DealConfiguration
	}{
		{"missing deal id", domain.DealConfiguration{Jurisdiction: "QA", Regulators: []string{"QCB"}, ProductType: "murabaha"}},
		{"missing jurisdiction", domain.DealConfiguration{DealID: "d", Regulators: []string{"QCB"}, ProductType: "murabaha"}},
		{"no regulators", domain.DealConfiguration{DealID: "d", Jurisdiction: "QA", ProductType: "murabaha"}},
		{"bad enum", domain.DealConfiguration{DealID: "d", Jurisdiction: "QA", Regulators: []string{"QCB"}, ProductType: "murabaha", Complexity: "extreme"}},
	}
	for _, tc := range cases {
		_, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: tc.deal, ActorID: "tester"})
		var verr errs.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}
	_, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-9", Deal: minimalDeal("d"), ActorID: "tester"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown desk should be not found, got %v", err)
	}
}

func TestResubmittingSameDealStartsNewRun(t *testing.T) {
	// The clock is pinned, so both submissions land in the same second.
	env := newTestEnv(t, ungatedConfig())
	first, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: minimalDeal("deal-again"), ActorID: "tester"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: minimalDeal("deal-again"), ActorID: "tester"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("resubmission must start a new run, both got %s", first.ID)
	}
	runs, err := env.Engine.Repo.ListRuns(env.Ctx, repo.RunFilters{DeskID: "desk-1", DealID: "deal-again"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected both runs persisted, got %d", len(runs))
	}
}

func TestAdvanceRefusesStuckRunningPhase(t *testing.T) {
	env := newTestEnv(t, nil)
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: happyDeal("deal-stuck"), ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	// Leave a downstream phase stranded in running, as a crash between
	// transitions would.
	stuck := phaseByID(t, run, "risk-mapper")
	stuck.Status = domain.PhaseRunning
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.UpdatePhase(env.Ctx, tx, stuck); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ResolveGate(env.Ctx, engine.GateDecision{
		RunID: run.ID, PhaseID: "obligation-extractor", Approve: true, ActorID: "officer",
	})
	var iv errs.InvariantViolation
	if !errors.As(err, &iv) {
		t.Fatalf("expected invariant violation for stranded phase, got %v", err)
	}
}

func TestPublishedTaskIDsAreDeterministic(t *testing.T) {
	env := newTestEnv(t, ungatedConfig())
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: minimalDeal("deal-ids"), ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("run %s", run.Status)
	}
	chains, err := env.Engine.Repo.ListLineage(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chains) == 0 {
		t.Fatalf("expected lineage records")
	}
	for _, l := range chains {
		want := uuid.NewSHA1(uuid.NameSpaceOID, []byte(run.ID+"|"+l.ControlID)).String()
		if l.TaskID != want {
			t.Errorf("task id for control %s not derivable: got %s want %s", l.ControlID, l.TaskID, want)
		}
	}
}

func TestLineageCompleteness(t *testing.T) {
	env := newTestEnv(t, ungatedConfig())
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: happyDeal("deal-lineage"), ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("run %s", run.Status)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		chain, err := env.Engine.Lineage(env.Ctx, task.ID)
		if err != nil {
			t.Fatalf("lineage for %s: %v", task.ID, err)
		}
		if chain.ControlID == "" || chain.ObligationID == "" {
			t.Errorf("task %s chain incomplete: %+v", task.ID, chain)
		}
		if chain.Lineage.RunID != run.ID {
			t.Errorf("chain crosses runs: %s", chain.Lineage.RunID)
		}
	}
}

func TestDryRunWarnsForUnreferencedActiveControls(t *testing.T) {
	env := newTestEnv(t, ungatedConfig())
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: minimalDeal("deal-warn"), ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	dryRun := phaseByID(t, run, "dry-run")
	// SG-03 and SG-05 are baseline-active but no QCB obligation cites them.
	found := 0
	for _, w := range dryRun.Warnings {
		if strings.Contains(w, "SG-03") || strings.Contains(w, "SG-05") {
			found++
		}
	}
	if found != 2 {
		t.Fatalf("expected warnings for SG-03 and SG-05, got %v", dryRun.Warnings)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range tasks {
		if _, err := env.Engine.Lineage(env.Ctx, task.ID); err != nil {
			t.Errorf("every published task must trace back: %v", err)
		}
	}
}

func TestPublishHookFailureFailsRun(t *testing.T) {
	env := newTestEnv(t, ungatedConfig())
	env.Engine.Publish = func(ctx context.Context, run domain.WorkflowExecution, tasks []domain.Task) error {
		return fmt.Errorf("tracker unavailable")
	}
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: minimalDeal("deal-hook"), ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
	publisher := phaseByID(t, run, "publisher")
	if publisher.Error == nil || publisher.Error.Kind != "external_failure" {
		t.Fatalf("expected external_failure, got %+v", publisher.Error)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("no tasks may be persisted when delivery fails, got %d", len(tasks))
	}
}

func TestImportedFeedOverridesBundled(t *testing.T) {
	env := newTestEnv(t, ungatedConfig())
	// Replace the QCB feed with a stricter SSB requirement so the QCB text
	// wins the unification instead of QFCRA's.
	feed := `
regulator: QCB
obligations:
  - id: QCB-SG-001
    title: Shariah Supervisory Board composition
    requirement_text: "Appoint a Shariah Supervisory Board with a minimum 5 members and monthly meetings."
    category: shariah-governance
    priority: critical
    similarity_key: shariah-governance/ssb-minimum-members
    source:
      regulator: QCB
      document: "Instructions to Islamic Banks"
      section: "2.1"
    related_controls: [SG-01]
`
	if _, err := env.Engine.ImportFeed(env.Ctx, []byte(feed), "tester"); err != nil {
		t.Fatalf("import: %v", err)
	}
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: happyDeal("deal-override"), ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("run %s", run.Status)
	}
	extractor := phaseByID(t, run, "obligation-extractor")
	if extractor.OutputJSON == nil || !strings.Contains(*extractor.OutputJSON, "minimum 5 members") {
		t.Fatalf("imported feed text should win unification")
	}
}

func TestImportFeedRejectsInvalidPayload(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.Engine.ImportFeed(env.Ctx, []byte("obligations: {"), "tester"); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := env.Engine.ImportFeed(env.Ctx, []byte("regulator: \"\"\n"), "tester"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestMissingFeedRegulatorWarns(t *testing.T) {
	env := newTestEnv(t, ungatedConfig())
	deal := minimalDeal("deal-nofeed")
	deal.Regulators = []string{"QCB", "DFSA"}
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: deal, ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	extractor := phaseByID(t, run, "obligation-extractor")
	warned := false
	for _, w := range extractor.Warnings {
		if strings.Contains(w, "DFSA") {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected warning for regulator with no feed, got %v", extractor.Warnings)
	}
}

func TestEventLogRecordsRunLifecycle(t *testing.T) {
	env := newTestEnv(t, ungatedConfig())
	run, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: minimalDeal("deal-events"), ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 100, run.ID, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, e := range events {
		seen[e.Type] = true
	}
	for _, want := range []string{"run.submitted", "phase.started", "phase.completed", "task.published", "run.completed"} {
		if !seen[want] {
			t.Errorf("missing event type %s", want)
		}
	}
}

func TestRunsAreIsolatedPerDeal(t *testing.T) {
	env := newTestEnv(t, ungatedConfig())
	first, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: minimalDeal("deal-a"), ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.SubmitRun(env.Ctx, engine.SubmitOptions{DeskID: "desk-1", Deal: minimalDeal("deal-b"), ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Fatalf("distinct deals must yield distinct runs")
	}
	aTasks, _ := env.Engine.Repo.ListTasks(env.Ctx, first.ID)
	bTasks, _ := env.Engine.Repo.ListTasks(env.Ctx, second.ID)
	if len(aTasks) == 0 || len(bTasks) == 0 {
		t.Fatalf("both runs should publish tasks")
	}
	for _, task := range aTasks {
		chain, err := env.Engine.Lineage(env.Ctx, task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if chain.Lineage.RunID != first.ID {
			t.Fatalf("lineage crossed runs")
		}
	}
}
