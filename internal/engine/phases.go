package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"mizan/internal/activation"
	"mizan/internal/domain"
	"mizan/internal/errs"
	"mizan/internal/events"
	"mizan/internal/lineage"
	"mizan/internal/obligation"
	"mizan/internal/riskmap"
)

type phaseResult struct {
	Input      *string
	Output     *string
	Checks     []domain.QualityCheck
	Warnings   []string
	Err        error
	ErrDetails map[string]any
}

func failResult(input *string, err error) phaseResult {
	return phaseResult{Input: input, Err: err}
}

type phaseDef struct {
	ID   string
	Name string
	Run  func(ctx context.Context, e Engine, run domain.WorkflowExecution, p *pipeline) phaseResult
}

var phaseDefs = []phaseDef{
	{"profiler", "Deal Profiler", runProfiler},
	{"obligation-extractor", "Obligation Extractor", runObligationExtractor},
	{"risk-mapper", "Risk Mapper", runRiskMapper},
	{"control-designer", "Control Designer", runControlDesigner},
	{"schema-designer", "Evidence Schema Designer", runSchemaDesigner},
	{"policy-generator", "Policy Generator", runPolicyGenerator},
	{"unit-tester", "Activation Tester", runUnitTester},
	{"dry-run", "Dry Run", runDryRun},
	{"publisher", "Publisher", runPublisher},
}

// pipeline is the in-memory state threaded through the phases. It is rebuilt
// from persisted phase outputs on every advance, so a run resumed after a
// gate decision sees exactly what the paused run produced.
type pipeline struct {
	Deal        domain.DealConfiguration
	Profile     dealProfile
	Obligations []domain.Obligation
	Conflicts   []domain.Conflict
	Risks       []domain.Risk
	Controls    []domain.ActivatedControl
	Schemas     []evidenceSchema
	Policy      *policyDocument
	Report      *testReport
	Previews    []taskPreview
	Tasks       []domain.Task
}

type dealProfile struct {
	DealID     string            `json:"deal_id"`
	Regulators []string          `json:"regulators"`
	Dimensions map[string]string `json:"dimensions"`
	RiskTier   string            `json:"risk_tier"`
}

type evidenceSchema struct {
	ControlID string          `json:"control_id"`
	Schema    json.RawMessage `json:"schema"`
}

type policyDocument struct {
	DealID         string          `json:"deal_id"`
	CatalogVersion string          `json:"catalog_version"`
	Sections       []policySection `json:"sections"`
}

type policySection struct {
	Bucket   domain.Bucket   `json:"bucket"`
	Controls []policyControl `json:"controls"`
}

type policyControl struct {
	ControlID string   `json:"control_id"`
	Name      string   `json:"name"`
	Reason    string   `json:"reason"`
	Citations []string `json:"citations"`
	Evidence  []string `json:"evidence"`
}

type testReport struct {
	Cases []testCase `json:"cases"`
}

type testCase struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type taskPreview struct {
	Title        string          `json:"title"`
	Category     string          `json:"category"`
	Priority     domain.Priority `json:"priority"`
	ControlID    string          `json:"control_id"`
	ObligationID string          `json:"obligation_id"`
	RiskID       string          `json:"risk_id,omitempty"`
}

type profilerOutput struct {
	Deal    domain.DealConfiguration `json:"deal"`
	Profile dealProfile              `json:"profile"`
}

type extractorOutput struct {
	Obligations []domain.Obligation `json:"obligations"`
	Conflicts   []domain.Conflict   `json:"conflicts"`
}

type riskOutput struct {
	Risks []domain.Risk `json:"risks"`
}

type designerOutput struct {
	Controls []domain.ActivatedControl `json:"controls"`
}

type schemaOutput struct {
	Schemas []evidenceSchema `json:"schemas"`
}

type policyOutput struct {
	Policy policyDocument `json:"policy"`
}

type testOutput struct {
	Report testReport `json:"report"`
}

type dryRunOutput struct {
	Previews []taskPreview `json:"previews"`
}

type publishOutput struct {
	Tasks []domain.Task `json:"tasks"`
}

// replay rebuilds pipeline state from the run's completed phase outputs.
func replay(run domain.WorkflowExecution) (*pipeline, error) {
	p := &pipeline{}
	if err := json.Unmarshal([]byte(run.ConfigJSON), &p.Deal); err != nil {
		return nil, fmt.Errorf("run %s config: %w", run.ID, err)
	}
	for _, phase := range run.Phases {
		if phase.Status != domain.PhaseCompleted || phase.OutputJSON == nil {
			continue
		}
		raw := []byte(*phase.OutputJSON)
		var err error
		switch phase.ID {
		case "profiler":
			var out profilerOutput
			if err = json.Unmarshal(raw, &out); err == nil {
				p.Deal = out.Deal
				p.Profile = out.Profile
			}
		case "obligation-extractor":
			var out extractorOutput
			if err = json.Unmarshal(raw, &out); err == nil {
				p.Obligations = out.Obligations
				p.Conflicts = out.Conflicts
			}
		case "risk-mapper":
			var out riskOutput
			if err = json.Unmarshal(raw, &out); err == nil {
				p.Risks = out.Risks
			}
		case "control-designer":
			var out designerOutput
			if err = json.Unmarshal(raw, &out); err == nil {
				p.Controls = out.Controls
			}
		case "schema-designer":
			var out schemaOutput
			if err = json.Unmarshal(raw, &out); err == nil {
				p.Schemas = out.Schemas
			}
		case "policy-generator":
			var out policyOutput
			if err = json.Unmarshal(raw, &out); err == nil {
				p.Policy = &out.Policy
			}
		case "unit-tester":
			var out testOutput
			if err = json.Unmarshal(raw, &out); err == nil {
				p.Report = &out.Report
			}
		case "dry-run":
			var out dryRunOutput
			if err = json.Unmarshal(raw, &out); err == nil {
				p.Previews = out.Previews
			}
		case "publisher":
			var out publishOutput
			if err = json.Unmarshal(raw, &out); err == nil {
				p.Tasks = out.Tasks
			}
		}
		if err != nil {
			return nil, fmt.Errorf("run %s phase %s output: %w", run.ID, phase.ID, err)
		}
	}
	return p, nil
}

// runOutputs is the consolidated result stored on a completed run.
type runOutputs struct {
	Profile     dealProfile               `json:"profile"`
	Obligations []domain.Obligation       `json:"obligations"`
	Conflicts   []domain.Conflict         `json:"conflicts"`
	Risks       []domain.Risk             `json:"risks"`
	Controls    []domain.ActivatedControl `json:"controls"`
	Policy      *policyDocument           `json:"policy,omitempty"`
	Tasks       []domain.Task             `json:"tasks"`
}

func (p *pipeline) outputs() runOutputs {
	return runOutputs{
		Profile:     p.Profile,
		Obligations: p.Obligations,
		Conflicts:   p.Conflicts,
		Risks:       p.Risks,
		Controls:    p.Controls,
		Policy:      p.Policy,
		Tasks:       p.Tasks,
	}
}

func jstr(v any) *string {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

// --- phase runners ---

func runProfiler(ctx context.Context, e Engine, run domain.WorkflowExecution, p *pipeline) phaseResult {
	input := &run.ConfigJSON
	deal := p.Deal
	sort.Strings(deal.Regulators)
	profile := dealProfile{
		DealID:     deal.DealID,
		Regulators: deal.Regulators,
		Dimensions: map[string]string{
			"jurisdiction":        deal.Jurisdiction,
			"product_type":        deal.ProductType,
			"accounting_standard": deal.AccountingStandard,
			"sustainability":      deal.Sustainability,
			"governance_maturity": deal.GovernanceMaturity,
			"counterparty_risk":   deal.CounterpartyRisk,
			"complexity":          deal.Complexity,
			"cross_border":        deal.CrossBorder,
		},
		RiskTier: riskTier(deal),
	}
	out := profilerOutput{Deal: deal, Profile: profile}
	return phaseResult{
		Input:  input,
		Output: jstr(out),
		Checks: []domain.QualityCheck{{Name: "configuration_complete", Passed: true, Score: 1}},
	}
}

func riskTier(deal domain.DealConfiguration) string {
	if deal.Complexity == "complex" || deal.CounterpartyRisk == "high" || deal.CrossBorder == "international" {
		return "elevated"
	}
	if deal.Complexity == "moderate" || deal.CounterpartyRisk == "medium" || deal.CrossBorder == "gcc" {
		return "standard"
	}
	return "baseline"
}

func runObligationExtractor(ctx context.Context, e Engine, run domain.WorkflowExecution, p *pipeline) phaseResult {
	input := jstr(map[string]any{"regulators": p.Deal.Regulators})
	feeds, err := e.loadFeeds(ctx)
	if err != nil {
		return failResult(input, err)
	}
	if allowed := e.Config.Feeds.Regulators; len(allowed) > 0 {
		feeds = obligation.FilterByRegulators(feeds, allowed)
	}
	feeds = obligation.FilterByRegulators(feeds, p.Deal.Regulators)

	var warnings []string
	covered := map[string]bool{}
	for _, f := range feeds {
		covered[f.Regulator] = true
	}
	for _, r := range p.Deal.Regulators {
		if !covered[r] {
			warnings = append(warnings, fmt.Sprintf("no obligation feed available for regulator %s", r))
		}
	}

	unified, err := obligation.Unify(feeds)
	if err != nil {
		return failResult(input, err)
	}
	cited := 0
	for _, ob := range unified.Obligations {
		if ob.Source.Document != "" {
			cited++
		}
	}
	coverage := 1.0
	if len(unified.Obligations) > 0 {
		coverage = float64(cited) / float64(len(unified.Obligations))
	}
	checks := []domain.QualityCheck{
		{Name: "citation_coverage", Passed: coverage == 1, Score: coverage},
		{Name: "conflicts_resolved", Passed: true, Score: 1, Detail: fmt.Sprintf("%d conflicts recorded", len(unified.Conflicts))},
	}
	return phaseResult{
		Input:    input,
		Output:   jstr(extractorOutput{Obligations: unified.Obligations, Conflicts: unified.Conflicts}),
		Checks:   checks,
		Warnings: warnings,
	}
}

// loadFeeds merges bundled feeds with imported ones; an imported feed
// replaces the bundled feed for the same regulator.
func (e Engine) loadFeeds(ctx context.Context) ([]obligation.Feed, error) {
	feeds, err := obligation.DefaultFeeds()
	if err != nil {
		return nil, err
	}
	imported, err := e.Repo.ListFeeds(ctx)
	if err != nil {
		return nil, err
	}
	byRegulator := map[string]obligation.Feed{}
	for _, f := range feeds {
		byRegulator[f.Regulator] = f
	}
	for regulator, payload := range imported {
		f, err := obligation.ParseFeed([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("imported feed %s: %w", regulator, err)
		}
		byRegulator[f.Regulator] = f
	}
	keys := make([]string, 0, len(byRegulator))
	for k := range byRegulator {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	merged := make([]obligation.Feed, 0, len(keys))
	for _, k := range keys {
		merged = append(merged, byRegulator[k])
	}
	return merged, nil
}

func runRiskMapper(ctx context.Context, e Engine, run domain.WorkflowExecution, p *pipeline) phaseResult {
	input := jstr(map[string]any{"obligations": len(p.Obligations)})
	risks := riskmap.MapRisks(p.Obligations, p.Deal)
	var warnings []string
	mitigated := 0
	for _, r := range risks {
		if r.MitigationControlID != "" {
			mitigated++
		} else {
			warnings = append(warnings, fmt.Sprintf("risk %s has no mitigation control", r.ID))
		}
	}
	coverage := 1.0
	if len(risks) > 0 {
		coverage = float64(mitigated) / float64(len(risks))
	}
	return phaseResult{
		Input:    input,
		Output:   jstr(riskOutput{Risks: risks}),
		Checks:   []domain.QualityCheck{{Name: "mitigation_coverage", Passed: coverage == 1, Score: coverage}},
		Warnings: warnings,
	}
}

func runControlDesigner(ctx context.Context, e Engine, run domain.WorkflowExecution, p *pipeline) phaseResult {
	input := jstr(map[string]any{"catalog_version": e.Catalog.Version, "obligations": len(p.Obligations), "risks": len(p.Risks)})
	controls, err := e.Evaluator.Activate(p.Deal, e.Catalog, p.Obligations)
	if err != nil {
		return failResult(input, err)
	}
	active := activation.ActiveSet(controls)
	if err := riskmap.ValidateMitigations(p.Risks, active); err != nil {
		return failResult(input, err)
	}
	activated := 0
	for _, ac := range controls {
		if ac.Activated {
			activated++
		}
	}
	rate := float64(activated) / float64(len(controls))
	return phaseResult{
		Input:  input,
		Output: jstr(designerOutput{Controls: controls}),
		Checks: []domain.QualityCheck{
			{Name: "activation_rate", Passed: activated > 0, Score: rate, Detail: fmt.Sprintf("%d of %d controls active", activated, len(controls))},
		},
	}
}

func runSchemaDesigner(ctx context.Context, e Engine, run domain.WorkflowExecution, p *pipeline) phaseResult {
	input := jstr(map[string]any{"controls": len(p.Controls)})
	var schemas []evidenceSchema
	compiler := jsonschema.NewCompiler()
	for _, ac := range p.Controls {
		if !ac.Activated {
			continue
		}
		ctrl, err := e.Catalog.Get(ac.ControlID)
		if err != nil {
			return failResult(input, errs.InvariantViolation{Message: fmt.Sprintf("activated control %s missing from catalog", ac.ControlID)})
		}
		raw, err := buildEvidenceSchema(ctrl.ID, ctrl.Name, ctrl.RequiredEvidence)
		if err != nil {
			return failResult(input, err)
		}
		url := fmt.Sprintf("mizan:///schemas/%s.json", ctrl.ID)
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return failResult(input, errs.InvariantViolation{Message: fmt.Sprintf("evidence schema for %s: %v", ctrl.ID, err)})
		}
		if _, err := compiler.Compile(url); err != nil {
			return failResult(input, errs.InvariantViolation{Message: fmt.Sprintf("evidence schema for %s: %v", ctrl.ID, err)})
		}
		schemas = append(schemas, evidenceSchema{ControlID: ctrl.ID, Schema: raw})
	}
	return phaseResult{
		Input:  input,
		Output: jstr(schemaOutput{Schemas: schemas}),
		Checks: []domain.QualityCheck{{Name: "schemas_valid", Passed: true, Score: 1, Detail: fmt.Sprintf("%d schemas compiled", len(schemas))}},
	}
}

func buildEvidenceSchema(controlID, name string, evidence []string) (json.RawMessage, error) {
	props := map[string]any{}
	required := make([]string, 0, len(evidence))
	for _, item := range evidence {
		field := evidenceField(item)
		props[field] = map[string]any{
			"type":        "string",
			"minLength":   1,
			"description": item,
		}
		required = append(required, field)
	}
	sort.Strings(required)
	doc := map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"title":                fmt.Sprintf("Evidence for %s (%s)", controlID, name),
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
	return json.Marshal(doc)
}

func evidenceField(item string) string {
	field := strings.ToLower(strings.TrimSpace(item))
	field = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, field)
	return strings.Trim(field, "_")
}

func runPolicyGenerator(ctx context.Context, e Engine, run domain.WorkflowExecution, p *pipeline) phaseResult {
	input := jstr(map[string]any{"controls": len(p.Controls), "obligations": len(p.Obligations)})
	doc := policyDocument{DealID: p.Deal.DealID, CatalogVersion: e.Catalog.Version}
	cited := 0
	activated := 0
	for _, bucket := range domain.Buckets {
		section := policySection{Bucket: bucket}
		for _, ac := range p.Controls {
			if !ac.Activated || ac.Bucket != bucket {
				continue
			}
			activated++
			ctrl, err := e.Catalog.Get(ac.ControlID)
			if err != nil {
				return failResult(input, errs.InvariantViolation{Message: fmt.Sprintf("activated control %s missing from catalog", ac.ControlID)})
			}
			pc := policyControl{
				ControlID: ctrl.ID,
				Name:      ctrl.Name,
				Reason:    ac.Reason,
				Citations: citationsFor(ctrl.ID, p.Obligations),
				Evidence:  ctrl.RequiredEvidence,
			}
			if len(pc.Citations) > 0 {
				cited++
			}
			section.Controls = append(section.Controls, pc)
		}
		if len(section.Controls) > 0 {
			doc.Sections = append(doc.Sections, section)
		}
	}
	coverage := 1.0
	if activated > 0 {
		coverage = float64(cited) / float64(activated)
	}
	return phaseResult{
		Input:  input,
		Output: jstr(policyOutput{Policy: doc}),
		Checks: []domain.QualityCheck{
			{Name: "citation_coverage", Passed: coverage > 0, Score: coverage, Detail: fmt.Sprintf("%d of %d active controls carry citations", cited, activated)},
		},
	}
}

func citationsFor(controlID string, obligations []domain.Obligation) []string {
	var cites []string
	for _, ob := range obligations {
		for _, rc := range ob.RelatedControls {
			if rc != controlID {
				continue
			}
			cite := fmt.Sprintf("%s %s %s", ob.Source.Regulator, ob.Source.Document, ob.Source.Section)
			cites = append(cites, strings.TrimSpace(cite))
		}
	}
	sort.Strings(cites)
	return cites
}

func runUnitTester(ctx context.Context, e Engine, run domain.WorkflowExecution, p *pipeline) phaseResult {
	input := jstr(map[string]any{"controls": len(p.Controls)})
	var cases []testCase

	recomputed, err := e.Evaluator.Activate(p.Deal, e.Catalog, p.Obligations)
	if err != nil {
		return failResult(input, err)
	}
	first, _ := json.Marshal(p.Controls)
	second, _ := json.Marshal(recomputed)
	cases = append(cases, testCase{
		Name:   "activation_deterministic",
		Passed: bytes.Equal(first, second),
		Detail: "re-evaluating the catalog against the same deal must reproduce the activated set byte for byte",
	})

	baselineOK := true
	active := activation.ActiveSet(p.Controls)
	for _, ctrl := range e.Catalog.All() {
		if ctrl.Baseline && !active[ctrl.ID] {
			baselineOK = false
		}
	}
	cases = append(cases, testCase{Name: "baseline_controls_active", Passed: baselineOK})

	criticalOK := true
	for _, ob := range p.Obligations {
		if ob.Priority != domain.PriorityCritical {
			continue
		}
		linked := false
		for _, rc := range ob.RelatedControls {
			if active[rc] {
				linked = true
			}
		}
		if !linked {
			criticalOK = false
			cases = append(cases, testCase{Name: "critical_obligation_" + ob.ID, Passed: false, Detail: "no related control active"})
		}
	}
	if criticalOK {
		cases = append(cases, testCase{Name: "critical_obligations_covered", Passed: true})
	}

	mitigationsOK := riskmap.ValidateMitigations(p.Risks, active) == nil
	cases = append(cases, testCase{Name: "risk_mitigations_resolve", Passed: mitigationsOK})

	passed := 0
	for _, c := range cases {
		if c.Passed {
			passed++
		}
	}
	if passed != len(cases) {
		var failing []string
		for _, c := range cases {
			if !c.Passed {
				failing = append(failing, c.Name)
			}
		}
		return phaseResult{
			Input:      input,
			Err:        errs.InvariantViolation{Message: fmt.Sprintf("activation test cases failed: %s", strings.Join(failing, ", "))},
			ErrDetails: map[string]any{"failed_cases": failing},
		}
	}
	return phaseResult{
		Input:  input,
		Output: jstr(testOutput{Report: testReport{Cases: cases}}),
		Checks: []domain.QualityCheck{{Name: "test_pass_rate", Passed: true, Score: 1, Detail: fmt.Sprintf("%d cases", len(cases))}},
	}
}

func runDryRun(ctx context.Context, e Engine, run domain.WorkflowExecution, p *pipeline) phaseResult {
	input := jstr(map[string]any{"controls": len(p.Controls), "risks": len(p.Risks)})
	previews, warnings := buildPreviews(e, p)
	return phaseResult{
		Input:    input,
		Output:   jstr(dryRunOutput{Previews: previews}),
		Checks:   []domain.QualityCheck{{Name: "publishable_tasks", Passed: len(previews) > 0, Score: 1, Detail: fmt.Sprintf("%d tasks would be published", len(previews))}},
		Warnings: warnings,
	}
}

// buildPreviews derives one task per activated control that at least one
// obligation references. Controls active without any obligation linkage are
// reported as warnings rather than published, so every task keeps a complete
// lineage chain.
func buildPreviews(e Engine, p *pipeline) ([]taskPreview, []string) {
	obligationsByControl := map[string][]domain.Obligation{}
	for _, ob := range p.Obligations {
		for _, rc := range ob.RelatedControls {
			obligationsByControl[rc] = append(obligationsByControl[rc], ob)
		}
	}
	riskByControl := map[string]string{}
	for _, r := range p.Risks {
		if r.MitigationControlID == "" {
			continue
		}
		if existing, ok := riskByControl[r.MitigationControlID]; !ok || r.ID < existing {
			riskByControl[r.MitigationControlID] = r.ID
		}
	}

	var previews []taskPreview
	var warnings []string
	for _, ac := range p.Controls {
		if !ac.Activated {
			continue
		}
		linked := obligationsByControl[ac.ControlID]
		if len(linked) == 0 {
			warnings = append(warnings, fmt.Sprintf("control %s is active but no obligation references it", ac.ControlID))
			continue
		}
		sort.Slice(linked, func(i, j int) bool { return linked[i].ID < linked[j].ID })
		ctrl, err := e.Catalog.Get(ac.ControlID)
		if err != nil {
			continue
		}
		previews = append(previews, taskPreview{
			Title:        fmt.Sprintf("Implement %s: %s", ctrl.ID, ctrl.Name),
			Category:     string(ctrl.Bucket),
			Priority:     highestPriority(linked),
			ControlID:    ctrl.ID,
			ObligationID: linked[0].ID,
			RiskID:       riskByControl[ctrl.ID],
		})
	}
	sort.Slice(previews, func(i, j int) bool { return previews[i].ControlID < previews[j].ControlID })
	return previews, warnings
}

var priorityRank = map[domain.Priority]int{
	domain.PriorityCritical: 4,
	domain.PriorityHigh:     3,
	domain.PriorityMedium:   2,
	domain.PriorityLow:      1,
}

func highestPriority(obligations []domain.Obligation) domain.Priority {
	best := domain.PriorityMedium
	rank := 0
	for _, ob := range obligations {
		if r := priorityRank[ob.Priority]; r > rank {
			rank = r
			best = ob.Priority
		}
	}
	return best
}

func runPublisher(ctx context.Context, e Engine, run domain.WorkflowExecution, p *pipeline) phaseResult {
	input := jstr(map[string]any{"previews": len(p.Previews)})
	now := e.now().UTC().Format(time.RFC3339)

	artifacts := lineage.CollectArtifacts(run.ID, p.Obligations, p.Controls, p.Risks)
	tasks := make([]domain.Task, 0, len(p.Previews))
	records := make([]domain.TaskLineage, 0, len(p.Previews))
	for _, pv := range p.Previews {
		id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(run.ID+"|"+pv.ControlID)).String()
		tasks = append(tasks, domain.Task{
			ID:        id,
			RunID:     run.ID,
			Title:     pv.Title,
			Category:  pv.Category,
			Priority:  pv.Priority,
			Status:    "open",
			CreatedAt: now,
		})
		record := domain.TaskLineage{
			TaskID:       id,
			RunID:        run.ID,
			ObligationID: pv.ObligationID,
			ControlID:    pv.ControlID,
			RiskID:       pv.RiskID,
			PhaseID:      "publisher",
			RecordedAt:   now,
		}
		if err := lineage.Validate(record, artifacts); err != nil {
			return failResult(input, err)
		}
		records = append(records, record)
	}

	if e.Publish != nil {
		if err := e.Publish(ctx, run, tasks); err != nil {
			return failResult(input, errs.ExternalFailure{Op: "publish tasks", Err: err})
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return failResult(input, err)
	}
	defer tx.Rollback()
	for i, t := range tasks {
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return failResult(input, err)
		}
		if err := e.Repo.InsertLineage(ctx, tx, records[i]); err != nil {
			return failResult(input, err)
		}
		if err := e.Events.Append(ctx, tx, "task.published", run.ID, "task", t.ID, "", events.EventPayload{
			"control_id":    records[i].ControlID,
			"obligation_id": records[i].ObligationID,
		}); err != nil {
			return failResult(input, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return failResult(input, err)
	}

	return phaseResult{
		Input:  input,
		Output: jstr(publishOutput{Tasks: tasks}),
		Checks: []domain.QualityCheck{{Name: "tasks_published", Passed: true, Score: 1, Detail: fmt.Sprintf("%d tasks", len(tasks))}},
	}
}
