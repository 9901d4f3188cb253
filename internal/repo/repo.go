package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mizan/internal/config"
	"mizan/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- desks ---

func (r Repo) InsertDesk(ctx context.Context, tx *sql.Tx, id, name, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO desks(id,name,status,created_at) VALUES (?,?,?,?)`,
		id, nullable(name), "active", createdAt)
	return err
}

func (r Repo) GetDesk(ctx context.Context, id string) (string, error) {
	var deskID string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM desks WHERE id=?`, id).Scan(&deskID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return deskID, err
}

// SingleDesk returns the only desk when exactly one exists.
func (r Repo) SingleDesk(ctx context.Context) (string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM desks LIMIT 2`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if len(ids) != 1 {
		return "", ErrNotFound
	}
	return ids[0], nil
}

func (r Repo) UpsertDeskConfig(ctx context.Context, deskID string, cfg *config.Config) error {
	return upsertDeskConfig(ctx, r.DB, nil, deskID, cfg)
}

func (r Repo) UpsertDeskConfigTx(ctx context.Context, tx *sql.Tx, deskID string, cfg *config.Config) error {
	return upsertDeskConfig(ctx, nil, tx, deskID, cfg)
}

func upsertDeskConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, deskID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Desk.ID = deskID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO desk_configs(desk_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(desk_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, deskID, string(payload), now, now)
	return err
}

func (r Repo) GetDeskConfig(ctx context.Context, deskID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM desk_configs WHERE desk_id=?`, deskID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Desk.ID == "" {
		cfg.Desk.ID = deskID
	}
	return &cfg, cfg.Validate()
}

// --- runs ---

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.WorkflowExecution) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,desk_id,deal_id,status,catalog_version,config_json,outputs_json,overall_quality_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.DeskID, run.DealID, run.Status, run.CatalogVersion, run.ConfigJSON,
		nullableStringPtr(run.OutputsJSON), marshalQuality(run.OverallQuality), run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.WorkflowExecution) error {
	_, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, outputs_json=?, overall_quality_json=?, updated_at=? WHERE id=?`,
		run.Status, nullableStringPtr(run.OutputsJSON), marshalQuality(run.OverallQuality), run.UpdatedAt, run.ID)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.WorkflowExecution, error) {
	var run domain.WorkflowExecution
	var outputs, quality sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,desk_id,deal_id,status,catalog_version,config_json,outputs_json,overall_quality_json,created_at,updated_at FROM runs WHERE id=?`, id).
		Scan(&run.ID, &run.DeskID, &run.DealID, &run.Status, &run.CatalogVersion, &run.ConfigJSON, &outputs, &quality, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if outputs.Valid {
		run.OutputsJSON = &outputs.String
	}
	if quality.Valid {
		run.OverallQuality = unmarshalQuality(quality.String)
	}
	run.Phases, err = r.ListPhases(ctx, run.ID)
	return run, err
}

type RunFilters struct {
	DeskID          string
	DealID          string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.WorkflowExecution, error) {
	var clauses []string
	var args []any
	if f.DeskID != "" {
		clauses = append(clauses, "desk_id=?")
		args = append(args, f.DeskID)
	}
	if f.DealID != "" {
		clauses = append(clauses, "deal_id=?")
		args = append(args, f.DealID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,desk_id,deal_id,status,catalog_version,config_json,outputs_json,overall_quality_json,created_at,updated_at FROM runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowExecution
	for rows.Next() {
		var run domain.WorkflowExecution
		var outputs, quality sql.NullString
		if err := rows.Scan(&run.ID, &run.DeskID, &run.DealID, &run.Status, &run.CatalogVersion, &run.ConfigJSON, &outputs, &quality, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		if outputs.Valid {
			run.OutputsJSON = &outputs.String
		}
		if quality.Valid {
			run.OverallQuality = unmarshalQuality(quality.String)
		}
		res = append(res, run)
	}
	return res, nil
}

// --- phases ---

func (r Repo) InsertPhase(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(run_id,id,seq,name,status,started_at,completed_at,input_json,output_json,quality_json,gate_json,warnings_json,error_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.RunID, p.ID, p.Seq, p.Name, p.Status, nullableStringPtr(p.StartedAt), nullableStringPtr(p.CompletedAt),
		nullableStringPtr(p.InputJSON), nullableStringPtr(p.OutputJSON),
		marshalQuality(p.QualityChecks), marshalJSON(p.Gate), marshalStrings(p.Warnings), marshalJSON(p.Error))
	return err
}

func (r Repo) UpdatePhase(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	_, err := tx.ExecContext(ctx, `UPDATE phases SET status=?, started_at=?, completed_at=?, input_json=?, output_json=?, quality_json=?, gate_json=?, warnings_json=?, error_json=? WHERE run_id=? AND id=?`,
		p.Status, nullableStringPtr(p.StartedAt), nullableStringPtr(p.CompletedAt),
		nullableStringPtr(p.InputJSON), nullableStringPtr(p.OutputJSON),
		marshalQuality(p.QualityChecks), marshalJSON(p.Gate), marshalStrings(p.Warnings), marshalJSON(p.Error),
		p.RunID, p.ID)
	return err
}

func (r Repo) GetPhase(ctx context.Context, runID, phaseID string) (domain.Phase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT run_id,id,seq,name,status,started_at,completed_at,input_json,output_json,quality_json,gate_json,warnings_json,error_json FROM phases WHERE run_id=? AND id=?`, runID, phaseID)
	p, err := scanPhase(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPhases(ctx context.Context, runID string) ([]domain.Phase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,id,seq,name,status,started_at,completed_at,input_json,output_json,quality_json,gate_json,warnings_json,error_json FROM phases WHERE run_id=? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		p, err := scanPhase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func scanPhase(scan func(...any) error) (domain.Phase, error) {
	var p domain.Phase
	var startedAt, completedAt, input, output, quality, gate, warnings, errJSON sql.NullString
	err := scan(&p.RunID, &p.ID, &p.Seq, &p.Name, &p.Status, &startedAt, &completedAt, &input, &output, &quality, &gate, &warnings, &errJSON)
	if err != nil {
		return p, err
	}
	if startedAt.Valid {
		p.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.String
	}
	if input.Valid {
		p.InputJSON = &input.String
	}
	if output.Valid {
		p.OutputJSON = &output.String
	}
	if quality.Valid {
		p.QualityChecks = unmarshalQuality(quality.String)
	}
	if gate.Valid {
		var g domain.HITLGate
		if json.Unmarshal([]byte(gate.String), &g) == nil {
			p.Gate = &g
		}
	}
	if warnings.Valid {
		_ = json.Unmarshal([]byte(warnings.String), &p.Warnings)
	}
	if errJSON.Valid {
		var pe domain.PhaseError
		if json.Unmarshal([]byte(errJSON.String), &pe) == nil {
			p.Error = &pe
		}
	}
	return p, nil
}

// --- tasks and lineage ---

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,run_id,title,category,priority,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.RunID, t.Title, t.Category, t.Priority, t.Status, t.CreatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := r.DB.QueryRowContext(ctx, `SELECT id,run_id,title,category,priority,status,created_at FROM tasks WHERE id=?`, id).
		Scan(&t.ID, &t.RunID, &t.Title, &t.Category, &t.Priority, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTasks(ctx context.Context, runID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,title,category,priority,status,created_at FROM tasks WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(&t.ID, &t.RunID, &t.Title, &t.Category, &t.Priority, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func (r Repo) InsertLineage(ctx context.Context, tx *sql.Tx, l domain.TaskLineage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO lineage(task_id,run_id,obligation_id,control_id,risk_id,phase_id,recorded_at) VALUES (?,?,?,?,?,?,?)`,
		l.TaskID, l.RunID, l.ObligationID, l.ControlID, nullable(l.RiskID), l.PhaseID, l.RecordedAt)
	return err
}

func (r Repo) GetLineage(ctx context.Context, taskID string) (domain.TaskLineage, error) {
	var l domain.TaskLineage
	var riskID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT task_id,run_id,obligation_id,control_id,risk_id,phase_id,recorded_at FROM lineage WHERE task_id=?`, taskID).
		Scan(&l.TaskID, &l.RunID, &l.ObligationID, &l.ControlID, &riskID, &l.PhaseID, &l.RecordedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if riskID.Valid {
		l.RiskID = riskID.String
	}
	return l, err
}

func (r Repo) ListLineage(ctx context.Context, runID string) ([]domain.TaskLineage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id,run_id,obligation_id,control_id,risk_id,phase_id,recorded_at FROM lineage WHERE run_id=? ORDER BY task_id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskLineage
	for rows.Next() {
		var l domain.TaskLineage
		var riskID sql.NullString
		if err := rows.Scan(&l.TaskID, &l.RunID, &l.ObligationID, &l.ControlID, &riskID, &l.PhaseID, &l.RecordedAt); err != nil {
			return nil, err
		}
		if riskID.Valid {
			l.RiskID = riskID.String
		}
		res = append(res, l)
	}
	return res, nil
}

// --- obligation feeds ---

func (r Repo) UpsertFeed(ctx context.Context, regulator, payloadYAML, importedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO obligation_feeds(regulator,payload_yaml,imported_at) VALUES (?,?,?)
ON CONFLICT(regulator) DO UPDATE SET payload_yaml=excluded.payload_yaml, imported_at=excluded.imported_at`,
		regulator, payloadYAML, importedAt)
	return err
}

func (r Repo) ListFeeds(ctx context.Context) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT regulator,payload_yaml FROM obligation_feeds ORDER BY regulator ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]string{}
	for rows.Next() {
		var regulator, payload string
		if err := rows.Scan(&regulator, &payload); err != nil {
			return nil, err
		}
		res[regulator] = payload
	}
	return res, nil
}

// --- approvers ---

func (r Repo) UpsertApprover(ctx context.Context, tx *sql.Tx, deskID, actorID, role string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvers(desk_id,actor_id,role) VALUES (?,?,?)
ON CONFLICT(desk_id,actor_id) DO UPDATE SET role=excluded.role`, deskID, actorID, role)
	return err
}

func (r Repo) IsApprover(ctx context.Context, deskID, actorID string) (bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT 1 FROM approvers WHERE desk_id=? AND actor_id=? LIMIT 1`, deskID, actorID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.scanEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, deskRuns string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if deskRuns != "" {
		clauses = append(clauses, "run_id IN (SELECT id FROM runs WHERE desk_id=?)")
		args = append(args, deskRuns)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.scanEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID for a desk.
func (r Repo) LatestEventID(ctx context.Context, deskID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE run_id IN (SELECT id FROM runs WHERE desk_id=?)`, deskID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) scanEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var runID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &runID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if runID.Valid {
			e.RunID = runID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalQuality(qs []domain.QualityCheck) any {
	if len(qs) == 0 {
		return nil
	}
	b, _ := json.Marshal(qs)
	return string(b)
}

func unmarshalQuality(raw string) []domain.QualityCheck {
	var qs []domain.QualityCheck
	_ = json.Unmarshal([]byte(raw), &qs)
	return qs
}

func marshalStrings(ss []string) any {
	if len(ss) == 0 {
		return nil
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func marshalJSON(v any) any {
	switch t := v.(type) {
	case *domain.HITLGate:
		if t == nil {
			return nil
		}
	case *domain.PhaseError:
		if t == nil {
			return nil
		}
	case nil:
		return nil
	}
	b, _ := json.Marshal(v)
	return string(b)
}
