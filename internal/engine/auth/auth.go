package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ForbiddenGateError indicates an actor may not decide gates on a desk.
type ForbiddenGateError struct {
	DeskID  string
	ActorID string
}

func (e ForbiddenGateError) Error() string {
	return fmt.Sprintf("actor %s is not an approver on desk %s", e.ActorID, e.DeskID)
}

// Service answers approver authorization questions backed by SQL.
type Service struct {
	DB *sql.DB
}

// GrantApprover registers an actor as a gate approver on a desk.
func (s Service) GrantApprover(ctx context.Context, tx *sql.Tx, deskID, actorID, role string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO approvers(desk_id, actor_id, role) VALUES (?,?,?)
ON CONFLICT(desk_id,actor_id) DO UPDATE SET role=excluded.role`, deskID, actorID, role)
	return err
}

// ApproverRole returns the role the actor holds on the desk, or "" when the
// actor is not an approver.
func (s Service) ApproverRole(ctx context.Context, deskID, actorID string) (string, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT role FROM approvers WHERE desk_id=? AND actor_id=? LIMIT 1`, deskID, actorID)
	var role string
	err := row.Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return role, nil
}

// EnsureGateAuthority verifies the actor may decide gates on the desk. When
// allowedRoles is non-empty the actor's role must appear in it.
func (s Service) EnsureGateAuthority(ctx context.Context, deskID, actorID string, allowedRoles []string) error {
	role, err := s.ApproverRole(ctx, deskID, actorID)
	if err != nil {
		return err
	}
	if role == "" {
		return ForbiddenGateError{DeskID: deskID, ActorID: actorID}
	}
	if len(allowedRoles) == 0 {
		return nil
	}
	for _, allowed := range allowedRoles {
		if role == allowed {
			return nil
		}
	}
	return ForbiddenGateError{DeskID: deskID, ActorID: actorID}
}

// ListApprovers returns approver actor IDs for a desk.
func (s Service) ListApprovers(ctx context.Context, deskID string) (map[string]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT actor_id, role FROM approvers WHERE desk_id=? ORDER BY actor_id`, deskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]string{}
	for rows.Next() {
		var actorID, role string
		if err := rows.Scan(&actorID, &role); err != nil {
			return nil, err
		}
		res[actorID] = role
	}
	return res, rows.Err()
}
