package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

const checkColumns = `
	sc.id, sc.credit_id, sc.status, sc.rules, sc.description, sc.rejection_reasons, sc.decision_reason,
	sc.actioned_by, sc.actioned_at, sc.assigned_to, sc.created_at, sc.updated_at,
	st.id, st.auto_accept_rule_id, st.active, st.reason, st.added_by, st.created_at
`

const checkFrom = `
	FROM security_checks sc
	LEFT JOIN check_auto_accept_rule_states st ON st.id = sc.auto_accept_rule_state_id
`

func scanCheck(row pgx.Row) (*domain.Check, error) {
	var (
		c       domain.Check
		status  string
		reasons []byte

		stateID, ruleID *uuid.UUID
		active          *bool
		reason          *string
		addedBy         *uuid.UUID
		stateCreated    *time.Time
	)
	err := row.Scan(
		&c.ID, &c.CreditID, &status, &c.Rules, &c.Description, &reasons, &c.DecisionReason,
		&c.ActionedByID, &c.ActionedAt, &c.AssignedToID, &c.Created, &c.Modified,
		&stateID, &ruleID, &active, &reason, &addedBy, &stateCreated,
	)
	if err != nil {
		return nil, err
	}
	c.Status = domain.CheckStatus(status)
	c.RejectionReasons = map[string]any{}
	if len(reasons) > 0 {
		if err := json.Unmarshal(reasons, &c.RejectionReasons); err != nil {
			return nil, fmt.Errorf("decode rejection reasons: %w", err)
		}
	}
	if stateID != nil {
		c.AutoAcceptRuleState = &domain.CheckAutoAcceptRuleState{
			ID:        *stateID,
			RuleID:    *ruleID,
			Active:    active != nil && *active,
			Reason:    deref(reason),
			AddedByID: addedBy,
		}
		if stateCreated != nil {
			c.AutoAcceptRuleState.Created = *stateCreated
		}
	}
	return &c, nil
}

func (r *PostgresRepository) GetCheck(ctx context.Context, id uuid.UUID) (*domain.Check, error) {
	return r.getCheck(ctx, `sc.id = $1`, id)
}

func (r *PostgresRepository) GetCheckByCredit(ctx context.Context, creditID uuid.UUID) (*domain.Check, error) {
	return r.getCheck(ctx, `sc.credit_id = $1`, creditID)
}

func (r *PostgresRepository) getCheck(ctx context.Context, where string, arg uuid.UUID) (*domain.Check, error) {
	check, err := scanCheck(r.db.QueryRow(ctx, `SELECT `+checkColumns+checkFrom+` WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCheckNotFound
		}
		return nil, err
	}
	return check, nil
}

// ListChecks returns checks oldest first.
func (r *PostgresRepository) ListChecks(ctx context.Context, filter CheckListFilter) ([]domain.Check, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("sc.status = $%d", len(args)))
	}
	if filter.AssignedTo != nil {
		args = append(args, *filter.AssignedTo)
		conds = append(conds, fmt.Sprintf("sc.assigned_to = $%d", len(args)))
	}
	query := `SELECT ` + checkColumns + checkFrom
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY sc.created_at, sc.id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checks []domain.Check
	for rows.Next() {
		check, err := scanCheck(rows)
		if err != nil {
			return nil, err
		}
		checks = append(checks, *check)
	}
	return checks, rows.Err()
}

// CreateCheck inserts a check and its creation event. A credit keeps its first check.
func (r *PostgresRepository) CreateCheck(ctx context.Context, check *domain.Check, event domain.Event) (bool, error) {
	reasons, err := json.Marshal(check.RejectionReasons)
	if err != nil {
		return false, err
	}
	var stateID *uuid.UUID
	if check.AutoAcceptRuleState != nil {
		id := check.AutoAcceptRuleState.ID
		stateID = &id
	}

	created := false
	err = r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO security_checks (
				id, credit_id, status, rules, description, rejection_reasons, decision_reason,
				auto_accept_rule_state_id, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $9)
			ON CONFLICT (credit_id) DO NOTHING
		`, check.ID, check.CreditID, string(check.Status), check.Rules, check.Description, string(reasons),
			check.DecisionReason, stateID, check.Created)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true
		return r.enqueueEventTx(ctx, tx, event)
	})
	if err != nil {
		return false, fmt.Errorf("create check: %w", err)
	}
	return created, nil
}

// SaveCheckDecision writes an accept or reject, provided the stored status is still previous.
func (r *PostgresRepository) SaveCheckDecision(ctx context.Context, check *domain.Check, previous domain.CheckStatus, event domain.Event) error {
	reasons, err := json.Marshal(check.RejectionReasons)
	if err != nil {
		return err
	}
	return r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE security_checks
			SET status = $3, rejection_reasons = $4::jsonb, decision_reason = $5,
				actioned_by = $6, actioned_at = $7, updated_at = $8
			WHERE id = $1 AND status = $2
		`, check.ID, string(previous), string(check.Status), string(reasons), check.DecisionReason,
			check.ActionedByID, check.ActionedAt, check.Modified)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrCheckStateChanged
		}
		return r.enqueueEventTx(ctx, tx, event)
	})
}

// SaveCheckAssignment sets the assignee, provided it is still previous.
func (r *PostgresRepository) SaveCheckAssignment(ctx context.Context, checkID uuid.UUID, assignee, previous *uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE security_checks
		SET assigned_to = $2, updated_at = NOW()
		WHERE id = $1 AND assigned_to IS NOT DISTINCT FROM $3
	`, checkID, assignee, previous)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCheckStateChanged
	}
	return nil
}
