package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

// latestStateSQL selects the newest state of rule r; seq breaks created_at ties.
const latestStateSQL = `
	(SELECT s.active FROM check_auto_accept_rule_states s
	 WHERE s.auto_accept_rule_id = r.id
	 ORDER BY s.created_at DESC, s.seq DESC
	 LIMIT 1)
`

// CreateAutoAcceptRule inserts a rule with its initial states. A rule for the same
// (card, prisoner) pair returns ErrDuplicateIdentity.
func (r *PostgresRepository) CreateAutoAcceptRule(ctx context.Context, rule *domain.CheckAutoAcceptRule) error {
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO check_auto_accept_rules (id, debit_card_sender_details_id, prisoner_profile_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
		`, rule.ID, rule.DebitCardSenderDetailsID, rule.PrisonerProfileID, rule.Created, rule.Modified)
		if err != nil {
			return err
		}
		for _, state := range rule.States {
			if err := insertRuleStateTx(ctx, tx, state); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdentity
		}
		return fmt.Errorf("create auto-accept rule: %w", err)
	}
	return nil
}

func insertRuleStateTx(ctx context.Context, tx pgx.Tx, state domain.CheckAutoAcceptRuleState) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO check_auto_accept_rule_states (id, auto_accept_rule_id, active, reason, added_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, state.ID, state.RuleID, state.Active, state.Reason, state.AddedByID, state.Created)
	return err
}

// AppendAutoAcceptRuleState adds a state to the rule's history. Existing states are never updated.
func (r *PostgresRepository) AppendAutoAcceptRuleState(ctx context.Context, state domain.CheckAutoAcceptRuleState) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE check_auto_accept_rules SET updated_at = $2 WHERE id = $1`, state.RuleID, state.Created)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrAutoAcceptRuleNotFound
		}
		return insertRuleStateTx(ctx, tx, state)
	})
}

func (r *PostgresRepository) GetAutoAcceptRule(ctx context.Context, id uuid.UUID) (*domain.CheckAutoAcceptRule, error) {
	rules, err := r.queryAutoAcceptRules(ctx, `WHERE r.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, ErrAutoAcceptRuleNotFound
	}
	return &rules[0], nil
}

// FindAutoAcceptRuleForCard finds the rule for a card identity and prisoner profile.
func (r *PostgresRepository) FindAutoAcceptRuleForCard(ctx context.Context, card domain.DebitCardIdentity, prisonerID uuid.UUID) (*domain.CheckAutoAcceptRule, error) {
	rules, err := r.queryAutoAcceptRules(ctx, `
		JOIN debit_card_sender_details d ON d.id = r.debit_card_sender_details_id
		WHERE d.card_number_last_digits = $1 AND d.card_expiry_date = $2 AND d.postcode = $3
		  AND r.prisoner_profile_id = $4
	`, card.CardNumberLastDigits, card.CardExpiryDate, card.Postcode, prisonerID)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, ErrAutoAcceptRuleNotFound
	}
	return &rules[0], nil
}

func (r *PostgresRepository) ListAutoAcceptRules(ctx context.Context, filter AutoAcceptListFilter) ([]domain.CheckAutoAcceptRule, error) {
	var (
		conds []string
		args  []any
	)
	if filter.PrisonerProfileID != nil {
		args = append(args, *filter.PrisonerProfileID)
		conds = append(conds, fmt.Sprintf("r.prisoner_profile_id = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		conds = append(conds, fmt.Sprintf("%s = $%d", latestStateSQL, len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	where += fmt.Sprintf(" ORDER BY r.created_at, r.id LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return r.queryAutoAcceptRules(ctx, where, args...)
}

// queryAutoAcceptRules loads rules matching the clause and then their states, oldest first.
func (r *PostgresRepository) queryAutoAcceptRules(ctx context.Context, clause string, args ...any) ([]domain.CheckAutoAcceptRule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT r.id, r.debit_card_sender_details_id, r.prisoner_profile_id, r.created_at, r.updated_at
		FROM check_auto_accept_rules r
	`+clause, args...)
	if err != nil {
		return nil, err
	}
	var (
		rules []domain.CheckAutoAcceptRule
		ids   []uuid.UUID
	)
	for rows.Next() {
		var rule domain.CheckAutoAcceptRule
		if err := rows.Scan(&rule.ID, &rule.DebitCardSenderDetailsID, &rule.PrisonerProfileID, &rule.Created, &rule.Modified); err != nil {
			rows.Close()
			return nil, err
		}
		rules = append(rules, rule)
		ids = append(ids, rule.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}

	rows, err = r.db.Query(ctx, `
		SELECT id, auto_accept_rule_id, active, reason, added_by, created_at
		FROM check_auto_accept_rule_states
		WHERE auto_accept_rule_id = ANY($1)
		ORDER BY created_at, seq
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	index := make(map[uuid.UUID]int, len(rules))
	for i, rule := range rules {
		index[rule.ID] = i
	}
	for rows.Next() {
		var s domain.CheckAutoAcceptRuleState
		if err := rows.Scan(&s.ID, &s.RuleID, &s.Active, &s.Reason, &s.AddedByID, &s.Created); err != nil {
			return nil, err
		}
		i := index[s.RuleID]
		rules[i].States = append(rules[i].States, s)
	}
	return rules, rows.Err()
}

func (r *PostgresRepository) DebitCardDetailsExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM debit_card_sender_details WHERE id = $1)`, id).Scan(&exists)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	return exists, nil
}
