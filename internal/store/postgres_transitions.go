package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

// missingIDs returns the requested ids that were not loaded.
func missingIDs(requested []uuid.UUID, loaded map[uuid.UUID]bool) []uuid.UUID {
	var missing []uuid.UUID
	for _, id := range requested {
		if !loaded[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// TransitionCredits applies action to every credit or to none. Rows are locked before the
// precondition is checked; any missing or mismatching credit aborts with a ConflictError.
func (r *PostgresRepository) TransitionCredits(ctx context.Context, ids []uuid.UUID, action domain.CreditAction, by uuid.UUID) error {
	ids = uniqueIDs(ids)
	return r.inTx(ctx, func(tx pgx.Tx) error {
		credits, err := listCredits(ctx, tx, ids, true)
		if err != nil {
			return err
		}
		loaded := make(map[uuid.UUID]bool, len(credits))
		var conflicts []uuid.UUID
		for i := range credits {
			loaded[credits[i].ID] = true
			if !action.Allows(&credits[i]) {
				conflicts = append(conflicts, credits[i].ID)
			}
		}
		conflicts = append(conflicts, missingIDs(ids, loaded)...)
		if len(conflicts) > 0 {
			return &domain.ConflictError{IDs: conflicts}
		}

		for i := range credits {
			credit := &credits[i]
			event := action.Apply(credit, by)
			_, err := tx.Exec(ctx, `
				UPDATE credits SET resolution = $2, owner_id = $3, reviewed = $4, updated_at = NOW()
				WHERE id = $1
			`, credit.ID, string(credit.Resolution), credit.OwnerID, credit.Reviewed)
			if err != nil {
				return fmt.Errorf("update credit %s: %w", credit.ID, err)
			}
			if err := insertCreditLogTx(ctx, tx, credit.ID, &by, string(action)); err != nil {
				return err
			}
			if err := r.enqueueEventTx(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReconcileCredits marks credited credits received in [from, to) as reconciled.
func (r *PostgresRepository) ReconcileCredits(ctx context.Context, from, to time.Time, by uuid.UUID) (int64, error) {
	var n int64
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE credits SET reconciled = TRUE, updated_at = NOW()
			WHERE resolution = 'credited' AND NOT reconciled
			  AND received_at >= $1 AND received_at < $2
			RETURNING id
		`, from, to)
		if err != nil {
			return err
		}
		ids, err := scanIDs(rows)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := insertCreditLogTx(ctx, tx, id, &by, "reconciled"); err != nil {
				return err
			}
		}
		n = int64(len(ids))
		return nil
	})
	return n, err
}

// TransitionDisbursements moves every disbursement to next or none of them.
func (r *PostgresRepository) TransitionDisbursements(ctx context.Context, ids []uuid.UUID, next domain.DisbursementResolution, by uuid.UUID) error {
	ids = uniqueIDs(ids)
	return r.inTx(ctx, func(tx pgx.Tx) error {
		disbursements, err := listDisbursements(ctx, tx, ids, true)
		if err != nil {
			return err
		}
		loaded := make(map[uuid.UUID]bool, len(disbursements))
		events := make([]domain.Event, 0, len(disbursements))
		var conflicts []uuid.UUID
		for i := range disbursements {
			loaded[disbursements[i].ID] = true
			event, ok := domain.TransitionDisbursement(&disbursements[i], next, by)
			if !ok {
				conflicts = append(conflicts, disbursements[i].ID)
				continue
			}
			events = append(events, event)
		}
		conflicts = append(conflicts, missingIDs(ids, loaded)...)
		if len(conflicts) > 0 {
			return &domain.ConflictError{IDs: conflicts}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE disbursements SET resolution = $2, updated_at = NOW() WHERE id = ANY($1)
		`, ids, string(next)); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.Exec(ctx, `
				INSERT INTO disbursement_logs (disbursement_id, user_id, action) VALUES ($1, $2, $3)
			`, id, by, string(next)); err != nil {
				return err
			}
		}
		for _, event := range events {
			if err := r.enqueueEventTx(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
}

// FailCredit marks an initial credit as failed and drops the profile links that only it
// supported.
func (r *PostgresRepository) FailCredit(ctx context.Context, creditID uuid.UUID) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		credits, err := listCredits(ctx, tx, []uuid.UUID{creditID}, true)
		if err != nil {
			return err
		}
		if len(credits) == 0 {
			return ErrCreditNotFound
		}
		credit := &credits[0]
		event, err := domain.FailCredit(credit)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE credits SET resolution = 'failed', updated_at = NOW() WHERE id = $1`, credit.ID); err != nil {
			return err
		}
		if credit.SenderProfileID != nil && credit.PrisonerProfileID != nil {
			_, err := tx.Exec(ctx, `
				DELETE FROM prisoner_profile_senders ps
				WHERE ps.prisoner_profile_id = $2 AND ps.sender_profile_id = $3
				  AND NOT EXISTS (
					SELECT 1 FROM credits c
					WHERE c.id <> $1 AND c.sender_profile_id = $3 AND c.prisoner_profile_id = $2
					  AND c.resolution NOT IN ('initial', 'failed'))
			`, credit.ID, *credit.PrisonerProfileID, *credit.SenderProfileID)
			if err != nil {
				return fmt.Errorf("unlink sender: %w", err)
			}
		}
		if credit.SenderProfileID != nil && credit.PrisonID != nil {
			_, err := tx.Exec(ctx, `
				DELETE FROM sender_profile_prisons sp
				WHERE sp.sender_profile_id = $2 AND sp.prison_id = $3
				  AND NOT EXISTS (
					SELECT 1 FROM credits c
					WHERE c.id <> $1 AND c.sender_profile_id = $2 AND c.prison_id = $3
					  AND c.resolution NOT IN ('initial', 'failed'))
			`, credit.ID, *credit.SenderProfileID, *credit.PrisonID)
			if err != nil {
				return fmt.Errorf("unlink sender prison: %w", err)
			}
		}
		if err := insertCreditLogTx(ctx, tx, credit.ID, nil, "failed"); err != nil {
			return err
		}
		return r.enqueueEventTx(ctx, tx, event)
	})
}

func insertCreditLogTx(ctx context.Context, tx pgx.Tx, creditID uuid.UUID, by *uuid.UUID, action string) error {
	_, err := tx.Exec(ctx, `INSERT INTO credit_logs (credit_id, user_id, action) VALUES ($1, $2, $3)`, creditID, by, action)
	if err != nil {
		return fmt.Errorf("insert credit log: %w", err)
	}
	return nil
}
