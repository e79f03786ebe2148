package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

// Monitoring a sender watches each of its identities; recipients are watched through their
// bank account.
var (
	monitorSQL = map[domain.ProfileKind]string{
		domain.ProfileKindPrisoner: `
			INSERT INTO prisoner_profile_monitors (prisoner_profile_id, user_id)
			SELECT id, $2 FROM prisoner_profiles WHERE id = $1
			ON CONFLICT DO NOTHING`,
		domain.ProfileKindSender: `
			WITH card AS (
				INSERT INTO debit_card_monitors (debit_card_sender_details_id, user_id)
				SELECT id, $2 FROM debit_card_sender_details WHERE sender_profile_id = $1
				ON CONFLICT DO NOTHING
			)
			INSERT INTO bank_account_monitors (bank_account_id, user_id)
			SELECT sender_bank_account_id, $2 FROM bank_transfer_sender_details WHERE sender_profile_id = $1
			ON CONFLICT DO NOTHING`,
		domain.ProfileKindRecipient: `
			INSERT INTO bank_account_monitors (bank_account_id, user_id)
			SELECT recipient_bank_account_id, $2 FROM bank_transfer_recipient_details WHERE recipient_profile_id = $1
			ON CONFLICT DO NOTHING`,
	}
	unmonitorSQL = map[domain.ProfileKind]string{
		domain.ProfileKindPrisoner: `
			DELETE FROM prisoner_profile_monitors WHERE prisoner_profile_id = $1 AND user_id = $2`,
		domain.ProfileKindSender: `
			WITH card AS (
				DELETE FROM debit_card_monitors
				WHERE user_id = $2 AND debit_card_sender_details_id IN (
					SELECT id FROM debit_card_sender_details WHERE sender_profile_id = $1)
			)
			DELETE FROM bank_account_monitors
			WHERE user_id = $2 AND bank_account_id IN (
				SELECT sender_bank_account_id FROM bank_transfer_sender_details WHERE sender_profile_id = $1)`,
		domain.ProfileKindRecipient: `
			DELETE FROM bank_account_monitors
			WHERE user_id = $2 AND bank_account_id IN (
				SELECT recipient_bank_account_id FROM bank_transfer_recipient_details WHERE recipient_profile_id = $1)`,
	}
)

func (r *PostgresRepository) MonitorProfile(ctx context.Context, profile domain.ProfileRef, userID uuid.UUID) error {
	return r.changeMonitoring(ctx, monitorSQL, domain.EventProfileMonitored, profile, userID)
}

func (r *PostgresRepository) UnmonitorProfile(ctx context.Context, profile domain.ProfileRef, userID uuid.UUID) error {
	return r.changeMonitoring(ctx, unmonitorSQL, domain.EventProfileUnmonitored, profile, userID)
}

func (r *PostgresRepository) changeMonitoring(ctx context.Context, statements map[domain.ProfileKind]string, eventType domain.EventType, profile domain.ProfileRef, userID uuid.UUID) error {
	query, ok := statements[profile.Kind]
	if !ok {
		return fmt.Errorf("unknown profile kind %q", profile.Kind)
	}
	exists, err := r.profileExists(ctx, profile)
	if err != nil {
		return err
	}
	if !exists {
		return ErrProfileNotFound
	}
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, query, profile.ID, userID); err != nil {
			return err
		}
		return r.enqueueEventTx(ctx, tx, domain.Event{
			Type:        eventType,
			AggregateID: profile.ID,
			Payload:     domain.MonitoringEventPayload{Profile: profile, UserID: userID},
		})
	})
}

func (r *PostgresRepository) profileExists(ctx context.Context, profile domain.ProfileRef) (bool, error) {
	spec, ok := totalsSpecs[profile.Kind]
	if !ok {
		return false, fmt.Errorf("unknown profile kind %q", profile.Kind)
	}
	var exists bool
	err := r.db.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, spec.table), profile.ID).Scan(&exists)
	return exists, err
}
