package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// saveNotificationEvents inserts the events in one round trip.
func saveNotificationEvents(ctx context.Context, q batchSender, events []domain.NotificationEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`
			INSERT INTO notification_events (
				id, rule, description, triggered_at, user_id, credit_id, disbursement_id,
				sender_profile_id, prisoner_profile_id, recipient_profile_id
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING
		`, ev.ID, ev.Rule, ev.Description, ev.TriggeredAt, ev.UserID, ev.CreditID, ev.DisbursementID,
			ev.SenderProfileID, ev.PrisonerProfileID, ev.RecipientProfileID)
	}

	results := q.SendBatch(ctx, batch)
	defer results.Close()
	for i := range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert notification event %d: %w", i, err)
		}
	}
	return nil
}

const notificationColumns = `
	id, rule, description, triggered_at, user_id, credit_id, disbursement_id,
	sender_profile_id, prisoner_profile_id, recipient_profile_id
`

// ListNotificationEvents returns the user's events, newest first.
func (r *PostgresRepository) ListNotificationEvents(ctx context.Context, filter NotificationListFilter) ([]domain.NotificationEvent, error) {
	query, args := notificationListQuery(filter)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.NotificationEvent{}
	for rows.Next() {
		var ev domain.NotificationEvent
		if err := rows.Scan(
			&ev.ID, &ev.Rule, &ev.Description, &ev.TriggeredAt, &ev.UserID, &ev.CreditID, &ev.DisbursementID,
			&ev.SenderProfileID, &ev.PrisonerProfileID, &ev.RecipientProfileID,
		); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func notificationListQuery(filter NotificationListFilter) (string, []any) {
	args := []any{filter.UserID}
	conds := []string{"(user_id IS NULL OR user_id = $1)"}
	if filter.Rule != "" {
		args = append(args, filter.Rule)
		conds = append(conds, fmt.Sprintf("rule = $%d", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		conds = append(conds, fmt.Sprintf("triggered_at >= $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)
	query := `SELECT ` + notificationColumns + ` FROM notification_events WHERE ` + strings.Join(conds, " AND ") +
		fmt.Sprintf(` ORDER BY triggered_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	return query, args
}
