package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

// totalsColumn describes one cached count/total pair and the source rows it is computed from.
type totalsColumn struct {
	countColumn string
	totalColumn string
	source      string
	foreignKey  string
	condition   string
}

type totalsSpec struct {
	table   string
	columns []totalsColumn
}

var (
	creditedCredits = func(fk string) totalsColumn {
		return totalsColumn{
			countColumn: "credit_count",
			totalColumn: "credit_total",
			source:      "credits",
			foreignKey:  fk,
			condition:   "resolution = 'credited'",
		}
	}
	sentDisbursements = func(fk string) totalsColumn {
		return totalsColumn{
			countColumn: "disbursement_count",
			totalColumn: "disbursement_total",
			source:      "disbursements",
			foreignKey:  fk,
			condition:   "resolution = 'sent'",
		}
	}

	totalsSpecs = map[domain.ProfileKind]totalsSpec{
		domain.ProfileKindSender: {
			table:   "sender_profiles",
			columns: []totalsColumn{creditedCredits("sender_profile_id")},
		},
		domain.ProfileKindPrisoner: {
			table: "prisoner_profiles",
			columns: []totalsColumn{
				creditedCredits("prisoner_profile_id"),
				sentDisbursements("prisoner_profile_id"),
			},
		},
		domain.ProfileKindRecipient: {
			table:   "recipient_profiles",
			columns: []totalsColumn{sentDisbursements("recipient_profile_id")},
		},
	}
)

// recalculateTotalsSQL builds the recompute-from-source UPDATE for a batch of profile ids ($1).
func recalculateTotalsSQL(spec totalsSpec) string {
	sets := make([]string, 0, len(spec.columns)*2+1)
	for _, col := range spec.columns {
		where := fmt.Sprintf("s.%s = p.id AND s.%s", col.foreignKey, col.condition)
		sets = append(sets,
			fmt.Sprintf("%s = COALESCE((SELECT COUNT(*) FROM %s s WHERE %s), 0)", col.countColumn, col.source, where),
			fmt.Sprintf("%s = COALESCE((SELECT SUM(s.amount) FROM %s s WHERE %s), 0)", col.totalColumn, col.source, where),
		)
	}
	sets = append(sets, "updated_at = NOW()")
	return fmt.Sprintf("UPDATE %s p SET %s WHERE p.id = ANY($1)", spec.table, strings.Join(sets, ", "))
}

// countingSpec describes how newly counted records of one kind are flagged.
type countingSpec struct {
	table     string
	condition string
	links     []countingLink
}

type countingLink struct {
	kind       domain.ProfileKind
	foreignKey string
	flag       string
}

var (
	creditCounting = countingSpec{
		table:     "credits",
		condition: "resolution = 'credited'",
		links: []countingLink{
			{kind: domain.ProfileKindSender, foreignKey: "sender_profile_id", flag: "is_counted_in_sender_profile_total"},
			{kind: domain.ProfileKindPrisoner, foreignKey: "prisoner_profile_id", flag: "is_counted_in_prisoner_profile_total"},
		},
	}
	disbursementCounting = countingSpec{
		table:     "disbursements",
		condition: "resolution = 'sent'",
		links: []countingLink{
			{kind: domain.ProfileKindRecipient, foreignKey: "recipient_profile_id", flag: "is_counted_in_recipient_profile_total"},
			{kind: domain.ProfileKindPrisoner, foreignKey: "prisoner_profile_id", flag: "is_counted_in_prisoner_profile_total"},
		},
	}
)

// markCountedSQL flags up to $1 records that reached the counted state since the last pass,
// returning each record id, its linked profile ids in link order and whether the record was
// counted against its primary (first) link for the first time.
func markCountedSQL(spec countingSpec) string {
	primary := spec.links[0]
	pending := make([]string, 0, len(spec.links))
	sets := make([]string, 0, len(spec.links))
	returning := []string{"t.id"}
	for _, link := range spec.links {
		pending = append(pending, fmt.Sprintf("(%s IS NOT NULL AND NOT %s)", link.foreignKey, link.flag))
		sets = append(sets, fmt.Sprintf("%s = t.%s OR t.%s IS NOT NULL", link.flag, link.flag, link.foreignKey))
		returning = append(returning, "t."+link.foreignKey)
	}
	returning = append(returning, fmt.Sprintf("(NOT batch.was_counted AND t.%s IS NOT NULL)", primary.foreignKey))
	return fmt.Sprintf(`
		WITH batch AS (
			SELECT id, %[6]s AS was_counted FROM %[1]s
			WHERE %[2]s AND (%[3]s)
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s t
		SET %[4]s
		FROM batch
		WHERE t.id = batch.id
		RETURNING %[5]s`,
		spec.table, spec.condition, strings.Join(pending, " OR "), strings.Join(sets, ", "), strings.Join(returning, ", "), primary.flag)
}

// CreditsMissingProfiles lists completed credits that were never attached to a sender profile.
func (r *PostgresRepository) CreditsMissingProfiles(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM credits
		WHERE sender_profile_id IS NULL AND resolution NOT IN ('initial', 'failed')
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// DisbursementsMissingProfiles lists sent disbursements without a recipient profile.
func (r *PostgresRepository) DisbursementsMissingProfiles(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM disbursements
		WHERE recipient_profile_id IS NULL AND resolution = 'sent'
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (r *PostgresRepository) CountNewCredits(ctx context.Context, limit int, notify NotificationBuilder) (CountedBatch, error) {
	return r.countNew(ctx, creditCounting, limit, notify)
}

func (r *PostgresRepository) CountNewDisbursements(ctx context.Context, limit int, notify NotificationBuilder) (CountedBatch, error) {
	return r.countNew(ctx, disbursementCounting, limit, notify)
}

// countNew flags one batch of newly counted records, recomputes the profiles they touch and
// saves the notification events for first-time records, all in one transaction.
func (r *PostgresRepository) countNew(ctx context.Context, spec countingSpec, limit int, notify NotificationBuilder) (CountedBatch, error) {
	batch := CountedBatch{ProfileIDs: map[domain.ProfileKind][]uuid.UUID{}}
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, markCountedSQL(spec), limit)
		if err != nil {
			return err
		}
		seen := map[domain.ProfileKind]map[uuid.UUID]bool{}
		for rows.Next() {
			var (
				id    uuid.UUID
				first bool
			)
			linked := make([]*uuid.UUID, len(spec.links))
			dest := []any{&id}
			for i := range linked {
				dest = append(dest, &linked[i])
			}
			dest = append(dest, &first)
			if err := rows.Scan(dest...); err != nil {
				rows.Close()
				return err
			}
			batch.RecordIDs = append(batch.RecordIDs, id)
			if first {
				batch.NewlyCounted = append(batch.NewlyCounted, id)
			}
			for i, link := range spec.links {
				if linked[i] == nil {
					continue
				}
				if seen[link.kind] == nil {
					seen[link.kind] = map[uuid.UUID]bool{}
				}
				if !seen[link.kind][*linked[i]] {
					seen[link.kind][*linked[i]] = true
					batch.ProfileIDs[link.kind] = append(batch.ProfileIDs[link.kind], *linked[i])
				}
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for kind, ids := range batch.ProfileIDs {
			if _, err := tx.Exec(ctx, recalculateTotalsSQL(totalsSpecs[kind]), ids); err != nil {
				return fmt.Errorf("recalculate %s totals: %w", kind, err)
			}
		}

		if notify == nil || len(batch.NewlyCounted) == 0 {
			return nil
		}
		events, err := notify(ctx, batch.NewlyCounted)
		if err != nil {
			return fmt.Errorf("build notifications: %w", err)
		}
		if err := saveNotificationEvents(ctx, tx, events); err != nil {
			return err
		}
		batch.Notifications = len(events)
		return nil
	})
	if err != nil {
		return CountedBatch{}, err
	}
	return batch, nil
}

// ListProfileIDs pages through every profile of a kind in id order.
func (r *PostgresRepository) ListProfileIDs(ctx context.Context, kind domain.ProfileKind, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	spec, ok := totalsSpecs[kind]
	if !ok {
		return nil, fmt.Errorf("unknown profile kind %q", kind)
	}
	rows, err := r.db.Query(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE id > $1 ORDER BY id LIMIT $2`, spec.table), after, limit)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// RecalculateTotals recomputes cached counters for the given profiles from source rows.
func (r *PostgresRepository) RecalculateTotals(ctx context.Context, kind domain.ProfileKind, ids []uuid.UUID) (int64, error) {
	spec, ok := totalsSpecs[kind]
	if !ok {
		return 0, fmt.Errorf("unknown profile kind %q", kind)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, recalculateTotalsSQL(spec), ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpdateCurrentPrisons sets each prisoner profile's current prison from its active location,
// clearing it when the prisoner has none.
func (r *PostgresRepository) UpdateCurrentPrisons(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE prisoner_profiles pp
		SET current_prison_id = loc.prison_id, updated_at = NOW()
		FROM prisoner_profiles p2
		LEFT JOIN prisoner_locations loc ON loc.prisoner_number = p2.prisoner_number AND loc.active IS TRUE
		WHERE pp.id = p2.id AND pp.current_prison_id IS DISTINCT FROM loc.prison_id
	`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
