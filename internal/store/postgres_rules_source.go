package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/rules"
)

// monitorsSQL lists users watching a profile ($1), restricted to members of group $2 when
// it is not empty.
var monitorsSQL = map[domain.ProfileKind]string{
	domain.ProfileKindPrisoner: `
		SELECT DISTINCT m.user_id FROM prisoner_profile_monitors m
		WHERE m.prisoner_profile_id = $1` + groupFilter + `
		ORDER BY m.user_id`,
	domain.ProfileKindSender: `
		SELECT DISTINCT m.user_id FROM (
			SELECT dm.user_id FROM debit_card_monitors dm
			JOIN debit_card_sender_details d ON d.id = dm.debit_card_sender_details_id
			WHERE d.sender_profile_id = $1
			UNION
			SELECT bm.user_id FROM bank_account_monitors bm
			JOIN bank_transfer_sender_details b ON b.sender_bank_account_id = bm.bank_account_id
			WHERE b.sender_profile_id = $1
		) m
		WHERE TRUE` + groupFilter + `
		ORDER BY m.user_id`,
	domain.ProfileKindRecipient: `
		SELECT DISTINCT bm.user_id AS user_id FROM bank_account_monitors bm
		JOIN bank_transfer_recipient_details b ON b.recipient_bank_account_id = bm.bank_account_id
		WHERE b.recipient_profile_id = $1` + groupFilterOn("bm") + `
		ORDER BY user_id`,
}

var groupFilter = groupFilterOn("m")

func groupFilterOn(alias string) string {
	return fmt.Sprintf(`
		AND ($2 = '' OR EXISTS (SELECT 1 FROM user_groups g WHERE g.user_id = %s.user_id AND g.group_name = $2))`, alias)
}

// MonitoringUsers implements rules.Source.
func (r *PostgresRepository) MonitoringUsers(ctx context.Context, profile domain.ProfileRef, group string) ([]uuid.UUID, error) {
	query, ok := monitorsSQL[profile.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown profile kind %q", profile.Kind)
	}
	rows, err := r.db.Query(ctx, query, profile.ID, group)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// recordSource describes how a record table is counted by the rules.
type recordSource struct {
	table     string
	timestamp string
	// counted restricts the population to records that reached a counted resolution.
	counted     string
	profileKeys map[domain.ProfileKind]string
}

var recordSources = map[domain.RecordKind]recordSource{
	domain.RecordKindCredit: {
		table:     "credits",
		timestamp: "COALESCE(received_at, created_at)",
		counted:   "resolution NOT IN ('initial', 'failed')",
		profileKeys: map[domain.ProfileKind]string{
			domain.ProfileKindSender:   "sender_profile_id",
			domain.ProfileKindPrisoner: "prisoner_profile_id",
		},
	},
	domain.RecordKindDisbursement: {
		table:     "disbursements",
		timestamp: "created_at",
		counted:   "resolution <> 'rejected'",
		profileKeys: map[domain.ProfileKind]string{
			domain.ProfileKindRecipient: "recipient_profile_id",
			domain.ProfileKindPrisoner:  "prisoner_profile_id",
		},
	},
}

// countDistinctSQL builds the windowed count for q. Arguments are profile id, since,
// until and the id always included.
func countDistinctSQL(q rules.CountQuery) (string, error) {
	src, ok := recordSources[q.RecordKind]
	if !ok {
		return "", fmt.Errorf("unknown record kind %q", q.RecordKind)
	}
	profileKey, ok := src.profileKeys[q.Profile.Kind]
	if !ok {
		return "", fmt.Errorf("%s has no %s profile", q.RecordKind, q.Profile.Kind)
	}
	count := "COUNT(*)"
	if q.Distinct != "" {
		distinctKey, ok := src.profileKeys[q.Distinct]
		if !ok {
			return "", fmt.Errorf("%s has no %s profile", q.RecordKind, q.Distinct)
		}
		count = fmt.Sprintf("COUNT(DISTINCT %s)", distinctKey)
	}
	return fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 AND %s >= $2 AND %s <= $3 AND (%s OR id = $4)`,
		count, src.table, profileKey, src.timestamp, src.timestamp, src.counted), nil
}

// CountDistinct implements rules.Source.
func (r *PostgresRepository) CountDistinct(ctx context.Context, q rules.CountQuery) (int64, error) {
	query, err := countDistinctSQL(q)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := r.db.QueryRow(ctx, query, q.Profile.ID, q.Since, q.Until, q.IncludeID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// IsSentinel implements rules.Source. Prisoner profiles are never sentinels.
func (r *PostgresRepository) IsSentinel(ctx context.Context, profile domain.ProfileRef) (bool, error) {
	var query string
	switch profile.Kind {
	case domain.ProfileKindSender:
		query = `
			SELECT NOT EXISTS (SELECT 1 FROM bank_transfer_sender_details WHERE sender_profile_id = $1)
			   AND NOT EXISTS (SELECT 1 FROM debit_card_sender_details WHERE sender_profile_id = $1)`
	case domain.ProfileKindRecipient:
		query = `SELECT NOT EXISTS (SELECT 1 FROM bank_transfer_recipient_details WHERE recipient_profile_id = $1)`
	default:
		return false, nil
	}
	var sentinel bool
	if err := r.db.QueryRow(ctx, query, profile.ID).Scan(&sentinel); err != nil {
		return false, err
	}
	return sentinel, nil
}
