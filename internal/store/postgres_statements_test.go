package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/rules"
)

func TestRecalculateTotalsSQL(t *testing.T) {
	tests := []struct {
		name     string
		kind     domain.ProfileKind
		contains []string
		excludes []string
	}{
		{
			name: "sender counts credited credits",
			kind: domain.ProfileKindSender,
			contains: []string{
				"UPDATE sender_profiles p SET",
				"credit_count = COALESCE((SELECT COUNT(*) FROM credits s WHERE s.sender_profile_id = p.id AND s.resolution = 'credited'), 0)",
				"credit_total = COALESCE((SELECT SUM(s.amount) FROM credits s WHERE s.sender_profile_id = p.id AND s.resolution = 'credited'), 0)",
				"WHERE p.id = ANY($1)",
			},
			excludes: []string{"disbursement_count"},
		},
		{
			name: "prisoner counts credits and sent disbursements",
			kind: domain.ProfileKindPrisoner,
			contains: []string{
				"UPDATE prisoner_profiles p SET",
				"s.prisoner_profile_id = p.id AND s.resolution = 'credited'",
				"disbursement_total = COALESCE((SELECT SUM(s.amount) FROM disbursements s WHERE s.prisoner_profile_id = p.id AND s.resolution = 'sent'), 0)",
			},
		},
		{
			name: "recipient counts sent disbursements",
			kind: domain.ProfileKindRecipient,
			contains: []string{
				"UPDATE recipient_profiles p SET",
				"s.recipient_profile_id = p.id AND s.resolution = 'sent'",
			},
			excludes: []string{"credit_count"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql := recalculateTotalsSQL(totalsSpecs[tt.kind])
			for _, want := range tt.contains {
				assert.Contains(t, sql, want)
			}
			for _, unwanted := range tt.excludes {
				assert.NotContains(t, sql, unwanted)
			}
		})
	}
}

func TestMarkCountedSQLFlagsOnlyLinkedProfiles(t *testing.T) {
	sql := markCountedSQL(creditCounting)

	assert.Contains(t, sql, "WHERE resolution = 'credited' AND ((sender_profile_id IS NOT NULL AND NOT is_counted_in_sender_profile_total) OR (prisoner_profile_id IS NOT NULL AND NOT is_counted_in_prisoner_profile_total))")
	assert.Contains(t, sql, "is_counted_in_sender_profile_total = t.is_counted_in_sender_profile_total OR t.sender_profile_id IS NOT NULL")
	assert.Contains(t, sql, "FOR UPDATE SKIP LOCKED")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(sql), "RETURNING t.id, t.sender_profile_id, t.prisoner_profile_id, (NOT batch.was_counted AND t.sender_profile_id IS NOT NULL)"))
	assert.Contains(t, sql, "SELECT id, is_counted_in_sender_profile_total AS was_counted FROM credits")

	sql = markCountedSQL(disbursementCounting)
	assert.Contains(t, sql, "UPDATE disbursements t")
	assert.Contains(t, sql, "resolution = 'sent'")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(sql), "RETURNING t.id, t.recipient_profile_id, t.prisoner_profile_id, (NOT batch.was_counted AND t.recipient_profile_id IS NOT NULL)"))
}

func TestCountDistinctSQL(t *testing.T) {
	profileID := uuid.New()
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		query   rules.CountQuery
		want    string
		wantErr bool
	}{
		{
			name: "credits from one sender",
			query: rules.CountQuery{
				RecordKind: domain.RecordKindCredit,
				Profile:    domain.ProfileRef{Kind: domain.ProfileKindSender, ID: profileID},
			},
			want: "SELECT COUNT(*) FROM credits WHERE sender_profile_id = $1 AND COALESCE(received_at, created_at) >= $2 AND COALESCE(received_at, created_at) <= $3 AND (resolution NOT IN ('initial', 'failed') OR id = $4)",
		},
		{
			name: "distinct senders paying a prisoner",
			query: rules.CountQuery{
				RecordKind: domain.RecordKindCredit,
				Profile:    domain.ProfileRef{Kind: domain.ProfileKindPrisoner, ID: profileID},
				Distinct:   domain.ProfileKindSender,
			},
			want: "SELECT COUNT(DISTINCT sender_profile_id) FROM credits WHERE prisoner_profile_id = $1",
		},
		{
			name: "distinct prisoners paying a recipient",
			query: rules.CountQuery{
				RecordKind: domain.RecordKindDisbursement,
				Profile:    domain.ProfileRef{Kind: domain.ProfileKindRecipient, ID: profileID},
				Distinct:   domain.ProfileKindPrisoner,
			},
			want: "SELECT COUNT(DISTINCT prisoner_profile_id) FROM disbursements WHERE recipient_profile_id = $1 AND created_at >= $2 AND created_at <= $3 AND (resolution <> 'rejected' OR id = $4)",
		},
		{
			name: "credits have no recipient",
			query: rules.CountQuery{
				RecordKind: domain.RecordKindCredit,
				Profile:    domain.ProfileRef{Kind: domain.ProfileKindRecipient, ID: profileID},
			},
			wantErr: true,
		},
		{
			name: "disbursements have no sender",
			query: rules.CountQuery{
				RecordKind: domain.RecordKindDisbursement,
				Profile:    domain.ProfileRef{Kind: domain.ProfileKindPrisoner, ID: profileID},
				Distinct:   domain.ProfileKindSender,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.query.Since = since
			sql, err := countDistinctSQL(tt.query)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(sql, tt.want), "got %s", sql)
		})
	}
}

func TestMonitorsSQLFiltersByGroup(t *testing.T) {
	for kind, sql := range monitorsSQL {
		assert.Contains(t, sql, "$2 = '' OR EXISTS (SELECT 1 FROM user_groups g", "kind %s", kind)
		assert.Contains(t, sql, "$1", "kind %s", kind)
	}
	assert.Contains(t, monitorsSQL[domain.ProfileKindSender], "UNION")
}

func TestMonitoringStatementsCoverEveryProfileKind(t *testing.T) {
	for _, kind := range []domain.ProfileKind{domain.ProfileKindSender, domain.ProfileKindPrisoner, domain.ProfileKindRecipient} {
		assert.NotEmpty(t, monitorSQL[kind], "monitor %s", kind)
		assert.NotEmpty(t, unmonitorSQL[kind], "unmonitor %s", kind)
		assert.NotEmpty(t, totalsSpecs[kind].table, "totals %s", kind)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505"}
	other := &pgconn.PgError{Code: "23503"}

	assert.True(t, isUniqueViolation(unique))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", unique)))
	assert.False(t, isUniqueViolation(other))
	assert.False(t, isUniqueViolation(errors.New("23505")))
	assert.False(t, isUniqueViolation(nil))
}

func TestMissingAndUniqueIDs(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	assert.Equal(t, []uuid.UUID{a, b}, uniqueIDs([]uuid.UUID{a, b, a, b}))
	assert.Equal(t, []uuid.UUID{c}, missingIDs([]uuid.UUID{a, b, c}, map[uuid.UUID]bool{a: true, b: true}))
	assert.Empty(t, missingIDs([]uuid.UUID{a}, map[uuid.UUID]bool{a: true}))
}

func TestSchemaDeclaresIdentityConstraints(t *testing.T) {
	for _, want := range []string{
		"UNIQUE (sort_code, account_number, roll_number)",
		"UNIQUE (sender_name, sender_bank_account_id)",
		"UNIQUE (card_number_last_digits, card_expiry_date, postcode)",
		"UNIQUE NULLS NOT DISTINCT (prisoner_number, prisoner_dob)",
		"recipient_bank_account_id UUID NOT NULL UNIQUE",
		"credit_id UUID NOT NULL UNIQUE REFERENCES credits (id)",
		"UNIQUE (debit_card_sender_details_id, prisoner_profile_id)",
	} {
		assert.Contains(t, schemaSQL, want)
	}
}

func TestNotificationListQuery(t *testing.T) {
	user := uuid.New()
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	query, args := notificationListQuery(NotificationListFilter{UserID: user, Rule: "MONP", Since: &since, Limit: 10, Offset: 20})
	assert.Contains(t, query, "(user_id IS NULL OR user_id = $1) AND rule = $2 AND triggered_at >= $3")
	assert.Contains(t, query, "LIMIT $4 OFFSET $5")
	assert.Equal(t, []any{user, "MONP", since, 10, 20}, args)

	query, args = notificationListQuery(NotificationListFilter{UserID: user})
	assert.NotContains(t, query, "rule =")
	assert.Equal(t, []any{user, 50, 0}, args)
}

func TestChoosePrisonerProfile(t *testing.T) {
	dob := time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	otherDOB := time.Date(1990, 6, 1, 0, 0, 0, 0, time.UTC)
	undated := prisonerCandidate{ID: uuid.New(), Name: "JAMES HALLS"}
	dated := prisonerCandidate{ID: uuid.New(), DOB: &dob}
	otherDated := prisonerCandidate{ID: uuid.New(), DOB: &otherDOB}

	tests := []struct {
		name         string
		candidates   []prisonerCandidate
		dob          *time.Time
		wantID       uuid.UUID
		wantBackfill bool
		wantFound    bool
	}{
		{name: "no profiles", dob: &dob},
		{name: "disbursement without dob takes oldest", candidates: []prisonerCandidate{otherDated, undated}, wantID: otherDated.ID, wantFound: true},
		{name: "credit after disbursement backfills undated profile", candidates: []prisonerCandidate{undated}, dob: &dob, wantID: undated.ID, wantBackfill: true, wantFound: true},
		{name: "matching dob beats undated profile", candidates: []prisonerCandidate{undated, dated}, dob: &dob, wantID: dated.ID, wantFound: true},
		{name: "dob compared by calendar date", candidates: []prisonerCandidate{dated}, dob: ptrTime(dob.In(time.FixedZone("BST", 3600)).Add(30 * time.Minute)), wantID: dated.ID, wantFound: true},
		{name: "different dob creates new profile", candidates: []prisonerCandidate{otherDated}, dob: &dob},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chosen, backfill, found := choosePrisonerProfile(tt.candidates, tt.dob)
			require.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.wantBackfill, backfill)
			if found {
				assert.Equal(t, tt.wantID, chosen.ID)
			}
		})
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
