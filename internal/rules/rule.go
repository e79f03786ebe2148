/**
 * @description
 * Package rules evaluates the named rule catalogue against credits and disbursements.
 * Rules never query storage directly: profile monitoring and transaction counts come
 * through the Source interface, which the store implements.
 */

package rules

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

// Triggered is the outcome of evaluating a rule. Count and MonitoringUsers carry the
// auxiliary data callers need without querying again.
type Triggered struct {
	Matched         bool
	Count           int64
	MonitoringUsers []uuid.UUID
}

// Rule is one named entry of the catalogue.
type Rule interface {
	Code() string
	Description() string
	AppliesTo(rec domain.ScreenableRecord) bool
	Triggered(ctx context.Context, rec domain.ScreenableRecord) (Triggered, error)
}

// ProfiledRule is implemented by rules that look at one of the record's linked profiles.
type ProfiledRule interface {
	Rule
	Profile(rec domain.ScreenableRecord) *domain.ProfileRef
}

// CountQuery asks for the number of distinct values among same-profile records in a window.
type CountQuery struct {
	RecordKind domain.RecordKind
	Profile    domain.ProfileRef
	// Distinct is the linked profile whose distinct ids are counted. Empty counts records.
	Distinct domain.ProfileKind
	Since    time.Time
	Until    time.Time
	// IncludeID is counted even if it has not yet reached a counted resolution.
	IncludeID uuid.UUID
}

// Source supplies the data rules need.
type Source interface {
	// MonitoringUsers lists users monitoring the profile, limited to members of group when set.
	MonitoringUsers(ctx context.Context, profile domain.ProfileRef, group string) ([]uuid.UUID, error)
	CountDistinct(ctx context.Context, q CountQuery) (int64, error)
	// IsSentinel reports whether the profile is the anonymous sender or the cheque recipient.
	IsSentinel(ctx context.Context, profile domain.ProfileRef) (bool, error)
}

type baseRule struct {
	code        string
	description string
	appliesTo   map[domain.RecordKind]bool
}

func (b baseRule) Code() string        { return b.code }
func (b baseRule) Description() string { return b.description }

func (b baseRule) AppliesTo(rec domain.ScreenableRecord) bool {
	return b.appliesTo[rec.Kind]
}

func profileRef(rec domain.ScreenableRecord, kind domain.ProfileKind) *domain.ProfileRef {
	id := rec.ProfileID(kind)
	if id == nil {
		return nil
	}
	return &domain.ProfileRef{Kind: kind, ID: *id}
}
