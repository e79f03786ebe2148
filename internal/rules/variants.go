package rules

import (
	"context"
	"fmt"
	"time"
	"unicode"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

// MonitoredRule fires when the selected profile is monitored by at least one user,
// optionally only counting members of a group.
type MonitoredRule struct {
	baseRule
	profile domain.ProfileKind
	group   string
	source  Source
}

func (r *MonitoredRule) Profile(rec domain.ScreenableRecord) *domain.ProfileRef {
	return profileRef(rec, r.profile)
}

func (r *MonitoredRule) Triggered(ctx context.Context, rec domain.ScreenableRecord) (Triggered, error) {
	ref := r.Profile(rec)
	if ref == nil {
		return Triggered{}, nil
	}
	users, err := r.source.MonitoringUsers(ctx, *ref, r.group)
	if err != nil {
		return Triggered{}, fmt.Errorf("rule %s: monitoring users: %w", r.code, err)
	}
	return Triggered{
		Matched:         len(users) > 0,
		Count:           int64(len(users)),
		MonitoringUsers: users,
	}, nil
}

// CountingRule fires when the number of distinct values among records sharing the selected
// profile, inside a trailing window of days, exceeds limit. Sentinel profiles never fire.
type CountingRule struct {
	baseRule
	profile  domain.ProfileKind
	distinct domain.ProfileKind
	limit    int64
	days     int
	location *time.Location
	source   Source
}

func (r *CountingRule) Profile(rec domain.ScreenableRecord) *domain.ProfileRef {
	return profileRef(rec, r.profile)
}

func (r *CountingRule) Triggered(ctx context.Context, rec domain.ScreenableRecord) (Triggered, error) {
	ref := r.Profile(rec)
	if ref == nil {
		return Triggered{}, nil
	}
	sentinel, err := r.source.IsSentinel(ctx, *ref)
	if err != nil {
		return Triggered{}, fmt.Errorf("rule %s: sentinel lookup: %w", r.code, err)
	}
	if sentinel {
		return Triggered{}, nil
	}

	count, err := r.source.CountDistinct(ctx, CountQuery{
		RecordKind: rec.Kind,
		Profile:    *ref,
		Distinct:   r.distinct,
		Since:      WindowStart(rec.Timestamp, r.days, r.location),
		Until:      rec.Timestamp,
		IncludeID:  rec.ID,
	})
	if err != nil {
		return Triggered{}, fmt.Errorf("rule %s: count: %w", r.code, err)
	}
	return Triggered{Matched: count > r.limit, Count: count}, nil
}

// NotWholeNumberRule fires for amounts that are not whole pounds.
type NotWholeNumberRule struct {
	baseRule
}

func (r *NotWholeNumberRule) Triggered(_ context.Context, rec domain.ScreenableRecord) (Triggered, error) {
	return Triggered{Matched: !domain.IsWholePounds(rec.Amount)}, nil
}

// HighAmountRule fires for amounts at or above limit pence.
type HighAmountRule struct {
	baseRule
	limit int64
}

func (r *HighAmountRule) Triggered(_ context.Context, rec domain.ScreenableRecord) (Triggered, error) {
	return Triggered{Matched: rec.Amount >= r.limit}, nil
}

// ContainsSymbolsRule fires when a string attribute contains symbol, control, private-use
// or surrogate characters.
type ContainsSymbolsRule struct {
	baseRule
	attribute string
}

func (r *ContainsSymbolsRule) Triggered(_ context.Context, rec domain.ScreenableRecord) (Triggered, error) {
	var count int64
	for _, ch := range rec.Attribute(r.attribute) {
		if isUnusualRune(ch) {
			count++
		}
	}
	return Triggered{Matched: count > 0, Count: count}, nil
}

func isUnusualRune(ch rune) bool {
	return unicode.In(ch, unicode.S, unicode.Cc, unicode.Co, unicode.Cs)
}
