package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

type fakeSource struct {
	records    []domain.ScreenableRecord
	monitors   map[uuid.UUID][]monitor
	sentinels  map[uuid.UUID]bool
	countCalls int
	err        error
}

type monitor struct {
	user  uuid.UUID
	group string
}

func newFakeSource() *fakeSource {
	return &fakeSource{monitors: map[uuid.UUID][]monitor{}, sentinels: map[uuid.UUID]bool{}}
}

func (f *fakeSource) MonitoringUsers(_ context.Context, profile domain.ProfileRef, group string) ([]uuid.UUID, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []uuid.UUID
	for _, m := range f.monitors[profile.ID] {
		if group == "" || m.group == group {
			out = append(out, m.user)
		}
	}
	return out, nil
}

func (f *fakeSource) CountDistinct(_ context.Context, q CountQuery) (int64, error) {
	f.countCalls++
	seen := map[uuid.UUID]bool{}
	for _, rec := range f.records {
		if rec.Kind != q.RecordKind {
			continue
		}
		if pid := rec.ProfileID(q.Profile.Kind); pid == nil || *pid != q.Profile.ID {
			continue
		}
		if rec.Timestamp.Before(q.Since) || rec.Timestamp.After(q.Until) {
			continue
		}
		key := rec.ID
		if q.Distinct != "" {
			pid := rec.ProfileID(q.Distinct)
			if pid == nil {
				continue
			}
			key = *pid
		}
		seen[key] = true
	}
	return int64(len(seen)), nil
}

func (f *fakeSource) IsSentinel(_ context.Context, profile domain.ProfileRef) (bool, error) {
	return f.sentinels[profile.ID], nil
}

func ptr(id uuid.UUID) *uuid.UUID { return &id }

func testRegistry(t *testing.T, src Source) *Registry {
	t.Helper()
	cat, err := DefaultCatalogue()
	require.NoError(t, err)
	reg, err := NewRegistry(cat, src, Options{Location: time.UTC})
	require.NoError(t, err)
	return reg
}

func TestDefaultCatalogueSubsets(t *testing.T) {
	reg := testRegistry(t, newFakeSource())

	screening, err := reg.Subset(SubsetScreening)
	require.NoError(t, err)
	codes := make([]string, 0, len(screening))
	for _, r := range screening {
		codes = append(codes, r.Code())
	}
	assert.Equal(t, []string{"FIUMONP", "FIUMONS", "CSFREQ", "CSNUM", "CPNUM"}, codes)

	all, err := reg.Subset(SubsetAll)
	require.NoError(t, err)
	assert.Len(t, all, len(reg.Codes()))

	_, err = reg.Subset("nope")
	assert.Error(t, err)

	ha, ok := reg.Get("HA")
	require.True(t, ok)
	assert.Equal(t, "Credits or disbursements over £120", ha.Description())
}

func TestDefaultNotificationSubsetByRecordKind(t *testing.T) {
	reg := testRegistry(t, newFakeSource())
	notifications, err := reg.Subset(SubsetNotifications)
	require.NoError(t, err)

	applicable := func(kind domain.RecordKind) []string {
		rec := domain.ScreenableRecord{Kind: kind, ID: uuid.New()}
		var codes []string
		for _, r := range notifications {
			if r.AppliesTo(rec) {
				codes = append(codes, r.Code())
			}
		}
		return codes
	}
	assert.Equal(t, []string{"MONP", "MONS"}, applicable(domain.RecordKindCredit))
	assert.Equal(t, []string{"MONP"}, applicable(domain.RecordKindDisbursement))
}

func TestCountingRuleWindow(t *testing.T) {
	src := newFakeSource()
	cat := Catalogue{Rules: []RuleSpec{{
		Code:      "TEST",
		Type:      TypeCounting,
		AppliesTo: []string{"credit"},
		Profile:   "prisoner",
		Distinct:  "sender",
		Limit:     3,
		Days:      8,
	}}}
	reg, err := NewRegistry(cat, src, Options{Location: time.UTC})
	require.NoError(t, err)
	rule, _ := reg.Get("TEST")

	prisoner := uuid.New()
	now := time.Date(2024, 5, 20, 15, 30, 0, 0, time.UTC)
	addCredit := func(at time.Time) domain.ScreenableRecord {
		rec := domain.ScreenableRecord{
			Kind:              domain.RecordKindCredit,
			ID:                uuid.New(),
			Timestamp:         at,
			SenderProfileID:   ptr(uuid.New()),
			PrisonerProfileID: ptr(prisoner),
		}
		src.records = append(src.records, rec)
		return rec
	}

	// the window starts at midnight 8 days before the record's date
	addCredit(time.Date(2024, 5, 11, 23, 59, 0, 0, time.UTC))
	addCredit(time.Date(2024, 5, 12, 0, 0, 0, 0, time.UTC))
	addCredit(now.Add(-48 * time.Hour))
	latest := addCredit(now)

	got, err := rule.Triggered(context.Background(), latest)
	require.NoError(t, err)
	assert.False(t, got.Matched)
	assert.EqualValues(t, 3, got.Count)

	addCredit(now.Add(-time.Hour))
	got, err = rule.Triggered(context.Background(), latest)
	require.NoError(t, err)
	assert.True(t, got.Matched)
	assert.EqualValues(t, 4, got.Count)
}

func TestCountingRuleIgnoresSentinelProfiles(t *testing.T) {
	src := newFakeSource()
	reg := testRegistry(t, src)
	rule, _ := reg.Get("CSFREQ")

	anonymous := uuid.New()
	src.sentinels[anonymous] = true
	now := time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)
	var rec domain.ScreenableRecord
	for i := 0; i < 10; i++ {
		rec = domain.ScreenableRecord{
			Kind:            domain.RecordKindCredit,
			ID:              uuid.New(),
			Timestamp:       now.Add(-time.Duration(i) * time.Minute),
			SenderProfileID: ptr(anonymous),
		}
		src.records = append(src.records, rec)
	}

	got, err := rule.Triggered(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, got.Matched)
	assert.Zero(t, src.countCalls)
}

func TestMonitoredRuleGroupFilter(t *testing.T) {
	src := newFakeSource()
	reg := testRegistry(t, src)
	prisoner := uuid.New()
	rec := domain.ScreenableRecord{Kind: domain.RecordKindCredit, ID: uuid.New(), PrisonerProfileID: ptr(prisoner)}

	monp, _ := reg.Get("MONP")
	fiu, _ := reg.Get("FIUMONP")

	src.monitors[prisoner] = []monitor{{user: uuid.New(), group: "Security"}}
	got, err := monp.Triggered(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, got.Matched)
	assert.EqualValues(t, 1, got.Count)

	got, err = fiu.Triggered(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, got.Matched)

	fiuUser := uuid.New()
	src.monitors[prisoner] = append(src.monitors[prisoner], monitor{user: fiuUser, group: "FIU"})
	got, err = fiu.Triggered(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, got.Matched)
	assert.Equal(t, []uuid.UUID{fiuUser}, got.MonitoringUsers)
}

func TestAttributeRules(t *testing.T) {
	reg := testRegistry(t, newFakeSource())
	nwn, _ := reg.Get("NWN")
	ha, _ := reg.Get("HA")
	symb, _ := reg.Get("SSYMB")

	rec := domain.ScreenableRecord{Kind: domain.RecordKindCredit, Amount: 12001, Attributes: map[string]string{
		domain.AttrSenderName: "J★hn Smith",
	}}
	for _, rule := range []Rule{nwn, ha, symb} {
		got, err := rule.Triggered(context.Background(), rec)
		require.NoError(t, err)
		assert.True(t, got.Matched, rule.Code())
	}

	rec.Amount = 11900
	rec.Attributes[domain.AttrSenderName] = "John O'Smith-Jones"
	for _, rule := range []Rule{nwn, ha, symb} {
		got, err := rule.Triggered(context.Background(), rec)
		require.NoError(t, err)
		assert.False(t, got.Matched, rule.Code())
	}

	assert.False(t, symb.AppliesTo(domain.ScreenableRecord{Kind: domain.RecordKindDisbursement}))
}

func TestEvaluateAllReportsEveryApplicableRule(t *testing.T) {
	reg := testRegistry(t, newFakeSource())
	rec := domain.ScreenableRecord{Kind: domain.RecordKindDisbursement, ID: uuid.New(), Amount: 150, Timestamp: time.Now()}

	results, err := reg.EvaluateAll(context.Background(), rec)
	require.NoError(t, err)

	codes := map[string]bool{}
	for _, m := range results {
		codes[m.Rule.Code()] = m.Triggered.Matched
	}
	assert.Contains(t, codes, "MONR")
	assert.NotContains(t, codes, "MONS")
	assert.True(t, codes["NWN"])
	assert.False(t, codes["HA"])
}

func TestEvaluatePropagatesSourceErrors(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("db down")
	reg := testRegistry(t, src)
	rec := domain.ScreenableRecord{Kind: domain.RecordKindCredit, ID: uuid.New(), PrisonerProfileID: ptr(uuid.New())}

	_, err := reg.Evaluate(context.Background(), SubsetScreening, rec)
	assert.ErrorIs(t, err, src.err)
}

func TestParseCatalogueRejectsUnknownSubsetCodes(t *testing.T) {
	_, err := ParseCatalogue([]byte(`
rules:
  - code: NWN
    type: not_whole_number
    applies_to: [credit]
subsets:
  screening: [NWN, MISSING]
`))
	assert.Error(t, err)
}

func TestWindowStartUsesLocalMidnight(t *testing.T) {
	london, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)

	ts := time.Date(2024, 7, 10, 23, 30, 0, 0, time.UTC) // 00:30 on 11 July in London
	got := WindowStart(ts, 1, london)
	assert.Equal(t, time.Date(2024, 7, 10, 0, 0, 0, 0, london), got)
}
