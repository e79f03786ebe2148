package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/rules"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
)

type stubRule struct {
	code, description string
	profile           *domain.ProfileRef
}

func (r stubRule) Code() string        { return r.code }
func (r stubRule) Description() string { return r.description }
func (r stubRule) AppliesTo(rec domain.ScreenableRecord) bool {
	return true
}
func (r stubRule) Triggered(ctx context.Context, rec domain.ScreenableRecord) (rules.Triggered, error) {
	return rules.Triggered{Matched: true}, nil
}
func (r stubRule) Profile(rec domain.ScreenableRecord) *domain.ProfileRef { return r.profile }

type stubEvaluator struct {
	matches  []rules.Match
	subsets  []string
	all      []rules.Match
	evalErr  error
	recorded []domain.ScreenableRecord
}

func (e *stubEvaluator) Evaluate(ctx context.Context, subset string, rec domain.ScreenableRecord) ([]rules.Match, error) {
	e.subsets = append(e.subsets, subset)
	e.recorded = append(e.recorded, rec)
	return e.matches, e.evalErr
}

func (e *stubEvaluator) EvaluateAll(ctx context.Context, rec domain.ScreenableRecord) ([]rules.Match, error) {
	return e.all, e.evalErr
}

func matchOf(code, description string) rules.Match {
	return rules.Match{Rule: stubRule{code: code, description: description}, Triggered: rules.Triggered{Matched: true}}
}

type checkFixture struct {
	store     *memStore
	resolver  *Resolver
	evaluator *stubEvaluator
	registry  *AutoAcceptRegistry
	service   *CheckService
}

func newCheckFixture() *checkFixture {
	m := newMemStore()
	evaluator := &stubEvaluator{}
	registry := NewAutoAcceptRegistry(m, zap.NewNop())
	return &checkFixture{
		store:     m,
		resolver:  NewResolver(m, zap.NewNop()),
		evaluator: evaluator,
		registry:  registry,
		service:   NewCheckService(m, m, evaluator, registry, zap.NewNop()),
	}
}

// screenedCredit returns a debit card credit with its profiles attached.
func (f *checkFixture) screenedCredit(t *testing.T) *domain.Credit {
	t.Helper()
	credit := cardCredit(f.store, "SW1A 1AA")
	require.NoError(t, f.resolver.AttachCreditProfiles(context.Background(), credit))
	return credit
}

func (f *checkFixture) cardDetailsID(credit *domain.Credit) uuid.UUID {
	card, _ := credit.DebitCardIdentity()
	return f.store.cardSenders[card].DetailsID
}

func TestCheckService_NoMatchesAutoAccepts(t *testing.T) {
	f := newCheckFixture()
	credit := f.screenedCredit(t)

	check, err := f.service.CreateForCredit(context.Background(), credit)
	require.NoError(t, err)

	assert.Equal(t, domain.CheckStatusAccepted, check.Status)
	assert.Empty(t, check.Rules)
	assert.Equal(t, []string{domain.AutoAcceptedDescription}, check.Description)
	assert.Equal(t, []string{rules.SubsetScreening}, f.evaluator.subsets)
	require.Len(t, f.store.checkEvents, 1)
	assert.Equal(t, domain.EventCheckCreated, f.store.checkEvents[0].Type)
}

func TestCheckService_MatchesLeaveCheckPending(t *testing.T) {
	f := newCheckFixture()
	f.evaluator.matches = []rules.Match{matchOf("FIUMONP", "Prisoner is monitored"), matchOf("HA", "Amount over £120")}
	credit := f.screenedCredit(t)

	check, err := f.service.CreateForCredit(context.Background(), credit)
	require.NoError(t, err)

	assert.Equal(t, domain.CheckStatusPending, check.Status)
	assert.Equal(t, []string{"FIUMONP", "HA"}, check.Rules)
	assert.Equal(t, []string{"Prisoner is monitored", "Amount over £120"}, check.Description)
	assert.Nil(t, check.AutoAcceptRuleState)
}

func TestCheckService_ActiveAutoAcceptRuleAcceptsMatches(t *testing.T) {
	ctx := context.Background()
	f := newCheckFixture()
	f.evaluator.matches = []rules.Match{matchOf("CSFREQ", "Sender has sent many credits")}
	credit := f.screenedCredit(t)

	reviewer := uuid.New()
	_, err := f.registry.Create(ctx, CreateAutoAcceptRuleParams{
		DebitCardSenderDetailsID: f.cardDetailsID(credit),
		PrisonerProfileID:        *credit.PrisonerProfileID,
		Reason:                   "Mother of prisoner",
		AddedBy:                  &reviewer,
	})
	require.NoError(t, err)

	check, err := f.service.CreateForCredit(ctx, credit)
	require.NoError(t, err)

	assert.Equal(t, domain.CheckStatusAccepted, check.Status)
	assert.Equal(t, []string{"CSFREQ"}, check.Rules)
	require.NotNil(t, check.AutoAcceptRuleState)
	assert.Equal(t, "Mother of prisoner", check.AutoAcceptRuleState.Reason)
	assert.Equal(t, []string{"Sender has sent many credits"}, check.Description)
}

func TestCheckService_DeactivatedAutoAcceptRuleIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := newCheckFixture()
	f.evaluator.matches = []rules.Match{matchOf("CSFREQ", "Sender has sent many credits")}
	credit := f.screenedCredit(t)

	rule, err := f.registry.Create(ctx, CreateAutoAcceptRuleParams{
		DebitCardSenderDetailsID: f.cardDetailsID(credit),
		PrisonerProfileID:        *credit.PrisonerProfileID,
		Reason:                   "Mother of prisoner",
	})
	require.NoError(t, err)
	f.registry.now = func() time.Time { return time.Now().Add(time.Minute) }
	_, err = f.registry.AppendState(ctx, rule.ID, false, "No longer trusted", nil)
	require.NoError(t, err)

	check, err := f.service.CreateForCredit(ctx, credit)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckStatusPending, check.Status)
	assert.Nil(t, check.AutoAcceptRuleState)
}

func TestCheckService_CreateForCreditIsOncePerCredit(t *testing.T) {
	ctx := context.Background()
	f := newCheckFixture()
	credit := f.screenedCredit(t)

	first, err := f.service.CreateForCredit(ctx, credit)
	require.NoError(t, err)
	second, err := f.service.CreateForCredit(ctx, credit)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.store.createdChecks)
}

func TestCheckService_NonCandidatesGetNoCheck(t *testing.T) {
	f := newCheckFixture()
	credit := bankCredit(f.store)

	check, err := f.service.CreateForCredit(context.Background(), credit)
	require.NoError(t, err)
	assert.Nil(t, check)
	assert.Empty(t, f.evaluator.subsets)
}

func TestCheckService_Decisions(t *testing.T) {
	ctx := context.Background()
	f := newCheckFixture()
	f.evaluator.matches = []rules.Match{matchOf("HA", "Amount over £120")}
	reviewer := uuid.New()

	pending, err := f.service.CreateForCredit(ctx, f.screenedCredit(t))
	require.NoError(t, err)

	_, err = f.service.Reject(ctx, pending.ID, reviewer, "", nil)
	assert.True(t, domain.IsValidation(err), "rejection reasons are required")

	rejected, err := f.service.Reject(ctx, pending.ID, reviewer, "Known fraud", map[string]any{domain.RejectionFIUInvestigationID: "FIU-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.CheckStatusRejected, rejected.Status)
	assert.Equal(t, reviewer, *rejected.ActionedByID)

	again, err := f.service.Reject(ctx, pending.ID, reviewer, "Known fraud", map[string]any{domain.RejectionFIUInvestigationID: "FIU-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.CheckStatusRejected, again.Status)

	_, err = f.service.Accept(ctx, pending.ID, reviewer, "")
	assert.True(t, domain.IsValidation(err), "rejected checks stay rejected")

	events := 0
	for _, ev := range f.store.checkEvents {
		if ev.Type == domain.EventCheckRejected {
			events++
		}
	}
	assert.Equal(t, 1, events)
}

// racingCheckStore flips the stored check to accepted right before the first decision is saved.
type racingCheckStore struct {
	*memStore
	raced bool
}

func (s *racingCheckStore) SaveCheckDecision(ctx context.Context, check *domain.Check, previous domain.CheckStatus, event domain.Event) error {
	if !s.raced {
		s.raced = true
		s.memStore.mu.Lock()
		s.memStore.checks[check.ID].Status = domain.CheckStatusAccepted
		s.memStore.mu.Unlock()
	}
	return s.memStore.SaveCheckDecision(ctx, check, previous, event)
}

func TestCheckService_ReloadsWhenAnotherReviewerDecidedFirst(t *testing.T) {
	ctx := context.Background()
	f := newCheckFixture()
	f.evaluator.matches = []rules.Match{matchOf("HA", "Amount over £120")}
	pending, err := f.service.CreateForCredit(ctx, f.screenedCredit(t))
	require.NoError(t, err)

	racing := &racingCheckStore{memStore: f.store}
	service := NewCheckService(racing, f.store, f.evaluator, f.registry, zap.NewNop())

	_, err = service.Reject(ctx, pending.ID, uuid.New(), "", map[string]any{domain.RejectionOtherReason: "x"})
	assert.True(t, domain.IsValidation(err), "the reloaded check is accepted and cannot be rejected")

	accepted, err := service.Accept(ctx, pending.ID, uuid.New(), "")
	require.NoError(t, err)
	assert.Equal(t, domain.CheckStatusAccepted, accepted.Status)
}

func TestCheckService_Assign(t *testing.T) {
	ctx := context.Background()
	f := newCheckFixture()
	f.evaluator.matches = []rules.Match{matchOf("HA", "Amount over £120")}
	check, err := f.service.CreateForCredit(ctx, f.screenedCredit(t))
	require.NoError(t, err)

	alice, bob := uuid.New(), uuid.New()
	assigned, err := f.service.Assign(ctx, check.ID, &alice)
	require.NoError(t, err)
	assert.Equal(t, alice, *assigned.AssignedToID)

	_, err = f.service.Assign(ctx, check.ID, &bob)
	assert.True(t, domain.IsValidation(err))

	unassigned, err := f.service.Assign(ctx, check.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, unassigned.AssignedToID)

	_, err = f.service.Assign(ctx, check.ID, &bob)
	require.NoError(t, err)
}

func TestCheckService_ListRejectsUnknownStatus(t *testing.T) {
	f := newCheckFixture()
	_, err := f.service.List(context.Background(), store.CheckListFilter{Status: "maybe"})
	assert.True(t, domain.IsValidation(err))
}

func TestCheckService_CreditRuleReport(t *testing.T) {
	f := newCheckFixture()
	credit := f.screenedCredit(t)
	f.evaluator.all = []rules.Match{
		matchOf("HA", "Amount over £120"),
		{Rule: stubRule{code: "CSFREQ", description: "Frequent sender"}, Triggered: rules.Triggered{Count: 2}},
	}

	report, err := f.service.CreditRuleReport(context.Background(), credit.ID)
	require.NoError(t, err)
	require.Len(t, report, 2)
	assert.True(t, report[0].Triggered)
	assert.False(t, report[1].Triggered)
	assert.Equal(t, int64(2), report[1].Count)

	_, err = f.service.CreditRuleReport(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrCreditNotFound)
}
