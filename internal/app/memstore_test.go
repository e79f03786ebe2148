package app

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
)

type bankSenderKey struct {
	name    string
	account domain.BankAccountIdentity
}

type memPrisoner struct {
	id     uuid.UUID
	number string
	dob    string
}

type cardRuleKey struct {
	card     domain.DebitCardIdentity
	prisoner uuid.UUID
}

// memStore is an in-memory stand-in for the Postgres repository. Only the methods the app
// tests reach are implemented; the embedded interface panics on anything else.
type memStore struct {
	store.Repository

	mu sync.Mutex

	credits       map[uuid.UUID]*domain.Credit
	disbursements map[uuid.UUID]*domain.Disbursement

	bankSenders     map[bankSenderKey]uuid.UUID
	cardSenders     map[domain.DebitCardIdentity]store.DebitCardMatch
	cardholderNames map[uuid.UUID][]string
	senderEmails    map[uuid.UUID][]string
	anonymousSender *uuid.UUID
	senderPrisons   map[uuid.UUID]map[string]bool

	prisoners      []*memPrisoner
	providedNames  map[uuid.UUID][]string
	prisonerPrison map[uuid.UUID]map[string]bool
	prisonerSender map[uuid.UUID]map[uuid.UUID]bool

	recipients         map[domain.BankAccountIdentity]uuid.UUID
	chequeRecipient    *uuid.UUID
	recipientPrisons   map[uuid.UUID]map[string]bool
	prisonerRecipients map[uuid.UUID]map[uuid.UUID]bool

	checks        map[uuid.UUID]*domain.Check
	checkEvents   []domain.Event
	rules         map[uuid.UUID]*domain.CheckAutoAcceptRule
	cardDetails   map[uuid.UUID]domain.DebitCardIdentity
	rulesByCard   map[cardRuleKey]uuid.UUID
	createdChecks int

	// duplicateOnCreate makes the next n identity inserts fail as if a concurrent writer won.
	duplicateOnCreate int
}

func newMemStore() *memStore {
	return &memStore{
		credits:            map[uuid.UUID]*domain.Credit{},
		disbursements:      map[uuid.UUID]*domain.Disbursement{},
		bankSenders:        map[bankSenderKey]uuid.UUID{},
		cardSenders:        map[domain.DebitCardIdentity]store.DebitCardMatch{},
		cardholderNames:    map[uuid.UUID][]string{},
		senderEmails:       map[uuid.UUID][]string{},
		senderPrisons:      map[uuid.UUID]map[string]bool{},
		providedNames:      map[uuid.UUID][]string{},
		prisonerPrison:     map[uuid.UUID]map[string]bool{},
		prisonerSender:     map[uuid.UUID]map[uuid.UUID]bool{},
		recipients:         map[domain.BankAccountIdentity]uuid.UUID{},
		recipientPrisons:   map[uuid.UUID]map[string]bool{},
		prisonerRecipients: map[uuid.UUID]map[uuid.UUID]bool{},
		checks:             map[uuid.UUID]*domain.Check{},
		rules:              map[uuid.UUID]*domain.CheckAutoAcceptRule{},
		cardDetails:        map[uuid.UUID]domain.DebitCardIdentity{},
		rulesByCard:        map[cardRuleKey]uuid.UUID{},
	}
}

func addTo[K comparable, V comparable](m map[K]map[V]bool, k K, v V) {
	if m[k] == nil {
		m[k] = map[V]bool{}
	}
	m[k][v] = true
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// consumeDuplicate reports whether this insert should lose a simulated race. The winner's row
// is created so the retried lookup finds it.
func (m *memStore) consumeDuplicate() bool {
	if m.duplicateOnCreate > 0 {
		m.duplicateOnCreate--
		return true
	}
	return false
}

// TransactionReader

func (m *memStore) GetCredit(ctx context.Context, id uuid.UUID) (*domain.Credit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credits[id]
	if !ok {
		return nil, store.ErrCreditNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListCredits(ctx context.Context, ids []uuid.UUID) ([]domain.Credit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Credit
	for _, id := range ids {
		if c, ok := m.credits[id]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memStore) GetDisbursement(ctx context.Context, id uuid.UUID) (*domain.Disbursement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disbursements[id]
	if !ok {
		return nil, store.ErrDisbursementNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memStore) ListDisbursements(ctx context.Context, ids []uuid.UUID) ([]domain.Disbursement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Disbursement
	for _, id := range ids {
		if d, ok := m.disbursements[id]; ok {
			out = append(out, *d)
		}
	}
	return out, nil
}

// ProfileStore

func (m *memStore) FindSenderByBankTransfer(ctx context.Context, senderName string, account domain.BankAccountIdentity) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.bankSenders[bankSenderKey{senderName, account}]; ok {
		return id, nil
	}
	return uuid.Nil, store.ErrProfileNotFound
}

func (m *memStore) CreateBankTransferSender(ctx context.Context, senderName string, account domain.BankAccountIdentity) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := bankSenderKey{senderName, account}
	if _, ok := m.bankSenders[key]; ok {
		return uuid.Nil, store.ErrDuplicateIdentity
	}
	m.bankSenders[key] = uuid.New()
	if m.consumeDuplicate() {
		return uuid.Nil, store.ErrDuplicateIdentity
	}
	return m.bankSenders[key], nil
}

func (m *memStore) FindSenderByDebitCard(ctx context.Context, card domain.DebitCardIdentity) (store.DebitCardMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if match, ok := m.cardSenders[card]; ok {
		return match, nil
	}
	return store.DebitCardMatch{}, store.ErrProfileNotFound
}

func (m *memStore) CreateDebitCardSender(ctx context.Context, card domain.DebitCardIdentity) (store.DebitCardMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cardSenders[card]; ok {
		return store.DebitCardMatch{}, store.ErrDuplicateIdentity
	}
	match := store.DebitCardMatch{SenderProfileID: uuid.New(), DetailsID: uuid.New()}
	m.cardSenders[card] = match
	m.cardDetails[match.DetailsID] = card
	if m.consumeDuplicate() {
		return store.DebitCardMatch{}, store.ErrDuplicateIdentity
	}
	return match, nil
}

func (m *memStore) AddCardholderName(ctx context.Context, detailsID uuid.UUID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cardholderNames[detailsID] = appendUnique(m.cardholderNames[detailsID], name)
	return nil
}

func (m *memStore) AddSenderEmail(ctx context.Context, detailsID uuid.UUID, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senderEmails[detailsID] = appendUnique(m.senderEmails[detailsID], email)
	return nil
}

func (m *memStore) GetOrCreateAnonymousSender(ctx context.Context) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.anonymousSender == nil {
		id := uuid.New()
		m.anonymousSender = &id
	}
	return *m.anonymousSender, nil
}

func (m *memStore) AddSenderPrison(ctx context.Context, senderID uuid.UUID, prisonID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addTo(m.senderPrisons, senderID, prisonID)
	return nil
}

func (m *memStore) SetCreditSenderProfile(ctx context.Context, creditID, senderID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.credits[creditID]; ok {
		id := senderID
		c.SenderProfileID = &id
	}
	return nil
}

func (m *memStore) GetOrCreatePrisonerProfile(ctx context.Context, params store.PrisonerProfileParams) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dob := ""
	if params.PrisonerDOB != nil {
		dob = params.PrisonerDOB.Format("2006-01-02")
	}
	var undated *memPrisoner
	for _, p := range m.prisoners {
		if p.number != params.PrisonerNumber {
			continue
		}
		if dob == "" || p.dob == dob {
			return p.id, nil
		}
		if p.dob == "" && undated == nil {
			undated = p
		}
	}
	if undated != nil {
		undated.dob = dob
		return undated.id, nil
	}
	p := &memPrisoner{id: uuid.New(), number: params.PrisonerNumber, dob: dob}
	m.prisoners = append(m.prisoners, p)
	return p.id, nil
}

func (m *memStore) AddProvidedName(ctx context.Context, prisonerID uuid.UUID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providedNames[prisonerID] = appendUnique(m.providedNames[prisonerID], name)
	return nil
}

func (m *memStore) AddPrisonerPrison(ctx context.Context, prisonerID uuid.UUID, prisonID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addTo(m.prisonerPrison, prisonerID, prisonID)
	return nil
}

func (m *memStore) SetCreditPrisonerProfile(ctx context.Context, creditID, prisonerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.credits[creditID]; ok {
		id := prisonerID
		c.PrisonerProfileID = &id
	}
	return nil
}

func (m *memStore) LinkPrisonerSender(ctx context.Context, prisonerID, senderID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addTo(m.prisonerSender, prisonerID, senderID)
	return nil
}

func (m *memStore) FindRecipientByBankAccount(ctx context.Context, account domain.BankAccountIdentity) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.recipients[account]; ok {
		return id, nil
	}
	return uuid.Nil, store.ErrProfileNotFound
}

func (m *memStore) CreateBankTransferRecipient(ctx context.Context, account domain.BankAccountIdentity) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recipients[account]; ok {
		return uuid.Nil, store.ErrDuplicateIdentity
	}
	m.recipients[account] = uuid.New()
	if m.consumeDuplicate() {
		return uuid.Nil, store.ErrDuplicateIdentity
	}
	return m.recipients[account], nil
}

func (m *memStore) GetOrCreateChequeRecipient(ctx context.Context) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chequeRecipient == nil {
		id := uuid.New()
		m.chequeRecipient = &id
	}
	return *m.chequeRecipient, nil
}

func (m *memStore) AddRecipientPrison(ctx context.Context, recipientID uuid.UUID, prisonID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addTo(m.recipientPrisons, recipientID, prisonID)
	return nil
}

func (m *memStore) SetDisbursementProfiles(ctx context.Context, disbursementID uuid.UUID, recipientID, prisonerID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.disbursements[disbursementID]; ok {
		if recipientID != nil {
			d.RecipientProfileID = recipientID
		}
		if prisonerID != nil {
			d.PrisonerProfileID = prisonerID
		}
	}
	return nil
}

func (m *memStore) LinkPrisonerRecipient(ctx context.Context, prisonerID, recipientID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addTo(m.prisonerRecipients, prisonerID, recipientID)
	return nil
}

// CheckStore

func (m *memStore) GetCheck(ctx context.Context, id uuid.UUID) (*domain.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checks[id]
	if !ok {
		return nil, store.ErrCheckNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) GetCheckByCredit(ctx context.Context, creditID uuid.UUID) (*domain.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.checks {
		if c.CreditID == creditID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrCheckNotFound
}

func (m *memStore) ListChecks(ctx context.Context, filter store.CheckListFilter) ([]domain.Check, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Check
	for _, c := range m.checks {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (m *memStore) CreateCheck(ctx context.Context, check *domain.Check, event domain.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.checks {
		if c.CreditID == check.CreditID {
			return false, nil
		}
	}
	cp := *check
	m.checks[check.ID] = &cp
	m.checkEvents = append(m.checkEvents, event)
	m.createdChecks++
	return true, nil
}

func (m *memStore) SaveCheckDecision(ctx context.Context, check *domain.Check, previous domain.CheckStatus, event domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.checks[check.ID]
	if !ok {
		return store.ErrCheckNotFound
	}
	if stored.Status != previous {
		return store.ErrCheckStateChanged
	}
	cp := *check
	m.checks[check.ID] = &cp
	m.checkEvents = append(m.checkEvents, event)
	return nil
}

func (m *memStore) SaveCheckAssignment(ctx context.Context, checkID uuid.UUID, assignee, previous *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.checks[checkID]
	if !ok {
		return store.ErrCheckNotFound
	}
	same := (stored.AssignedToID == nil && previous == nil) ||
		(stored.AssignedToID != nil && previous != nil && *stored.AssignedToID == *previous)
	if !same {
		return store.ErrCheckStateChanged
	}
	stored.AssignedToID = assignee
	return nil
}

// AutoAcceptStore

func (m *memStore) CreateAutoAcceptRule(ctx context.Context, rule *domain.CheckAutoAcceptRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	card := m.cardDetails[rule.DebitCardSenderDetailsID]
	key := cardRuleKey{card: card, prisoner: rule.PrisonerProfileID}
	if _, ok := m.rulesByCard[key]; ok {
		return store.ErrDuplicateIdentity
	}
	cp := *rule
	cp.States = append([]domain.CheckAutoAcceptRuleState(nil), rule.States...)
	m.rules[rule.ID] = &cp
	m.rulesByCard[key] = rule.ID
	return nil
}

func (m *memStore) GetAutoAcceptRule(ctx context.Context, id uuid.UUID) (*domain.CheckAutoAcceptRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return nil, store.ErrAutoAcceptRuleNotFound
	}
	cp := *rule
	cp.States = append([]domain.CheckAutoAcceptRuleState(nil), rule.States...)
	return &cp, nil
}

func (m *memStore) FindAutoAcceptRuleForCard(ctx context.Context, card domain.DebitCardIdentity, prisonerID uuid.UUID) (*domain.CheckAutoAcceptRule, error) {
	m.mu.Lock()
	id, ok := m.rulesByCard[cardRuleKey{card: card, prisoner: prisonerID}]
	m.mu.Unlock()
	if !ok {
		return nil, store.ErrAutoAcceptRuleNotFound
	}
	return m.GetAutoAcceptRule(ctx, id)
}

func (m *memStore) ListAutoAcceptRules(ctx context.Context, filter store.AutoAcceptListFilter) ([]domain.CheckAutoAcceptRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CheckAutoAcceptRule
	for _, rule := range m.rules {
		if filter.Active != nil && rule.IsActive() != *filter.Active {
			continue
		}
		out = append(out, *rule)
	}
	return out, nil
}

func (m *memStore) AppendAutoAcceptRuleState(ctx context.Context, state domain.CheckAutoAcceptRuleState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[state.RuleID]
	if !ok {
		return store.ErrAutoAcceptRuleNotFound
	}
	rule.States = append(rule.States, state)
	return nil
}

func (m *memStore) DebitCardDetailsExists(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cardDetails[id]
	return ok, nil
}
