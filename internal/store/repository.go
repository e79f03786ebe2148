/**
 * @description
 * This file defines the data access contracts of the security service. Each concern has
 * its own narrow interface so that application components and their test stubs only
 * depend on what they use; Repository composes them for wiring.
 *
 * @dependencies
 * - internal/domain: domain models.
 * - internal/rules: the Source contract the store satisfies for rule evaluation.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/rules"
)

var (
	ErrCreditNotFound         = errors.New("credit not found")
	ErrDisbursementNotFound   = errors.New("disbursement not found")
	ErrProfileNotFound        = errors.New("profile not found")
	ErrCheckNotFound          = errors.New("check not found")
	ErrCheckStateChanged      = errors.New("check changed concurrently")
	ErrAutoAcceptRuleNotFound = errors.New("auto-accept rule not found")
	ErrDebitCardNotFound      = errors.New("debit card details not found")
	// ErrDuplicateIdentity means a concurrent writer created the same identity first.
	// Callers retry their lookup.
	ErrDuplicateIdentity = errors.New("identity already exists")
)

// TransactionReader loads the credits and disbursements the core works on.
type TransactionReader interface {
	GetCredit(ctx context.Context, id uuid.UUID) (*domain.Credit, error)
	ListCredits(ctx context.Context, ids []uuid.UUID) ([]domain.Credit, error)
	GetDisbursement(ctx context.Context, id uuid.UUID) (*domain.Disbursement, error)
	ListDisbursements(ctx context.Context, ids []uuid.UUID) ([]domain.Disbursement, error)
}

// DebitCardMatch identifies a sender's debit card details row.
type DebitCardMatch struct {
	SenderProfileID uuid.UUID
	DetailsID       uuid.UUID
}

// PrisonerProfileParams are the defaults used when a prisoner profile is created.
type PrisonerProfileParams struct {
	PrisonerNumber string
	PrisonerDOB    *time.Time
	PrisonerName   string
}

// ProfileStore persists profiles and their identity records.
type ProfileStore interface {
	FindSenderByBankTransfer(ctx context.Context, senderName string, account domain.BankAccountIdentity) (uuid.UUID, error)
	CreateBankTransferSender(ctx context.Context, senderName string, account domain.BankAccountIdentity) (uuid.UUID, error)
	FindSenderByDebitCard(ctx context.Context, card domain.DebitCardIdentity) (DebitCardMatch, error)
	CreateDebitCardSender(ctx context.Context, card domain.DebitCardIdentity) (DebitCardMatch, error)
	AddCardholderName(ctx context.Context, detailsID uuid.UUID, name string) error
	AddSenderEmail(ctx context.Context, detailsID uuid.UUID, email string) error
	GetOrCreateAnonymousSender(ctx context.Context) (uuid.UUID, error)
	AddSenderPrison(ctx context.Context, senderID uuid.UUID, prisonID string) error
	SetCreditSenderProfile(ctx context.Context, creditID, senderID uuid.UUID) error

	GetOrCreatePrisonerProfile(ctx context.Context, params PrisonerProfileParams) (uuid.UUID, error)
	AddProvidedName(ctx context.Context, prisonerID uuid.UUID, name string) error
	AddPrisonerPrison(ctx context.Context, prisonerID uuid.UUID, prisonID string) error
	SetCreditPrisonerProfile(ctx context.Context, creditID, prisonerID uuid.UUID) error
	LinkPrisonerSender(ctx context.Context, prisonerID, senderID uuid.UUID) error

	FindRecipientByBankAccount(ctx context.Context, account domain.BankAccountIdentity) (uuid.UUID, error)
	CreateBankTransferRecipient(ctx context.Context, account domain.BankAccountIdentity) (uuid.UUID, error)
	GetOrCreateChequeRecipient(ctx context.Context) (uuid.UUID, error)
	AddRecipientPrison(ctx context.Context, recipientID uuid.UUID, prisonID string) error
	SetDisbursementProfiles(ctx context.Context, disbursementID uuid.UUID, recipientID, prisonerID *uuid.UUID) error
	LinkPrisonerRecipient(ctx context.Context, prisonerID, recipientID uuid.UUID) error

	GetSenderProfile(ctx context.Context, id uuid.UUID) (*domain.SenderProfile, error)
	GetPrisonerProfile(ctx context.Context, id uuid.UUID) (*domain.PrisonerProfile, error)
	GetRecipientProfile(ctx context.Context, id uuid.UUID) (*domain.RecipientProfile, error)
}

// CountedBatch reports which records a counting pass folded into profile totals.
type CountedBatch struct {
	RecordIDs []uuid.UUID
	// NewlyCounted are the records folded into their sender or recipient total for the
	// first time. Notifications are raised for these only.
	NewlyCounted []uuid.UUID
	ProfileIDs   map[domain.ProfileKind][]uuid.UUID
	// Notifications is the number of notification events saved with the batch.
	Notifications int
}

// NotificationBuilder returns the notification events for records counted for the first time.
// It runs inside the counting transaction: when it fails the records stay uncounted.
type NotificationBuilder func(ctx context.Context, newlyCounted []uuid.UUID) ([]domain.NotificationEvent, error)

// AggregateStore keeps the cached profile counters in line with source transactions.
type AggregateStore interface {
	CreditsMissingProfiles(ctx context.Context, limit int) ([]uuid.UUID, error)
	DisbursementsMissingProfiles(ctx context.Context, limit int) ([]uuid.UUID, error)
	CountNewCredits(ctx context.Context, limit int, notify NotificationBuilder) (CountedBatch, error)
	CountNewDisbursements(ctx context.Context, limit int, notify NotificationBuilder) (CountedBatch, error)
	ListProfileIDs(ctx context.Context, kind domain.ProfileKind, after uuid.UUID, limit int) ([]uuid.UUID, error)
	RecalculateTotals(ctx context.Context, kind domain.ProfileKind, ids []uuid.UUID) (int64, error)
	UpdateCurrentPrisons(ctx context.Context) (int64, error)
}

// CheckListFilter narrows ListChecks.
type CheckListFilter struct {
	Status     domain.CheckStatus
	AssignedTo *uuid.UUID
	Limit      int
	Offset     int
}

// CheckStore persists checks. Every write enqueues its event in the same transaction.
type CheckStore interface {
	GetCheck(ctx context.Context, id uuid.UUID) (*domain.Check, error)
	GetCheckByCredit(ctx context.Context, creditID uuid.UUID) (*domain.Check, error)
	ListChecks(ctx context.Context, filter CheckListFilter) ([]domain.Check, error)
	// CreateCheck inserts the check unless its credit already has one; created reports which.
	CreateCheck(ctx context.Context, check *domain.Check, event domain.Event) (created bool, err error)
	// SaveCheckDecision persists a transition from previous; ErrCheckStateChanged if it moved.
	SaveCheckDecision(ctx context.Context, check *domain.Check, previous domain.CheckStatus, event domain.Event) error
	SaveCheckAssignment(ctx context.Context, checkID uuid.UUID, assignee, previous *uuid.UUID) error
}

// AutoAcceptListFilter narrows ListAutoAcceptRules.
type AutoAcceptListFilter struct {
	PrisonerProfileID *uuid.UUID
	Active            *bool
	Limit             int
	Offset            int
}

// AutoAcceptStore persists auto-accept rules and their append-only state history.
type AutoAcceptStore interface {
	CreateAutoAcceptRule(ctx context.Context, rule *domain.CheckAutoAcceptRule) error
	GetAutoAcceptRule(ctx context.Context, id uuid.UUID) (*domain.CheckAutoAcceptRule, error)
	FindAutoAcceptRuleForCard(ctx context.Context, card domain.DebitCardIdentity, prisonerID uuid.UUID) (*domain.CheckAutoAcceptRule, error)
	ListAutoAcceptRules(ctx context.Context, filter AutoAcceptListFilter) ([]domain.CheckAutoAcceptRule, error)
	AppendAutoAcceptRuleState(ctx context.Context, state domain.CheckAutoAcceptRuleState) error
	DebitCardDetailsExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// MonitoringStore records which users watch which profiles.
type MonitoringStore interface {
	MonitorProfile(ctx context.Context, profile domain.ProfileRef, userID uuid.UUID) error
	UnmonitorProfile(ctx context.Context, profile domain.ProfileRef, userID uuid.UUID) error
}

// TransitionStore applies bulk state transitions under row locks.
type TransitionStore interface {
	TransitionCredits(ctx context.Context, ids []uuid.UUID, action domain.CreditAction, by uuid.UUID) error
	ReconcileCredits(ctx context.Context, from, to time.Time, by uuid.UUID) (int64, error)
	TransitionDisbursements(ctx context.Context, ids []uuid.UUID, next domain.DisbursementResolution, by uuid.UUID) error
	FailCredit(ctx context.Context, creditID uuid.UUID) error
}

// NotificationStore reads notification events. They are written by the counting passes.
type NotificationStore interface {
	ListNotificationEvents(ctx context.Context, filter NotificationListFilter) ([]domain.NotificationEvent, error)
}

// NotificationListFilter narrows ListNotificationEvents. Events raised for a specific user
// are only visible to that user; shared events are visible to everyone.
type NotificationListFilter struct {
	UserID uuid.UUID
	Rule   string
	Since  *time.Time
	Limit  int
	Offset int
}

// OutboxMessage is a claimed event waiting to be published.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// OutboxStore is used by the dispatcher.
type OutboxStore interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// Repository is everything the service needs from Postgres.
type Repository interface {
	TransactionReader
	ProfileStore
	AggregateStore
	CheckStore
	AutoAcceptStore
	MonitoringStore
	TransitionStore
	NotificationStore
	OutboxStore
	rules.Source
}
