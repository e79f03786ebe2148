/**
 * @description
 * The Resolver maps completed credits and disbursements to sender, prisoner and recipient
 * profiles, creating profiles on first sight.
 *
 * @notes
 * - Identity tables carry unique constraints. A duplicate on insert means a concurrent
 *   resolver won the race, so the lookup is retried instead of failing.
 * - Resolving out of order (no prison on the credit, an already linked disbursement) is a
 *   programming error and wraps domain.ErrInvariant.
 */

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
)

const maxIdentityAttempts = 3

// Resolver finds or creates the profiles linked to transactions.
type Resolver struct {
	profiles store.ProfileStore
	logger   *zap.Logger
}

func NewResolver(profiles store.ProfileStore, logger *zap.Logger) *Resolver {
	return &Resolver{profiles: profiles, logger: logger.Named("resolver")}
}

// findOrCreate runs find, then create on a miss, retrying find when create loses a race.
func findOrCreate[T any](find, create func() (T, error)) (T, error) {
	var zero T
	for attempt := 0; attempt < maxIdentityAttempts; attempt++ {
		found, err := find()
		if err == nil {
			return found, nil
		}
		if !errors.Is(err, store.ErrProfileNotFound) {
			return zero, err
		}
		created, err := create()
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, store.ErrDuplicateIdentity) {
			return zero, err
		}
	}
	return zero, fmt.Errorf("identity still contended after %d attempts: %w", maxIdentityAttempts, store.ErrDuplicateIdentity)
}

// ResolveSenderForCredit links the credit to its sender profile and returns it.
// An already linked credit is returned unchanged.
func (r *Resolver) ResolveSenderForCredit(ctx context.Context, credit *domain.Credit) (uuid.UUID, error) {
	if credit.SenderProfileID != nil {
		return *credit.SenderProfileID, nil
	}

	var (
		senderID uuid.UUID
		err      error
	)
	switch {
	case credit.Source() == domain.CreditSourceBankTransfer && credit.HasEnoughDetailForSenderProfile():
		senderID, err = r.resolveBankTransferSender(ctx, credit)
	case credit.Source() == domain.CreditSourceOnline && credit.HasEnoughDetailForSenderProfile():
		senderID, err = r.resolveDebitCardSender(ctx, credit)
	default:
		senderID, err = r.profiles.GetOrCreateAnonymousSender(ctx)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve sender for credit %s: %w", credit.ID, err)
	}

	if credit.PrisonID != nil && credit.Resolution != domain.CreditResolutionFailed {
		if err := r.profiles.AddSenderPrison(ctx, senderID, *credit.PrisonID); err != nil {
			return uuid.Nil, fmt.Errorf("add sender prison: %w", err)
		}
	}
	if err := r.profiles.SetCreditSenderProfile(ctx, credit.ID, senderID); err != nil {
		return uuid.Nil, fmt.Errorf("link sender profile: %w", err)
	}
	credit.SenderProfileID = &senderID
	r.logger.Debug("linked sender profile", zap.String("credit_id", credit.ID.String()), zap.String("profile_id", senderID.String()))
	return senderID, nil
}

func (r *Resolver) resolveBankTransferSender(ctx context.Context, credit *domain.Credit) (uuid.UUID, error) {
	account, _ := credit.BankAccountIdentity()
	name := credit.Transaction.SenderName
	return findOrCreate(
		func() (uuid.UUID, error) { return r.profiles.FindSenderByBankTransfer(ctx, name, account) },
		func() (uuid.UUID, error) { return r.profiles.CreateBankTransferSender(ctx, name, account) },
	)
}

func (r *Resolver) resolveDebitCardSender(ctx context.Context, credit *domain.Credit) (uuid.UUID, error) {
	card, _ := credit.DebitCardIdentity()
	match, err := findOrCreate(
		func() (store.DebitCardMatch, error) { return r.profiles.FindSenderByDebitCard(ctx, card) },
		func() (store.DebitCardMatch, error) { return r.profiles.CreateDebitCardSender(ctx, card) },
	)
	if err != nil {
		return uuid.Nil, err
	}
	if name := credit.Payment.CardholderName; name != "" {
		if err := r.profiles.AddCardholderName(ctx, match.DetailsID, name); err != nil {
			return uuid.Nil, fmt.Errorf("add cardholder name: %w", err)
		}
	}
	if email := credit.Payment.Email; email != "" {
		if err := r.profiles.AddSenderEmail(ctx, match.DetailsID, email); err != nil {
			return uuid.Nil, fmt.Errorf("add sender email: %w", err)
		}
	}
	return match.SenderProfileID, nil
}

// ResolvePrisonerForCredit links the credit to the profile of the prisoner it was matched to.
func (r *Resolver) ResolvePrisonerForCredit(ctx context.Context, credit *domain.Credit) (uuid.UUID, error) {
	if credit.PrisonerProfileID != nil {
		return *credit.PrisonerProfileID, nil
	}
	if credit.PrisonID == nil {
		return uuid.Nil, fmt.Errorf("credit %s has no matched prison: %w", credit.ID, domain.ErrInvariant)
	}

	prisonerID, err := r.profiles.GetOrCreatePrisonerProfile(ctx, store.PrisonerProfileParams{
		PrisonerNumber: credit.PrisonerNumber,
		PrisonerDOB:    credit.PrisonerDOB,
		PrisonerName:   credit.PrisonerName,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve prisoner for credit %s: %w", credit.ID, err)
	}
	if name := credit.IntendedRecipient(); name != "" {
		if err := r.profiles.AddProvidedName(ctx, prisonerID, name); err != nil {
			return uuid.Nil, fmt.Errorf("add provided name: %w", err)
		}
	}
	if err := r.profiles.AddPrisonerPrison(ctx, prisonerID, *credit.PrisonID); err != nil {
		return uuid.Nil, fmt.Errorf("add prisoner prison: %w", err)
	}
	if err := r.profiles.SetCreditPrisonerProfile(ctx, credit.ID, prisonerID); err != nil {
		return uuid.Nil, fmt.Errorf("link prisoner profile: %w", err)
	}
	credit.PrisonerProfileID = &prisonerID
	return prisonerID, nil
}

// AttachCreditProfiles resolves every profile the credit has enough data for and links the
// sender to the prisoner.
func (r *Resolver) AttachCreditProfiles(ctx context.Context, credit *domain.Credit) error {
	if credit.Resolution == domain.CreditResolutionFailed {
		return fmt.Errorf("credit %s failed: %w", credit.ID, domain.ErrInvariant)
	}

	if credit.PrisonID != nil && credit.PrisonerName != "" {
		if _, err := r.ResolvePrisonerForCredit(ctx, credit); err != nil {
			return err
		}
	} else {
		r.logger.Info("credit lacks a prison or prisoner name; no prisoner profile", zap.String("credit_id", credit.ID.String()))
	}

	if _, err := r.ResolveSenderForCredit(ctx, credit); err != nil {
		return err
	}

	if credit.PrisonerProfileID != nil && credit.SenderProfileID != nil {
		if err := r.profiles.LinkPrisonerSender(ctx, *credit.PrisonerProfileID, *credit.SenderProfileID); err != nil {
			return fmt.Errorf("link prisoner and sender: %w", err)
		}
	}
	return nil
}

// ResolveRecipientForDisbursement picks the recipient profile: the cheque sentinel for cheques,
// otherwise the profile owning the bank account.
func (r *Resolver) ResolveRecipientForDisbursement(ctx context.Context, d *domain.Disbursement) (uuid.UUID, error) {
	if d.RecipientProfileID != nil {
		return uuid.Nil, fmt.Errorf("disbursement %s already has a recipient profile: %w", d.ID, domain.ErrInvariant)
	}

	var (
		recipientID uuid.UUID
		err         error
	)
	if account, ok := d.BankAccountIdentity(); ok {
		recipientID, err = findOrCreate(
			func() (uuid.UUID, error) { return r.profiles.FindRecipientByBankAccount(ctx, account) },
			func() (uuid.UUID, error) { return r.profiles.CreateBankTransferRecipient(ctx, account) },
		)
	} else {
		recipientID, err = r.profiles.GetOrCreateChequeRecipient(ctx)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve recipient for disbursement %s: %w", d.ID, err)
	}
	if err := r.profiles.AddRecipientPrison(ctx, recipientID, d.PrisonID); err != nil {
		return uuid.Nil, fmt.Errorf("add recipient prison: %w", err)
	}
	return recipientID, nil
}

// ResolvePrisonerForDisbursement finds or creates the paying prisoner's profile.
func (r *Resolver) ResolvePrisonerForDisbursement(ctx context.Context, d *domain.Disbursement) (uuid.UUID, error) {
	if d.PrisonerProfileID != nil {
		return uuid.Nil, fmt.Errorf("disbursement %s already has a prisoner profile: %w", d.ID, domain.ErrInvariant)
	}
	prisonerID, err := r.profiles.GetOrCreatePrisonerProfile(ctx, store.PrisonerProfileParams{
		PrisonerNumber: d.PrisonerNumber,
		PrisonerName:   d.PrisonerName,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolve prisoner for disbursement %s: %w", d.ID, err)
	}
	if err := r.profiles.AddPrisonerPrison(ctx, prisonerID, d.PrisonID); err != nil {
		return uuid.Nil, fmt.Errorf("add prisoner prison: %w", err)
	}
	return prisonerID, nil
}

// AttachDisbursementProfiles resolves and links both profiles of a sent disbursement.
// It runs once per disbursement.
func (r *Resolver) AttachDisbursementProfiles(ctx context.Context, d *domain.Disbursement) error {
	recipientID, err := r.ResolveRecipientForDisbursement(ctx, d)
	if err != nil {
		return err
	}
	var prisonerID *uuid.UUID
	if d.PrisonerProfileID == nil {
		id, err := r.ResolvePrisonerForDisbursement(ctx, d)
		if err != nil {
			return err
		}
		prisonerID = &id
	}
	if err := r.profiles.SetDisbursementProfiles(ctx, d.ID, &recipientID, prisonerID); err != nil {
		return fmt.Errorf("link disbursement profiles: %w", err)
	}
	d.RecipientProfileID = &recipientID
	if prisonerID != nil {
		d.PrisonerProfileID = prisonerID
	}
	if err := r.profiles.LinkPrisonerRecipient(ctx, *d.PrisonerProfileID, recipientID); err != nil {
		return fmt.Errorf("link prisoner and recipient: %w", err)
	}
	r.logger.Debug("linked disbursement profiles",
		zap.String("disbursement_id", d.ID.String()),
		zap.String("recipient_profile_id", recipientID.String()),
		zap.String("prisoner_profile_id", d.PrisonerProfileID.String()),
	)
	return nil
}
