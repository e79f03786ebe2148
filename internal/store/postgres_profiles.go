package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

// Advisory lock keys serialising creation of the sentinel and prisoner profiles.
const (
	anonymousSenderLockKey = "security.anonymous_sender"
	chequeRecipientLockKey = "security.cheque_recipient"
	prisonerLockKeyPrefix  = "security.prisoner_profile:"
)

func (r *PostgresRepository) FindSenderByBankTransfer(ctx context.Context, senderName string, account domain.BankAccountIdentity) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, `
		SELECT d.sender_profile_id
		FROM bank_transfer_sender_details d
		JOIN bank_accounts a ON a.id = d.sender_bank_account_id
		WHERE d.sender_name = $1 AND a.sort_code = $2 AND a.account_number = $3 AND a.roll_number = $4
	`, senderName, account.SortCode, account.AccountNumber, account.RollNumber).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrProfileNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}

// CreateBankTransferSender creates a sender profile owning one bank transfer identity.
// ErrDuplicateIdentity is returned when a concurrent resolver created it first.
func (r *PostgresRepository) CreateBankTransferSender(ctx context.Context, senderName string, account domain.BankAccountIdentity) (uuid.UUID, error) {
	profileID := uuid.New()
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		accountID, err := getOrCreateBankAccountTx(ctx, tx, account)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO sender_profiles (id) VALUES ($1)`, profileID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO bank_transfer_sender_details (id, sender_profile_id, sender_name, sender_bank_account_id)
			VALUES ($1, $2, $3, $4)
		`, uuid.New(), profileID, senderName, accountID)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, ErrDuplicateIdentity
		}
		return uuid.Nil, fmt.Errorf("create bank transfer sender: %w", err)
	}
	return profileID, nil
}

func (r *PostgresRepository) FindSenderByDebitCard(ctx context.Context, card domain.DebitCardIdentity) (DebitCardMatch, error) {
	var match DebitCardMatch
	err := r.db.QueryRow(ctx, `
		SELECT sender_profile_id, id
		FROM debit_card_sender_details
		WHERE card_number_last_digits = $1 AND card_expiry_date = $2 AND postcode = $3
	`, card.CardNumberLastDigits, card.CardExpiryDate, card.Postcode).Scan(&match.SenderProfileID, &match.DetailsID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DebitCardMatch{}, ErrProfileNotFound
		}
		return DebitCardMatch{}, err
	}
	return match, nil
}

// CreateDebitCardSender creates a sender profile owning one debit card identity.
func (r *PostgresRepository) CreateDebitCardSender(ctx context.Context, card domain.DebitCardIdentity) (DebitCardMatch, error) {
	match := DebitCardMatch{SenderProfileID: uuid.New(), DetailsID: uuid.New()}
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO sender_profiles (id) VALUES ($1)`, match.SenderProfileID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO debit_card_sender_details (id, sender_profile_id, card_number_last_digits, card_expiry_date, postcode)
			VALUES ($1, $2, $3, $4, $5)
		`, match.DetailsID, match.SenderProfileID, card.CardNumberLastDigits, card.CardExpiryDate, card.Postcode)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return DebitCardMatch{}, ErrDuplicateIdentity
		}
		return DebitCardMatch{}, fmt.Errorf("create debit card sender: %w", err)
	}
	return match, nil
}

func (r *PostgresRepository) AddCardholderName(ctx context.Context, detailsID uuid.UUID, name string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO cardholder_names (debit_card_sender_details_id, name) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, detailsID, name)
	return err
}

func (r *PostgresRepository) AddSenderEmail(ctx context.Context, detailsID uuid.UUID, email string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sender_emails (debit_card_sender_details_id, email) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, detailsID, email)
	return err
}

// GetOrCreateAnonymousSender returns the single sender profile with no identity details.
func (r *PostgresRepository) GetOrCreateAnonymousSender(ctx context.Context) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, anonymousSenderLockKey); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `
			SELECT sp.id FROM sender_profiles sp
			WHERE NOT EXISTS (SELECT 1 FROM bank_transfer_sender_details b WHERE b.sender_profile_id = sp.id)
			  AND NOT EXISTS (SELECT 1 FROM debit_card_sender_details d WHERE d.sender_profile_id = sp.id)
			ORDER BY sp.created_at
			LIMIT 1
		`).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		id = uuid.New()
		_, err = tx.Exec(ctx, `INSERT INTO sender_profiles (id) VALUES ($1)`, id)
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("anonymous sender: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) AddSenderPrison(ctx context.Context, senderID uuid.UUID, prisonID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sender_profile_prisons (sender_profile_id, prison_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, senderID, prisonID)
	return err
}

func (r *PostgresRepository) SetCreditSenderProfile(ctx context.Context, creditID, senderID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE credits SET sender_profile_id = $2, updated_at = NOW() WHERE id = $1`, creditID, senderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCreditNotFound
	}
	return nil
}

// prisonerCandidate is an existing profile for a prisoner number.
type prisonerCandidate struct {
	ID   uuid.UUID
	DOB  *time.Time
	Name string
}

// choosePrisonerProfile picks the profile a (number, dob) pair resolves to among the profiles
// for that number, oldest first. A profile with the same date of birth wins; otherwise a
// profile with no date of birth is reused and backfilled. Without a date of birth the oldest
// profile matches.
func choosePrisonerProfile(candidates []prisonerCandidate, dob *time.Time) (chosen prisonerCandidate, backfillDOB, found bool) {
	if len(candidates) == 0 {
		return prisonerCandidate{}, false, false
	}
	if dob == nil {
		return candidates[0], false, true
	}
	for _, c := range candidates {
		if c.DOB != nil && sameDate(*c.DOB, *dob) {
			return c, false, true
		}
	}
	for _, c := range candidates {
		if c.DOB == nil {
			return c, true, true
		}
	}
	return prisonerCandidate{}, false, false
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// GetOrCreatePrisonerProfile resolves the profile keyed by prisoner number. A missing date of
// birth or name on the existing profile is filled in from params. Creation is serialised per
// prisoner number so that records with and without a date of birth cannot race into two
// profiles.
func (r *PostgresRepository) GetOrCreatePrisonerProfile(ctx context.Context, params PrisonerProfileParams) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, prisonerLockKeyPrefix+params.PrisonerNumber); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			SELECT id, prisoner_dob, prisoner_name FROM prisoner_profiles
			WHERE prisoner_number = $1
			ORDER BY created_at, id
			FOR UPDATE
		`, params.PrisonerNumber)
		if err != nil {
			return err
		}
		candidates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (prisonerCandidate, error) {
			var c prisonerCandidate
			err := row.Scan(&c.ID, &c.DOB, &c.Name)
			return c, err
		})
		if err != nil {
			return err
		}

		chosen, backfillDOB, found := choosePrisonerProfile(candidates, params.PrisonerDOB)
		if !found {
			id = uuid.New()
			_, err := tx.Exec(ctx, `
				INSERT INTO prisoner_profiles (id, prisoner_number, prisoner_dob, prisoner_name)
				VALUES ($1, $2, $3, $4)
			`, id, params.PrisonerNumber, params.PrisonerDOB, params.PrisonerName)
			return err
		}

		id = chosen.ID
		if !backfillDOB && (chosen.Name != "" || params.PrisonerName == "") {
			return nil
		}
		var dob *time.Time
		if backfillDOB {
			dob = params.PrisonerDOB
		}
		_, err = tx.Exec(ctx, `
			UPDATE prisoner_profiles
			SET prisoner_dob = COALESCE(prisoner_dob, $2),
			    prisoner_name = CASE WHEN prisoner_name = '' THEN $3 ELSE prisoner_name END,
			    updated_at = NOW()
			WHERE id = $1
		`, id, dob, params.PrisonerName)
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("get or create prisoner profile: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) AddProvidedName(ctx context.Context, prisonerID uuid.UUID, name string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO provided_prisoner_names (prisoner_profile_id, name) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, prisonerID, name)
	return err
}

func (r *PostgresRepository) AddPrisonerPrison(ctx context.Context, prisonerID uuid.UUID, prisonID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO prisoner_profile_prisons (prisoner_profile_id, prison_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, prisonerID, prisonID)
	return err
}

func (r *PostgresRepository) SetCreditPrisonerProfile(ctx context.Context, creditID, prisonerID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE credits SET prisoner_profile_id = $2, updated_at = NOW() WHERE id = $1`, creditID, prisonerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCreditNotFound
	}
	return nil
}

func (r *PostgresRepository) LinkPrisonerSender(ctx context.Context, prisonerID, senderID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO prisoner_profile_senders (prisoner_profile_id, sender_profile_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, prisonerID, senderID)
	return err
}

func (r *PostgresRepository) FindRecipientByBankAccount(ctx context.Context, account domain.BankAccountIdentity) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, `
		SELECT d.recipient_profile_id
		FROM bank_transfer_recipient_details d
		JOIN bank_accounts a ON a.id = d.recipient_bank_account_id
		WHERE a.sort_code = $1 AND a.account_number = $2 AND a.roll_number = $3
	`, account.SortCode, account.AccountNumber, account.RollNumber).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrProfileNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}

func (r *PostgresRepository) CreateBankTransferRecipient(ctx context.Context, account domain.BankAccountIdentity) (uuid.UUID, error) {
	profileID := uuid.New()
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		accountID, err := getOrCreateBankAccountTx(ctx, tx, account)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO recipient_profiles (id) VALUES ($1)`, profileID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO bank_transfer_recipient_details (id, recipient_profile_id, recipient_bank_account_id)
			VALUES ($1, $2, $3)
		`, uuid.New(), profileID, accountID)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return uuid.Nil, ErrDuplicateIdentity
		}
		return uuid.Nil, fmt.Errorf("create bank transfer recipient: %w", err)
	}
	return profileID, nil
}

// GetOrCreateChequeRecipient returns the single recipient profile with no bank details.
func (r *PostgresRepository) GetOrCreateChequeRecipient(ctx context.Context) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, chequeRecipientLockKey); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `
			SELECT rp.id FROM recipient_profiles rp
			WHERE NOT EXISTS (SELECT 1 FROM bank_transfer_recipient_details b WHERE b.recipient_profile_id = rp.id)
			ORDER BY rp.created_at
			LIMIT 1
		`).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		id = uuid.New()
		_, err = tx.Exec(ctx, `INSERT INTO recipient_profiles (id) VALUES ($1)`, id)
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("cheque recipient: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) AddRecipientPrison(ctx context.Context, recipientID uuid.UUID, prisonID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO recipient_profile_prisons (recipient_profile_id, prison_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, recipientID, prisonID)
	return err
}

func (r *PostgresRepository) SetDisbursementProfiles(ctx context.Context, disbursementID uuid.UUID, recipientID, prisonerID *uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE disbursements
		SET recipient_profile_id = COALESCE($2, recipient_profile_id),
			prisoner_profile_id = COALESCE($3, prisoner_profile_id),
			updated_at = NOW()
		WHERE id = $1
	`, disbursementID, recipientID, prisonerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDisbursementNotFound
	}
	return nil
}

func (r *PostgresRepository) LinkPrisonerRecipient(ctx context.Context, prisonerID, recipientID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO prisoner_profile_recipients (prisoner_profile_id, recipient_profile_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, prisonerID, recipientID)
	return err
}

func getOrCreateBankAccountTx(ctx context.Context, tx pgx.Tx, account domain.BankAccountIdentity) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO bank_accounts (id, sort_code, account_number, roll_number)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sort_code, account_number, roll_number) DO NOTHING
		RETURNING id
	`, uuid.New(), account.SortCode, account.AccountNumber, account.RollNumber).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, err
	}
	err = tx.QueryRow(ctx, `
		SELECT id FROM bank_accounts WHERE sort_code = $1 AND account_number = $2 AND roll_number = $3
	`, account.SortCode, account.AccountNumber, account.RollNumber).Scan(&id)
	return id, err
}

// GetSenderProfile loads a sender profile with its identities and prisons.
func (r *PostgresRepository) GetSenderProfile(ctx context.Context, id uuid.UUID) (*domain.SenderProfile, error) {
	var p domain.SenderProfile
	err := r.db.QueryRow(ctx, `
		SELECT id, credit_count, credit_total, created_at, updated_at,
			ARRAY(SELECT prison_id FROM sender_profile_prisons WHERE sender_profile_id = sender_profiles.id ORDER BY prison_id)
		FROM sender_profiles WHERE id = $1
	`, id).Scan(&p.ID, &p.CreditCount, &p.CreditTotal, &p.Created, &p.Modified, &p.Prisons)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT d.id, d.sender_name, d.created_at, a.id, a.sort_code, a.account_number, a.roll_number
		FROM bank_transfer_sender_details d
		JOIN bank_accounts a ON a.id = d.sender_bank_account_id
		WHERE d.sender_profile_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		b := domain.BankTransferSenderDetails{SenderProfileID: id}
		if err := rows.Scan(&b.ID, &b.SenderName, &b.Created, &b.SenderBankAccount.ID,
			&b.SenderBankAccount.SortCode, &b.SenderBankAccount.AccountNumber, &b.SenderBankAccount.RollNumber); err != nil {
			rows.Close()
			return nil, err
		}
		p.BankTransferDetails = append(p.BankTransferDetails, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.Query(ctx, `
		SELECT d.id, d.card_number_last_digits, d.card_expiry_date, d.postcode, d.created_at,
			ARRAY(SELECT name FROM cardholder_names WHERE debit_card_sender_details_id = d.id ORDER BY id),
			ARRAY(SELECT email FROM sender_emails WHERE debit_card_sender_details_id = d.id ORDER BY id)
		FROM debit_card_sender_details d
		WHERE d.sender_profile_id = $1
		ORDER BY d.created_at
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		d := domain.DebitCardSenderDetails{SenderProfileID: id}
		if err := rows.Scan(&d.ID, &d.CardNumberLastDigits, &d.CardExpiryDate, &d.Postcode, &d.Created,
			&d.CardholderNames, &d.SenderEmails); err != nil {
			return nil, err
		}
		p.DebitCardDetails = append(p.DebitCardDetails, d)
	}
	return &p, rows.Err()
}

// GetPrisonerProfile loads a prisoner profile with its prisons, provided names and monitors.
func (r *PostgresRepository) GetPrisonerProfile(ctx context.Context, id uuid.UUID) (*domain.PrisonerProfile, error) {
	var p domain.PrisonerProfile
	err := r.db.QueryRow(ctx, `
		SELECT id, prisoner_name, prisoner_number, prisoner_dob, single_offender_id, current_prison_id,
			credit_count, credit_total, disbursement_count, disbursement_total, created_at, updated_at,
			ARRAY(SELECT prison_id FROM prisoner_profile_prisons WHERE prisoner_profile_id = pp.id ORDER BY prison_id),
			ARRAY(SELECT name FROM provided_prisoner_names WHERE prisoner_profile_id = pp.id ORDER BY id),
			ARRAY(SELECT user_id FROM prisoner_profile_monitors WHERE prisoner_profile_id = pp.id)
		FROM prisoner_profiles pp WHERE id = $1
	`, id).Scan(&p.ID, &p.PrisonerName, &p.PrisonerNumber, &p.PrisonerDOB, &p.SingleOffenderID, &p.CurrentPrisonID,
		&p.CreditCount, &p.CreditTotal, &p.DisbursementCount, &p.DisbursementTotal, &p.Created, &p.Modified,
		&p.Prisons, &p.ProvidedNames, &p.MonitoringUserIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetRecipientProfile loads a recipient profile with its bank details and prisons.
func (r *PostgresRepository) GetRecipientProfile(ctx context.Context, id uuid.UUID) (*domain.RecipientProfile, error) {
	var p domain.RecipientProfile
	err := r.db.QueryRow(ctx, `
		SELECT id, disbursement_count, disbursement_total, created_at, updated_at,
			ARRAY(SELECT prison_id FROM recipient_profile_prisons WHERE recipient_profile_id = rp.id ORDER BY prison_id)
		FROM recipient_profiles rp WHERE id = $1
	`, id).Scan(&p.ID, &p.DisbursementCount, &p.DisbursementTotal, &p.Created, &p.Modified, &p.Prisons)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT d.id, d.created_at, a.id, a.sort_code, a.account_number, a.roll_number
		FROM bank_transfer_recipient_details d
		JOIN bank_accounts a ON a.id = d.recipient_bank_account_id
		WHERE d.recipient_profile_id = $1
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		b := domain.BankTransferRecipientDetails{RecipientProfileID: id}
		if err := rows.Scan(&b.ID, &b.Created, &b.RecipientBankAccount.ID, &b.RecipientBankAccount.SortCode,
			&b.RecipientBankAccount.AccountNumber, &b.RecipientBankAccount.RollNumber); err != nil {
			return nil, err
		}
		p.BankTransferDetails = append(p.BankTransferDetails, b)
	}
	return &p, rows.Err()
}
