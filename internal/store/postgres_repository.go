/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface: the
 * shared plumbing (transactions, error mapping, outbox enqueueing) and the credit and
 * disbursement loaders. The other postgres_*.go files hold one concern each.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolationCode = "23505"

// dbtx is satisfied by both the pool and an open transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db            *pgxpool.Pool
	eventExchange string
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new instance of PostgresRepository. Domain events are
// written to the outbox addressed to eventExchange.
func NewPostgresRepository(db *pgxpool.Pool, eventExchange string) *PostgresRepository {
	return &PostgresRepository{db: db, eventExchange: eventExchange}
}

// ApplySchema creates any missing tables and indexes.
func (r *PostgresRepository) ApplySchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// enqueueEventTx writes a domain event to the outbox inside the caller's transaction.
func (r *PostgresRepository) enqueueEventTx(ctx context.Context, tx pgx.Tx, event domain.Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	blob, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(r.eventExchange), strings.TrimSpace(string(event.Type)), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

const creditColumns = `
	c.id, c.amount, c.received_at, c.prisoner_number, c.prisoner_dob, c.prisoner_name, c.prison_id,
	c.resolution, c.reconciled, c.reviewed, c.blocked, c.owner_id, c.nomis_transaction_id,
	c.sender_profile_id, c.prisoner_profile_id,
	c.is_counted_in_sender_profile_total, c.is_counted_in_prisoner_profile_total,
	c.created_at, c.updated_at,
	p.status, p.email, p.cardholder_name, p.card_number_first_digits, p.card_number_last_digits,
	p.card_expiry_date, p.billing_line1, p.billing_line2, p.billing_city, p.billing_postcode,
	p.billing_country, p.recipient_name, p.ip_address,
	t.sender_name, t.sender_sort_code, t.sender_account_number, t.sender_roll_number,
	t.reference, t.reference_in_sender_field, t.incomplete_sender_info
`

const creditFrom = `
	FROM credits c
	LEFT JOIN payments p ON p.credit_id = c.id
	LEFT JOIN bank_transfers t ON t.credit_id = c.id
`

func scanCredit(row pgx.Row) (*domain.Credit, error) {
	var (
		c          domain.Credit
		resolution string

		paymentStatus, email, cardholder, firstDigits, lastDigits, expiry *string
		line1, line2, city, postcode, country, recipientName, ip         *string

		senderName, sortCode, accountNumber, rollNumber, reference *string
		refInSender, incomplete                                      *bool
	)
	err := row.Scan(
		&c.ID, &c.Amount, &c.ReceivedAt, &c.PrisonerNumber, &c.PrisonerDOB, &c.PrisonerName, &c.PrisonID,
		&resolution, &c.Reconciled, &c.Reviewed, &c.Blocked, &c.OwnerID, &c.NomisTransactionID,
		&c.SenderProfileID, &c.PrisonerProfileID,
		&c.IsCountedInSenderProfileTotal, &c.IsCountedInPrisonerProfileTotal,
		&c.Created, &c.Modified,
		&paymentStatus, &email, &cardholder, &firstDigits, &lastDigits,
		&expiry, &line1, &line2, &city, &postcode,
		&country, &recipientName, &ip,
		&senderName, &sortCode, &accountNumber, &rollNumber,
		&reference, &refInSender, &incomplete,
	)
	if err != nil {
		return nil, err
	}
	c.Resolution = domain.CreditResolution(resolution)

	if paymentStatus != nil {
		c.Payment = &domain.Payment{
			Status:                domain.PaymentStatus(*paymentStatus),
			Email:                 deref(email),
			CardholderName:        deref(cardholder),
			CardNumberFirstDigits: deref(firstDigits),
			CardNumberLastDigits:  deref(lastDigits),
			CardExpiryDate:        deref(expiry),
			RecipientName:         deref(recipientName),
			IPAddress:             deref(ip),
		}
		if deref(line1) != "" || deref(postcode) != "" {
			c.Payment.BillingAddress = &domain.BillingAddress{
				Line1:    deref(line1),
				Line2:    deref(line2),
				City:     deref(city),
				Postcode: deref(postcode),
				Country:  deref(country),
			}
		}
	}
	if senderName != nil {
		c.Transaction = &domain.BankTransfer{
			SenderName:             deref(senderName),
			SenderSortCode:         deref(sortCode),
			SenderAccountNumber:    deref(accountNumber),
			SenderRollNumber:       deref(rollNumber),
			Reference:              deref(reference),
			ReferenceInSenderField: refInSender != nil && *refInSender,
			IncompleteSenderInfo:   incomplete != nil && *incomplete,
		}
	}
	return &c, nil
}

// GetCredit loads a credit with its payment or bank transfer details.
func (r *PostgresRepository) GetCredit(ctx context.Context, id uuid.UUID) (*domain.Credit, error) {
	credit, err := scanCredit(r.db.QueryRow(ctx, `SELECT `+creditColumns+creditFrom+` WHERE c.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCreditNotFound
		}
		return nil, err
	}
	return credit, nil
}

// ListCredits loads the given credits. Unknown ids are skipped.
func (r *PostgresRepository) ListCredits(ctx context.Context, ids []uuid.UUID) ([]domain.Credit, error) {
	return listCredits(ctx, r.db, ids, false)
}

func listCredits(ctx context.Context, q dbtx, ids []uuid.UUID, forUpdate bool) ([]domain.Credit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + creditColumns + creditFrom + ` WHERE c.id = ANY($1) ORDER BY c.id`
	if forUpdate {
		query += ` FOR UPDATE OF c`
	}
	rows, err := q.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	credits := make([]domain.Credit, 0, len(ids))
	for rows.Next() {
		credit, err := scanCredit(rows)
		if err != nil {
			return nil, err
		}
		credits = append(credits, *credit)
	}
	return credits, rows.Err()
}

const disbursementColumns = `
	id, amount, prisoner_number, prisoner_name, prison_id, resolution, method,
	recipient_first_name, recipient_last_name, recipient_email, postcode,
	sort_code, account_number, roll_number, nomis_transaction_id,
	recipient_profile_id, prisoner_profile_id,
	is_counted_in_recipient_profile_total, is_counted_in_prisoner_profile_total,
	created_at, updated_at
`

func scanDisbursement(row pgx.Row) (*domain.Disbursement, error) {
	var (
		d                  domain.Disbursement
		resolution, method string
	)
	err := row.Scan(
		&d.ID, &d.Amount, &d.PrisonerNumber, &d.PrisonerName, &d.PrisonID, &resolution, &method,
		&d.RecipientFirstName, &d.RecipientLastName, &d.RecipientEmail, &d.Postcode,
		&d.SortCode, &d.AccountNumber, &d.RollNumber, &d.NomisTransactionID,
		&d.RecipientProfileID, &d.PrisonerProfileID,
		&d.IsCountedInRecipientProfileTotal, &d.IsCountedInPrisonerProfileTotal,
		&d.Created, &d.Modified,
	)
	if err != nil {
		return nil, err
	}
	d.Resolution = domain.DisbursementResolution(resolution)
	d.Method = domain.DisbursementMethod(method)
	return &d, nil
}

// GetDisbursement loads one disbursement.
func (r *PostgresRepository) GetDisbursement(ctx context.Context, id uuid.UUID) (*domain.Disbursement, error) {
	d, err := scanDisbursement(r.db.QueryRow(ctx, `SELECT `+disbursementColumns+` FROM disbursements WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDisbursementNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListDisbursements loads the given disbursements. Unknown ids are skipped.
func (r *PostgresRepository) ListDisbursements(ctx context.Context, ids []uuid.UUID) ([]domain.Disbursement, error) {
	return listDisbursements(ctx, r.db, ids, false)
}

func listDisbursements(ctx context.Context, q dbtx, ids []uuid.UUID, forUpdate bool) ([]domain.Disbursement, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + disbursementColumns + ` FROM disbursements WHERE id = ANY($1) ORDER BY id`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Disbursement, 0, len(ids))
	for rows.Next() {
		d, err := scanDisbursement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
