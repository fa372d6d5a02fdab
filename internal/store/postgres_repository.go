/**
 * @description
 * This file is the concrete PostgreSQL implementation of the Repository
 * interface. It owns every SQL statement in the service, including the
 * transactional email-set operations that maintain the single-primary
 * invariant and the unique-violation mapping that closes the
 * check-then-write races on linked user ids and email addresses.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pooling.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/donorops/donor-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetDonorByID loads the full donor aggregate: profile, email set and the
// legacy comma-joined payment id list.
func (r *PostgresRepository) GetDonorByID(ctx context.Context, id int64) (*domain.Donor, error) {
	return r.getDonor(ctx, "id = $1", id)
}

// GetDonorByUserID resolves the donor linked to a user account.
func (r *PostgresRepository) GetDonorByUserID(ctx context.Context, userID int64) (*domain.Donor, error) {
	return r.getDonor(ctx, "user_id = $1 AND user_id <> 0", userID)
}

// GetDonorByEmail resolves the donor holding an email address, primary or not.
func (r *PostgresRepository) GetDonorByEmail(ctx context.Context, email string) (*domain.Donor, error) {
	var donorID int64
	err := r.db.QueryRow(ctx,
		"SELECT donor_id FROM donor_emails WHERE lower(email) = lower($1)", email).Scan(&donorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDonorNotFound
		}
		return nil, fmt.Errorf("lookup donor by email: %w", err)
	}
	return r.GetDonorByID(ctx, donorID)
}

func (r *PostgresRepository) getDonor(ctx context.Context, where string, arg any) (*domain.Donor, error) {
	var donor domain.Donor
	var paymentIDs string
	query := fmt.Sprintf(`
        SELECT id, name, user_id, payment_ids, created_at
        FROM donors
        WHERE %s
    `, where)
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&donor.ID,
		&donor.Name,
		&donor.UserID,
		&paymentIDs,
		&donor.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDonorNotFound
		}
		return nil, fmt.Errorf("load donor: %w", err)
	}
	donor.PaymentIDs = splitPaymentIDs(paymentIDs)

	rows, err := r.db.Query(ctx, `
        SELECT email, is_primary, position
        FROM donor_emails
        WHERE donor_id = $1
        ORDER BY position ASC
    `, donor.ID)
	if err != nil {
		return nil, fmt.Errorf("load donor emails: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.DonorEmail
		if err := rows.Scan(&e.Address, &e.Primary, &e.Position); err != nil {
			return nil, fmt.Errorf("scan donor email: %w", err)
		}
		donor.Emails = append(donor.Emails, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &donor, nil
}

// UpdateDonor persists the donor's name and linked user id. The partial
// unique index on donors(user_id) rejects a concurrent link of the same
// user to another donor; that violation maps to domain.ErrUserLinked.
func (r *PostgresRepository) UpdateDonor(ctx context.Context, id int64, name string, userID int64) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE donors SET name = $2, user_id = $3 WHERE id = $1
    `, id, name, userID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrUserLinked
		}
		return fmt.Errorf("update donor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDonorNotFound
	}
	return nil
}

// DeleteDonor removes the donor row. Emails and notes go with it via
// ON DELETE CASCADE; payments are handled separately by the caller.
func (r *PostgresRepository) DeleteDonor(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM donors WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete donor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDonorNotFound
	}
	return nil
}

// UserExists reports whether a user account exists.
func (r *PostgresRepository) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)", userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user exists: %w", err)
	}
	return exists, nil
}

// GetAddress loads the stored address for a user account.
func (r *PostgresRepository) GetAddress(ctx context.Context, userID int64) (*domain.Address, error) {
	var addr domain.Address
	err := r.db.QueryRow(ctx, `
        SELECT line1, line2, city, state, zip, country
        FROM user_addresses
        WHERE user_id = $1
    `, userID).Scan(&addr.Line1, &addr.Line2, &addr.City, &addr.State, &addr.Zip, &addr.Country)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAddressNotFound
		}
		return nil, fmt.Errorf("load address: %w", err)
	}
	return &addr, nil
}

// SaveAddress upserts the address stored against a user account.
func (r *PostgresRepository) SaveAddress(ctx context.Context, userID int64, addr domain.Address) error {
	_, err := r.db.Exec(ctx, `
        INSERT INTO user_addresses (user_id, line1, line2, city, state, zip, country)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (user_id) DO UPDATE SET
            line1 = EXCLUDED.line1,
            line2 = EXCLUDED.line2,
            city = EXCLUDED.city,
            state = EXCLUDED.state,
            zip = EXCLUDED.zip,
            country = EXCLUDED.country
    `, userID, addr.Line1, addr.Line2, addr.City, addr.State, addr.Zip, addr.Country)
	if err != nil {
		return fmt.Errorf("save address: %w", err)
	}
	return nil
}

// AddNote appends a note to the donor's log and returns the stored row.
func (r *PostgresRepository) AddNote(ctx context.Context, donorID int64, content string) (*domain.DonorNote, error) {
	var note domain.DonorNote
	err := r.db.QueryRow(ctx, `
        INSERT INTO donor_notes (donor_id, content)
        VALUES ($1, $2)
        RETURNING id, donor_id, content, created_at
    `, donorID, content).Scan(&note.ID, &note.DonorID, &note.Content, &note.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert note: %w", err)
	}
	return &note, nil
}

// ListNotes returns the donor's notes, oldest first.
func (r *PostgresRepository) ListNotes(ctx context.Context, donorID int64, limit int) ([]domain.DonorNote, error) {
	rows, err := r.db.Query(ctx, `
        SELECT id, donor_id, content, created_at
        FROM donor_notes
        WHERE donor_id = $1
        ORDER BY created_at ASC, id ASC
        LIMIT $2
    `, donorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()
	var notes []domain.DonorNote
	for rows.Next() {
		var n domain.DonorNote
		if err := rows.Scan(&n.ID, &n.DonorID, &n.Content, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// AddEmail appends an address to the donor's email set. When primary is
// true, or when the set was empty, the new address becomes the primary and
// any previous primary is demoted inside the same transaction. The unique
// index on donor_emails(email) turns a concurrent insert of the same
// address into domain.ErrEmailTaken.
func (r *PostgresRepository) AddEmail(ctx context.Context, donorID int64, email string, primary bool) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin add email: %w", err)
	}
	defer tx.Rollback(ctx)

	var count int
	if err := tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM donor_emails WHERE donor_id = $1", donorID).Scan(&count); err != nil {
		return fmt.Errorf("count donor emails: %w", err)
	}
	makePrimary := primary || count == 0

	if makePrimary {
		if _, err := tx.Exec(ctx,
			"UPDATE donor_emails SET is_primary = FALSE WHERE donor_id = $1", donorID); err != nil {
			return fmt.Errorf("demote primary email: %w", err)
		}
	}
	_, err = tx.Exec(ctx, `
        INSERT INTO donor_emails (donor_id, email, is_primary, position)
        VALUES ($1, lower($2), $3,
            COALESCE((SELECT MAX(position) + 1 FROM donor_emails WHERE donor_id = $1), 0))
    `, donorID, email, makePrimary)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrEmailTaken
		}
		return fmt.Errorf("insert donor email: %w", err)
	}
	return tx.Commit(ctx)
}

// RemoveEmail deletes an address from the donor's email set. When the
// removed address was the primary, the oldest remaining address (lowest
// position) is promoted in the same transaction so the single-primary
// invariant holds. Returns the promoted address, or "" when nothing was
// promoted.
func (r *PostgresRepository) RemoveEmail(ctx context.Context, donorID int64, email string) (string, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin remove email: %w", err)
	}
	defer tx.Rollback(ctx)

	var wasPrimary bool
	err = tx.QueryRow(ctx, `
        DELETE FROM donor_emails
        WHERE donor_id = $1 AND lower(email) = lower($2)
        RETURNING is_primary
    `, donorID, email).Scan(&wasPrimary)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrEmailNotFound
		}
		return "", fmt.Errorf("delete donor email: %w", err)
	}

	promoted := ""
	if wasPrimary {
		err = tx.QueryRow(ctx, `
            UPDATE donor_emails SET is_primary = TRUE
            WHERE donor_id = $1 AND position = (
                SELECT MIN(position) FROM donor_emails WHERE donor_id = $1
            )
            RETURNING email
        `, donorID).Scan(&promoted)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("promote replacement primary: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return promoted, nil
}

// SetPrimaryEmail marks an existing address as the donor's primary and
// demotes every other address in the same transaction.
func (r *PostgresRepository) SetPrimaryEmail(ctx context.Context, donorID int64, email string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin set primary email: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
        UPDATE donor_emails SET is_primary = TRUE
        WHERE donor_id = $1 AND lower(email) = lower($2)
    `, donorID, email)
	if err != nil {
		return fmt.Errorf("promote primary email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEmailNotFound
	}
	if _, err := tx.Exec(ctx, `
        UPDATE donor_emails SET is_primary = FALSE
        WHERE donor_id = $1 AND lower(email) <> lower($2)
    `, donorID, email); err != nil {
		return fmt.Errorf("demote other emails: %w", err)
	}
	return tx.Commit(ctx)
}

// ReassignPaymentsUser points the owning user field of the given payments at
// a new user id. Used when a donor's linked account changes or is cleared.
func (r *PostgresRepository) ReassignPaymentsUser(ctx context.Context, paymentIDs []int64, userID int64) error {
	if len(paymentIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		"UPDATE payments SET user_id = $1 WHERE id = ANY($2)", userID, paymentIDs)
	if err != nil {
		return fmt.Errorf("reassign payments user: %w", err)
	}
	return nil
}

// DetachPaymentsFromDonor clears the owning donor field to 0 on the given
// payments, the soft-detach path of donor deletion.
func (r *PostgresRepository) DetachPaymentsFromDonor(ctx context.Context, paymentIDs []int64) error {
	if len(paymentIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx,
		"UPDATE payments SET donor_id = 0 WHERE id = ANY($1)", paymentIDs)
	if err != nil {
		return fmt.Errorf("detach payments: %w", err)
	}
	return nil
}

// DeletePayments removes the given payment rows outright, the purge path of
// donor deletion.
func (r *PostgresRepository) DeletePayments(ctx context.Context, paymentIDs []int64) error {
	if len(paymentIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, "DELETE FROM payments WHERE id = ANY($1)", paymentIDs)
	if err != nil {
		return fmt.Errorf("delete payments: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// splitPaymentIDs parses the legacy comma-joined payment id column into an
// ordered id list, skipping blanks and anything non-numeric.
func splitPaymentIDs(raw string) []int64 {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
