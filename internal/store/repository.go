/**
 * @description
 * This file defines the `Repository` interface: the contract for every data
 * access operation the donor-service needs. The service layer depends only
 * on this interface, which keeps the business logic independent of the
 * PostgreSQL implementation and easy to exercise with a fake in tests.
 *
 * @dependencies
 * - context: Standard Go library.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/donorops/donor-service/internal/domain"
)

// ErrAddressNotFound is returned by GetAddress when no address has been
// stored for the user id yet. It stays inside the store/service boundary.
var ErrAddressNotFound = errors.New("address not found")

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Donor methods
	GetDonorByID(ctx context.Context, id int64) (*domain.Donor, error)
	// GetDonorByUserID resolves the donor currently linked to a user
	// account, or domain.ErrDonorNotFound when the account is unlinked.
	GetDonorByUserID(ctx context.Context, userID int64) (*domain.Donor, error)
	GetDonorByEmail(ctx context.Context, email string) (*domain.Donor, error)
	// UpdateDonor persists name and linked user id. A race on the linked
	// user uniqueness constraint surfaces as domain.ErrUserLinked.
	UpdateDonor(ctx context.Context, id int64, name string, userID int64) error
	DeleteDonor(ctx context.Context, id int64) error

	// User account methods
	UserExists(ctx context.Context, userID int64) (bool, error)

	// Address methods. Addresses are keyed by user id, not donor id.
	GetAddress(ctx context.Context, userID int64) (*domain.Address, error)
	SaveAddress(ctx context.Context, userID int64, addr domain.Address) error

	// Note methods
	AddNote(ctx context.Context, donorID int64, content string) (*domain.DonorNote, error)
	ListNotes(ctx context.Context, donorID int64, limit int) ([]domain.DonorNote, error)

	// Email set methods. Each runs in a transaction that maintains the
	// single-primary invariant.
	AddEmail(ctx context.Context, donorID int64, email string, primary bool) error
	// RemoveEmail deletes the address; when the removed address was the
	// primary, the oldest remaining address is promoted in the same
	// transaction. Returns the promoted address, or "" when none.
	RemoveEmail(ctx context.Context, donorID int64, email string) (string, error)
	SetPrimaryEmail(ctx context.Context, donorID int64, email string) error

	// Payment cascade methods
	ReassignPaymentsUser(ctx context.Context, paymentIDs []int64, userID int64) error
	DetachPaymentsFromDonor(ctx context.Context, paymentIDs []int64) error
	DeletePayments(ctx context.Context, paymentIDs []int64) error
}
