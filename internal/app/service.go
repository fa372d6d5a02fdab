/**
 * @description
 * This file contains the core business logic for the donor-service: the
 * donor record update operations (edit with field-level address merge and
 * payment cascades, note append, confirmed delete, user disconnect, and
 * email set management). The Service validates first, accumulating every
 * problem before any write, then mutates through the Repository and fires
 * the pre/post extension hooks around the write.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strconv"
	"strings"

	"github.com/donorops/donor-service/internal/domain"
	"github.com/donorops/donor-service/internal/store"
)

var (
	// ErrWriteFailed marks a repository failure after validation passed on
	// a donor edit. Reported to the caller, never retried.
	ErrWriteFailed = errors.New("donor update failed")
	// ErrDeleteFailed marks a repository failure deleting a donor. Payment
	// references are left untouched when this is returned.
	ErrDeleteFailed = errors.New("donor delete failed")
	// ErrDisconnectFailed marks a repository failure clearing a donor's
	// linked user. Prior linkage is left untouched.
	ErrDisconnectFailed = errors.New("donor disconnect failed")
)

// Service provides the business logic for donor record management.
type Service struct {
	repo   store.Repository
	hooks  *Hooks
	logger *slog.Logger
}

// NewService creates a new donor service.
func NewService(repo store.Repository, hooks *Hooks, logger *slog.Logger) *Service {
	if hooks == nil {
		hooks = NewHooks()
	}
	return &Service{repo: repo, hooks: hooks, logger: logger}
}

// EditDonorInput is the partial field-update payload of a donor edit.
// Name and UserID always carry values (the transport layer defaults them to
// "" and 0); address fields are only applied when supplied.
type EditDonorInput struct {
	Name    string
	UserID  int64
	Address AddressPatch
}

// EditDonorResult reports a successful (or partially successful) edit.
type EditDonorResult struct {
	Name   string          `json:"name"`
	UserID int64           `json:"user_id"`
	// Address is the merged address stored against the linked account, nil
	// when the donor ended up unlinked.
	Address *domain.Address `json:"address,omitempty"`
	// CascadeErr is non-nil when the donor write succeeded but a cascade
	// (address save, payment reassignment) failed. Callers should report
	// this as partial success, not full success.
	CascadeErr error `json:"-"`
}

// Partial reports whether a cascade failed after the primary write.
func (r *EditDonorResult) Partial() bool {
	return r.CascadeErr != nil
}

// EditDonor applies a partial field update to a donor record.
//
// Validation accumulates every problem before aborting: a changed, nonzero
// user id must not be linked to a different donor and must reference a real
// user account. On success the merged address is stored against the linked
// account, and when the link changed, the owning user of every payment the
// donor holds is reassigned to the new account.
func (s *Service) EditDonor(ctx context.Context, donorID int64, input EditDonorInput) (*EditDonorResult, error) {
	donor, err := s.repo.GetDonorByID(ctx, donorID)
	if err != nil {
		return nil, err
	}

	var fieldErrs []domain.FieldError
	if input.UserID != donor.UserID && input.UserID != 0 {
		other, err := s.repo.GetDonorByUserID(ctx, input.UserID)
		if err != nil && !errors.Is(err, domain.ErrDonorNotFound) {
			return nil, fmt.Errorf("check linked donor: %w", err)
		}
		if other != nil && other.ID != donorID {
			fieldErrs = append(fieldErrs, domain.FieldError{
				Field:   "user_id",
				Code:    "duplicate-link",
				Message: fmt.Sprintf("user #%d is already associated with a different donor", input.UserID),
			})
		}
		exists, err := s.repo.UserExists(ctx, input.UserID)
		if err != nil {
			return nil, fmt.Errorf("check user exists: %w", err)
		}
		if !exists {
			fieldErrs = append(fieldErrs, domain.FieldError{
				Field:   "user_id",
				Code:    "invalid-account",
				Message: fmt.Sprintf("user #%d does not exist", input.UserID),
			})
		}
	}
	if len(fieldErrs) > 0 {
		return nil, domain.NewValidationError(fieldErrs...)
	}

	// Merge the address only when the donor ends up linked. The stored
	// record belongs to the account, so partial patches must never blank
	// out fields the caller didn't touch.
	var merged *domain.Address
	if input.UserID > 0 {
		existing, err := s.repo.GetAddress(ctx, input.UserID)
		if err != nil && !errors.Is(err, store.ErrAddressNotFound) {
			return nil, fmt.Errorf("load stored address: %w", err)
		}
		m := MergeAddress(input.Address, existing)
		merged = &m
	}

	name := sanitizeText(input.Name)
	fields := map[string]string{
		"name":    name,
		"user_id": strconv.FormatInt(input.UserID, 10),
	}

	s.hooks.Fire(ctx, domain.EventDonorPreEdit, donorID, fields, merged)

	writeErr := s.repo.UpdateDonor(ctx, donorID, name, input.UserID)

	result := &EditDonorResult{Name: name, UserID: input.UserID, Address: merged}
	if writeErr == nil {
		var cascadeErrs []error
		if input.UserID > 0 && merged != nil {
			if err := s.repo.SaveAddress(ctx, input.UserID, *merged); err != nil {
				s.logger.Warn("address cascade failed", "donor_id", donorID, "user_id", input.UserID, "error", err)
				cascadeErrs = append(cascadeErrs, fmt.Errorf("save address: %w", err))
			}
		}
		if input.UserID != donor.UserID {
			if err := s.repo.ReassignPaymentsUser(ctx, donor.PaymentIDs, input.UserID); err != nil {
				s.logger.Warn("payment cascade failed", "donor_id", donorID, "user_id", input.UserID, "error", err)
				cascadeErrs = append(cascadeErrs, fmt.Errorf("reassign payments: %w", err))
			}
		}
		result.CascadeErr = errors.Join(cascadeErrs...)
	}

	// The post hook fires even when the write failed, preserving the
	// extensibility contract.
	s.hooks.Fire(ctx, domain.EventDonorPostEdit, donorID, fields, merged)

	if writeErr != nil {
		if errors.Is(writeErr, domain.ErrUserLinked) {
			// Lost the race on the linked-user constraint; same outcome
			// as the pre-check.
			return nil, domain.NewValidationError(domain.FieldError{
				Field:   "user_id",
				Code:    "duplicate-link",
				Message: fmt.Sprintf("user #%d is already associated with a different donor", input.UserID),
			})
		}
		if errors.Is(writeErr, domain.ErrDonorNotFound) {
			return nil, writeErr
		}
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, writeErr)
	}
	return result, nil
}

// AddNote appends a timestamped note to the donor's log and returns the
// stored note. Blank text is rejected before anything is written.
func (s *Service) AddNote(ctx context.Context, donorID int64, text string) (*domain.DonorNote, error) {
	content := strings.TrimSpace(sanitizeText(text))
	if content == "" {
		return nil, domain.NewValidationError(domain.FieldError{
			Field:   "note",
			Code:    "empty-note",
			Message: "a note is required",
		})
	}
	if _, err := s.repo.GetDonorByID(ctx, donorID); err != nil {
		return nil, err
	}

	s.hooks.Fire(ctx, domain.EventNotePreInsert, donorID, map[string]string{"note": content}, nil)

	note, err := s.repo.AddNote(ctx, donorID, content)
	if err != nil {
		return nil, fmt.Errorf("add note: %w", err)
	}
	return note, nil
}

// DeleteDonor removes a donor record. Deletion is never implicit: confirmed
// must be true. When purgeRecords is set every payment the donor owned is
// deleted with it; otherwise the payments survive with their owning donor
// cleared. On delete failure the payments are left untouched.
func (s *Service) DeleteDonor(ctx context.Context, donorID int64, confirmed, purgeRecords bool) error {
	if donorID <= 0 {
		return domain.ErrDonorNotFound
	}
	if !confirmed {
		return domain.NewValidationError(domain.FieldError{
			Field:   "confirm",
			Code:    "delete-no-confirm",
			Message: "please confirm you want to delete this donor",
		})
	}

	donor, err := s.repo.GetDonorByID(ctx, donorID)
	if err != nil {
		return err
	}

	s.hooks.Fire(ctx, domain.EventDonorPreDelete, donorID, map[string]string{
		"purge_records": strconv.FormatBool(purgeRecords),
	}, nil)

	if err := s.repo.DeleteDonor(ctx, donorID); err != nil {
		if errors.Is(err, domain.ErrDonorNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}

	if purgeRecords {
		if err := s.repo.DeletePayments(ctx, donor.PaymentIDs); err != nil {
			s.logger.Warn("payment purge cascade failed", "donor_id", donorID, "error", err)
		}
	} else {
		if err := s.repo.DetachPaymentsFromDonor(ctx, donor.PaymentIDs); err != nil {
			s.logger.Warn("payment detach cascade failed", "donor_id", donorID, "error", err)
		}
	}
	return nil
}

// DisconnectUser clears the donor's linked user account. On success the
// owning user of every payment the donor holds is cleared as well, but only
// when the donor actually had payments.
func (s *Service) DisconnectUser(ctx context.Context, donorID int64) error {
	donor, err := s.repo.GetDonorByID(ctx, donorID)
	if err != nil {
		return err
	}

	s.hooks.Fire(ctx, domain.EventDonorPreDisconnect, donorID, map[string]string{
		"user_id": strconv.FormatInt(donor.UserID, 10),
	}, nil)

	disconnectErr := s.repo.UpdateDonor(ctx, donorID, donor.Name, 0)
	if disconnectErr == nil && len(donor.PaymentIDs) > 0 {
		if err := s.repo.ReassignPaymentsUser(ctx, donor.PaymentIDs, 0); err != nil {
			s.logger.Warn("payment disconnect cascade failed", "donor_id", donorID, "error", err)
		}
	}

	s.hooks.Fire(ctx, domain.EventDonorPostDisconnect, donorID, nil, nil)

	if disconnectErr != nil {
		return fmt.Errorf("%w: %v", ErrDisconnectFailed, disconnectErr)
	}
	return nil
}

// AddEmail appends an address to the donor's email set, optionally promoting
// it to primary, and records audit notes attributed to the acting admin. Once
// the donor is known to exist the post hook fires for failed outcomes too, so
// listeners observe rejected attempts as well as successful ones.
func (s *Service) AddEmail(ctx context.Context, donorID int64, email string, makePrimary bool, actor string) error {
	email = strings.TrimSpace(email)
	if !validEmail(email) {
		return domain.ErrInvalidEmail
	}

	donor, err := s.repo.GetDonorByID(ctx, donorID)
	if err != nil {
		return err
	}

	addErr := func() error {
		if donor.HasEmail(email) {
			return domain.ErrEmailExists
		}
		other, err := s.repo.GetDonorByEmail(ctx, email)
		if err != nil && !errors.Is(err, domain.ErrDonorNotFound) {
			return fmt.Errorf("check email owner: %w", err)
		}
		if other != nil && other.ID != donorID {
			return domain.ErrEmailTaken
		}
		return s.repo.AddEmail(ctx, donorID, email, makePrimary)
	}()

	if addErr == nil {
		actor = actorOrSystem(actor)
		s.auditNote(ctx, donorID, fmt.Sprintf("Email address %s added by %s", email, actor))
		if makePrimary {
			s.auditNote(ctx, donorID, fmt.Sprintf("Email address %s set as primary by %s", email, actor))
		}
	}

	s.hooks.Fire(ctx, domain.EventDonorPostAddEmail, donorID, map[string]string{
		"email":   email,
		"primary": strconv.FormatBool(makePrimary),
	}, nil)
	return addErr
}

// RemoveEmail removes an address from the donor's email set and records an
// audit note. Removing the primary promotes the oldest remaining address.
func (s *Service) RemoveEmail(ctx context.Context, donorID int64, email string, actor string) error {
	email = strings.TrimSpace(email)
	if !validEmail(email) {
		return domain.ErrInvalidEmail
	}
	if _, err := s.repo.GetDonorByID(ctx, donorID); err != nil {
		return err
	}

	promoted, err := s.repo.RemoveEmail(ctx, donorID, email)
	if err != nil {
		return err
	}

	actor = actorOrSystem(actor)
	s.auditNote(ctx, donorID, fmt.Sprintf("Email address %s removed by %s", email, actor))
	if promoted != "" {
		s.auditNote(ctx, donorID, fmt.Sprintf("Email address %s set as primary by %s", promoted, actor))
	}
	return nil
}

// SetPrimaryEmail marks an existing address as the donor's primary and
// records an audit note.
func (s *Service) SetPrimaryEmail(ctx context.Context, donorID int64, email string, actor string) error {
	email = strings.TrimSpace(email)
	if !validEmail(email) {
		return domain.ErrInvalidEmail
	}
	if _, err := s.repo.GetDonorByID(ctx, donorID); err != nil {
		return err
	}

	if err := s.repo.SetPrimaryEmail(ctx, donorID, email); err != nil {
		return err
	}
	s.auditNote(ctx, donorID, fmt.Sprintf("Email address %s set as primary by %s", email, actorOrSystem(actor)))
	return nil
}

// GetDonor loads the donor aggregate for display.
func (s *Service) GetDonor(ctx context.Context, donorID int64) (*domain.Donor, error) {
	return s.repo.GetDonorByID(ctx, donorID)
}

// ListNotes returns the donor's note log, oldest first.
func (s *Service) ListNotes(ctx context.Context, donorID int64, limit int) ([]domain.DonorNote, error) {
	if _, err := s.repo.GetDonorByID(ctx, donorID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListNotes(ctx, donorID, limit)
}

// auditNote appends a system note; audit notes never fail the operation that
// triggered them.
func (s *Service) auditNote(ctx context.Context, donorID int64, content string) {
	if _, err := s.repo.AddNote(ctx, donorID, content); err != nil {
		s.logger.Warn("audit note failed", "donor_id", donorID, "error", err)
	}
}

func actorOrSystem(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return "System"
	}
	return actor
}

func validEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	// ParseAddress accepts display-name forms; only the bare address is valid input here.
	return err == nil && addr.Address == email
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// sanitizeText strips markup and control characters from free-text input.
func sanitizeText(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r >= ' ' {
			return r
		}
		return -1
	}, s)
	return strings.TrimSpace(s)
}
