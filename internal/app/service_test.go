package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donorops/donor-service/internal/domain"
	"github.com/donorops/donor-service/internal/store"
)

// fakeRepo is a hand-rolled in-memory Repository. It records every mutating
// call so tests can assert on cascade behavior.
type fakeRepo struct {
	donors    map[int64]*domain.Donor
	users     map[int64]bool
	addresses map[int64]domain.Address
	notes     []domain.DonorNote

	updateErr  error
	deleteErr  error
	addrErr    error
	paymentErr error

	updates          []updateCall
	deletedDonors    []int64
	savedAddresses   []savedAddress
	reassignedUsers  []reassignCall
	detachedPayments [][]int64
	purgedPayments   [][]int64
	removePromotes   string
}

type updateCall struct {
	id     int64
	name   string
	userID int64
}

type savedAddress struct {
	userID int64
	addr   domain.Address
}

type reassignCall struct {
	paymentIDs []int64
	userID     int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		donors:    map[int64]*domain.Donor{},
		users:     map[int64]bool{},
		addresses: map[int64]domain.Address{},
	}
}

func (f *fakeRepo) GetDonorByID(ctx context.Context, id int64) (*domain.Donor, error) {
	d, ok := f.donors[id]
	if !ok {
		return nil, domain.ErrDonorNotFound
	}
	copied := *d
	return &copied, nil
}

func (f *fakeRepo) GetDonorByUserID(ctx context.Context, userID int64) (*domain.Donor, error) {
	for _, d := range f.donors {
		if d.UserID == userID && userID != 0 {
			copied := *d
			return &copied, nil
		}
	}
	return nil, domain.ErrDonorNotFound
}

func (f *fakeRepo) GetDonorByEmail(ctx context.Context, email string) (*domain.Donor, error) {
	for _, d := range f.donors {
		if d.HasEmail(email) {
			copied := *d
			return &copied, nil
		}
	}
	return nil, domain.ErrDonorNotFound
}

func (f *fakeRepo) UpdateDonor(ctx context.Context, id int64, name string, userID int64) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, updateCall{id: id, name: name, userID: userID})
	if d, ok := f.donors[id]; ok {
		d.Name = name
		d.UserID = userID
	}
	return nil
}

func (f *fakeRepo) DeleteDonor(ctx context.Context, id int64) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletedDonors = append(f.deletedDonors, id)
	delete(f.donors, id)
	return nil
}

func (f *fakeRepo) UserExists(ctx context.Context, userID int64) (bool, error) {
	return f.users[userID], nil
}

func (f *fakeRepo) GetAddress(ctx context.Context, userID int64) (*domain.Address, error) {
	addr, ok := f.addresses[userID]
	if !ok {
		return nil, store.ErrAddressNotFound
	}
	return &addr, nil
}

func (f *fakeRepo) SaveAddress(ctx context.Context, userID int64, addr domain.Address) error {
	if f.addrErr != nil {
		return f.addrErr
	}
	f.savedAddresses = append(f.savedAddresses, savedAddress{userID: userID, addr: addr})
	f.addresses[userID] = addr
	return nil
}

func (f *fakeRepo) AddNote(ctx context.Context, donorID int64, content string) (*domain.DonorNote, error) {
	note := domain.DonorNote{
		ID:        int64(len(f.notes) + 1),
		DonorID:   donorID,
		Content:   content,
		CreatedAt: time.Now(),
	}
	f.notes = append(f.notes, note)
	return &note, nil
}

func (f *fakeRepo) ListNotes(ctx context.Context, donorID int64, limit int) ([]domain.DonorNote, error) {
	var out []domain.DonorNote
	for _, n := range f.notes {
		if n.DonorID == donorID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeRepo) AddEmail(ctx context.Context, donorID int64, email string, primary bool) error {
	d := f.donors[donorID]
	if primary || len(d.Emails) == 0 {
		for i := range d.Emails {
			d.Emails[i].Primary = false
		}
		primary = true
	}
	d.Emails = append(d.Emails, domain.DonorEmail{Address: email, Primary: primary, Position: len(d.Emails)})
	return nil
}

func (f *fakeRepo) RemoveEmail(ctx context.Context, donorID int64, email string) (string, error) {
	d := f.donors[donorID]
	if !d.HasEmail(email) {
		return "", domain.ErrEmailNotFound
	}
	wasPrimary := false
	kept := d.Emails[:0]
	for _, e := range d.Emails {
		if strings.EqualFold(e.Address, email) {
			wasPrimary = e.Primary
			continue
		}
		kept = append(kept, e)
	}
	d.Emails = kept
	if wasPrimary && len(d.Emails) > 0 {
		d.Emails[0].Primary = true
		f.removePromotes = d.Emails[0].Address
		return d.Emails[0].Address, nil
	}
	return "", nil
}

func (f *fakeRepo) SetPrimaryEmail(ctx context.Context, donorID int64, email string) error {
	d := f.donors[donorID]
	if !d.HasEmail(email) {
		return domain.ErrEmailNotFound
	}
	for i := range d.Emails {
		d.Emails[i].Primary = strings.EqualFold(d.Emails[i].Address, email)
	}
	return nil
}

func (f *fakeRepo) ReassignPaymentsUser(ctx context.Context, paymentIDs []int64, userID int64) error {
	if f.paymentErr != nil {
		return f.paymentErr
	}
	f.reassignedUsers = append(f.reassignedUsers, reassignCall{paymentIDs: paymentIDs, userID: userID})
	return nil
}

func (f *fakeRepo) DetachPaymentsFromDonor(ctx context.Context, paymentIDs []int64) error {
	if f.paymentErr != nil {
		return f.paymentErr
	}
	f.detachedPayments = append(f.detachedPayments, paymentIDs)
	return nil
}

func (f *fakeRepo) DeletePayments(ctx context.Context, paymentIDs []int64) error {
	if f.paymentErr != nil {
		return f.paymentErr
	}
	f.purgedPayments = append(f.purgedPayments, paymentIDs)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(repo *fakeRepo) (*Service, *Hooks) {
	hooks := NewHooks()
	return NewService(repo, hooks, testLogger()), hooks
}

func TestEditDonorUnchangedLinkSkipsUniquenessChecks(t *testing.T) {
	repo := newFakeRepo()
	// User 12 intentionally absent from repo.users: if the service checked
	// account existence for an unchanged link, this edit would fail.
	repo.donors[5] = &domain.Donor{ID: 5, Name: "Old", UserID: 12}
	svc, _ := newTestService(repo)

	result, err := svc.EditDonor(context.Background(), 5, EditDonorInput{Name: "Jane", UserID: 12})
	require.NoError(t, err)
	assert.Equal(t, "Jane", result.Name)
	assert.Equal(t, int64(12), result.UserID)
}

func TestEditDonorAccumulatesValidationErrors(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[5] = &domain.Donor{ID: 5, UserID: 0}
	repo.donors[9] = &domain.Donor{ID: 9, UserID: 30}
	// User 30 is linked to donor 9 and does not exist as an account either,
	// so both problems must be reported at once.
	svc, _ := newTestService(repo)

	_, err := svc.EditDonor(context.Background(), 5, EditDonorInput{Name: "Jane", UserID: 30})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Errors, 2)
	assert.Equal(t, "duplicate-link", verr.Errors[0].Code)
	assert.Equal(t, "invalid-account", verr.Errors[1].Code)
	assert.Empty(t, repo.updates, "no write may happen after failed validation")
}

func TestEditDonorLinksAccountAndCascades(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[5] = &domain.Donor{ID: 5, UserID: 0, PaymentIDs: []int64{101, 102}}
	repo.users[12] = true
	svc, _ := newTestService(repo)

	result, err := svc.EditDonor(context.Background(), 5, EditDonorInput{
		Name:    "Jane",
		UserID:  12,
		Address: AddressPatch{City: strptr("Reno")},
	})
	require.NoError(t, err)
	assert.False(t, result.Partial())

	// With no prior stored address, unsupplied fields default to empty.
	require.NotNil(t, result.Address)
	assert.Equal(t, domain.Address{City: "Reno"}, *result.Address)
	require.Len(t, repo.savedAddresses, 1)
	assert.Equal(t, int64(12), repo.savedAddresses[0].userID)

	// Every payment previously owned by donor 5 now points at user 12.
	require.Len(t, repo.reassignedUsers, 1)
	assert.Equal(t, []int64{101, 102}, repo.reassignedUsers[0].paymentIDs)
	assert.Equal(t, int64(12), repo.reassignedUsers[0].userID)
}

func TestEditDonorMergesAgainstStoredAddress(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[5] = &domain.Donor{ID: 5, UserID: 12}
	repo.users[12] = true
	repo.addresses[12] = domain.Address{City: "Reno"}
	svc, _ := newTestService(repo)

	result, err := svc.EditDonor(context.Background(), 5, EditDonorInput{
		Name:    "Jane",
		UserID:  12,
		Address: AddressPatch{City: strptr("Austin")},
	})
	require.NoError(t, err)
	require.NotNil(t, result.Address)
	assert.Equal(t, "Austin", result.Address.City)
	assert.Equal(t, "", result.Address.Line1)

	// The link did not change, so payments stay put.
	assert.Empty(t, repo.reassignedUsers)
}

func TestEditDonorCascadeFailureIsPartialSuccess(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[5] = &domain.Donor{ID: 5, UserID: 0, PaymentIDs: []int64{101}}
	repo.users[12] = true
	repo.paymentErr = errors.New("payments table offline")
	svc, _ := newTestService(repo)

	result, err := svc.EditDonor(context.Background(), 5, EditDonorInput{Name: "Jane", UserID: 12})
	require.NoError(t, err)
	assert.True(t, result.Partial())
	assert.ErrorContains(t, result.CascadeErr, "reassign payments")
}

func TestEditDonorHooksFireAroundFailedWrite(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[5] = &domain.Donor{ID: 5}
	repo.updateErr = errors.New("write refused")
	svc, hooks := newTestService(repo)

	var fired []string
	hooks.Register(func(ctx context.Context, ev domain.Event) {
		fired = append(fired, ev.Name)
	})

	_, err := svc.EditDonor(context.Background(), 5, EditDonorInput{Name: "Jane"})
	require.ErrorIs(t, err, ErrWriteFailed)
	assert.Equal(t, []string{domain.EventDonorPreEdit, domain.EventDonorPostEdit}, fired,
		"post hook must fire even when the write fails")
}

func TestEditDonorRaceOnLinkedUserMapsToValidation(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[5] = &domain.Donor{ID: 5, UserID: 0}
	repo.users[12] = true
	repo.updateErr = domain.ErrUserLinked
	svc, _ := newTestService(repo)

	_, err := svc.EditDonor(context.Background(), 5, EditDonorInput{Name: "Jane", UserID: 12})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "duplicate-link", verr.Errors[0].Code)
}

func TestEditDonorNotFound(t *testing.T) {
	svc, _ := newTestService(newFakeRepo())
	_, err := svc.EditDonor(context.Background(), 404, EditDonorInput{})
	assert.ErrorIs(t, err, domain.ErrDonorNotFound)
}

func TestAddNoteRejectsBlankText(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[5] = &domain.Donor{ID: 5}
	svc, _ := newTestService(repo)

	_, err := svc.AddNote(context.Background(), 5, "   \n\t ")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, repo.notes)
}

func TestAddNoteAppendsAndReturnsStoredNote(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[5] = &domain.Donor{ID: 5}
	svc, _ := newTestService(repo)

	note, err := svc.AddNote(context.Background(), 5, "  called the donor back  ")
	require.NoError(t, err)
	assert.Equal(t, "called the donor back", note.Content)
	assert.Equal(t, int64(5), note.DonorID)
	require.Len(t, repo.notes, 1)
}

func TestDeleteDonorRequiresConfirmation(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[5] = &domain.Donor{ID: 5, PaymentIDs: []int64{101}}
	svc, _ := newTestService(repo)

	err := svc.DeleteDonor(context.Background(), 5, false, true)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, repo.deletedDonors)
	assert.Empty(t, repo.purgedPayments)
	assert.Empty(t, repo.detachedPayments)
}

func TestDeleteDonorPurgeRemovesPayments(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[5] = &domain.Donor{ID: 5, PaymentIDs: []int64{101, 102}}
	svc, _ := newTestService(repo)

	require.NoError(t, svc.DeleteDonor(context.Background(), 5, true, true))
	assert.Equal(t, []int64{5}, repo.deletedDonors)
	require.Len(t, repo.purgedPayments, 1)
	assert.Equal(t, []int64{101, 102}, repo.purgedPayments[0])
	assert.Empty(t, repo.detachedPayments)
}

func TestDeleteDonorDetachClearsOwningDonor(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[5] = &domain.Donor{ID: 5, PaymentIDs: []int64{101}}
	svc, _ := newTestService(repo)

	require.NoError(t, svc.DeleteDonor(context.Background(), 5, true, false))
	require.Len(t, repo.detachedPayments, 1)
	assert.Equal(t, []int64{101}, repo.detachedPayments[0])
	assert.Empty(t, repo.purgedPayments)
}

func TestDeleteDonorFailureLeavesPaymentsUntouched(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[5] = &domain.Donor{ID: 5, PaymentIDs: []int64{101}}
	repo.deleteErr = errors.New("fk violation")
	svc, _ := newTestService(repo)

	err := svc.DeleteDonor(context.Background(), 5, true, true)
	require.ErrorIs(t, err, ErrDeleteFailed)
	assert.Empty(t, repo.purgedPayments)
	assert.Empty(t, repo.detachedPayments)
}

func TestDeleteDonorRejectsNonPositiveID(t *testing.T) {
	svc, _ := newTestService(newFakeRepo())
	assert.ErrorIs(t, svc.DeleteDonor(context.Background(), 0, true, false), domain.ErrDonorNotFound)
}

func TestDisconnectUserClearsLinkAndPayments(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[5] = &domain.Donor{ID: 5, Name: "Jane", UserID: 12, PaymentIDs: []int64{101}}
	svc, _ := newTestService(repo)

	require.NoError(t, svc.DisconnectUser(context.Background(), 5))
	require.Len(t, repo.updates, 1)
	assert.Equal(t, int64(0), repo.updates[0].userID)
	assert.Equal(t, "Jane", repo.updates[0].name)
	require.Len(t, repo.reassignedUsers, 1)
	assert.Equal(t, int64(0), repo.reassignedUsers[0].userID)
}

func TestDisconnectUserSkipsPaymentsWhenDonorHasNone(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[5] = &domain.Donor{ID: 5, UserID: 12}
	svc, _ := newTestService(repo)

	require.NoError(t, svc.DisconnectUser(context.Background(), 5))
	assert.Empty(t, repo.reassignedUsers)
}

func TestDisconnectUserFailureLeavesLinkage(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[5] = &domain.Donor{ID: 5, UserID: 12, PaymentIDs: []int64{101}}
	repo.updateErr = errors.New("write refused")
	svc, _ := newTestService(repo)

	err := svc.DisconnectUser(context.Background(), 5)
	require.ErrorIs(t, err, ErrDisconnectFailed)
	assert.Empty(t, repo.reassignedUsers)
}

func TestAddEmailValidation(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[7] = &domain.Donor{ID: 7, Emails: []domain.DonorEmail{
		{Address: "old@x.com", Primary: true},
	}}
	repo.donors[8] = &domain.Donor{ID: 8, Emails: []domain.DonorEmail{
		{Address: "taken@x.com", Primary: true},
	}}
	svc, _ := newTestService(repo)
	ctx := context.Background()

	tests := []struct {
		name    string
		email   string
		wantErr error
	}{
		{name: "syntactically invalid", email: "not-an-email", wantErr: domain.ErrInvalidEmail},
		{name: "already on this donor", email: "old@x.com", wantErr: domain.ErrEmailExists},
		{name: "owned by another donor", email: "taken@x.com", wantErr: domain.ErrEmailTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.AddEmail(ctx, 7, tt.email, false, "admin")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAddEmailAsPrimaryWritesTwoAuditNotes(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[7] = &domain.Donor{ID: 7, Emails: []domain.DonorEmail{
		{Address: "old@x.com", Primary: true},
	}}
	svc, _ := newTestService(repo)

	require.NoError(t, svc.AddEmail(context.Background(), 7, "a@b.com", true, "carol"))

	d := repo.donors[7]
	require.Len(t, d.Emails, 2)
	assert.Equal(t, "a@b.com", d.PrimaryEmail())
	assert.True(t, d.HasEmail("old@x.com"))

	require.Len(t, repo.notes, 2)
	assert.Equal(t, "Email address a@b.com added by carol", repo.notes[0].Content)
	assert.Equal(t, "Email address a@b.com set as primary by carol", repo.notes[1].Content)
}

func TestAddEmailHookFiresOnRejectedAttempt(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[7] = &domain.Donor{ID: 7, Emails: []domain.DonorEmail{
		{Address: "old@x.com", Primary: true},
	}}
	svc, hooks := newTestService(repo)

	var fired []string
	hooks.Register(func(ctx context.Context, ev domain.Event) {
		fired = append(fired, ev.Name)
	})

	err := svc.AddEmail(context.Background(), 7, "old@x.com", false, "carol")
	require.ErrorIs(t, err, domain.ErrEmailExists)
	assert.Equal(t, []string{domain.EventDonorPostAddEmail}, fired,
		"listeners must observe the rejected attempt")
	assert.Empty(t, repo.notes, "no audit note on a rejected attempt")
}

func TestAddEmailAttributesSystemWhenActorUnknown(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[7] = &domain.Donor{ID: 7}
	svc, _ := newTestService(repo)

	require.NoError(t, svc.AddEmail(context.Background(), 7, "a@b.com", false, ""))
	require.Len(t, repo.notes, 1)
	assert.Equal(t, "Email address a@b.com added by System", repo.notes[0].Content)
}

func TestRemoveEmailPromotesOldestRemaining(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[7] = &domain.Donor{ID: 7, Emails: []domain.DonorEmail{
		{Address: "first@x.com", Primary: true, Position: 0},
		{Address: "second@x.com", Position: 1},
		{Address: "third@x.com", Position: 2},
	}}
	svc, _ := newTestService(repo)

	require.NoError(t, svc.RemoveEmail(context.Background(), 7, "first@x.com", "carol"))
	assert.Equal(t, "second@x.com", repo.donors[7].PrimaryEmail())

	// Removal note plus promotion note.
	require.Len(t, repo.notes, 2)
	assert.Equal(t, "Email address first@x.com removed by carol", repo.notes[0].Content)
	assert.Equal(t, "Email address second@x.com set as primary by carol", repo.notes[1].Content)
}

func TestRemoveEmailUnknownAddressFailsWithoutMutation(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[7] = &domain.Donor{ID: 7, Emails: []domain.DonorEmail{
		{Address: "only@x.com", Primary: true},
	}}
	svc, _ := newTestService(repo)

	err := svc.RemoveEmail(context.Background(), 7, "other@x.com", "carol")
	require.ErrorIs(t, err, domain.ErrEmailNotFound)
	assert.Len(t, repo.donors[7].Emails, 1)
	assert.Empty(t, repo.notes)
}

func TestSetPrimaryEmail(t *testing.T) {
	repo := newFakeRepo()
	repo.donors[7] = &domain.Donor{ID: 7, Emails: []domain.DonorEmail{
		{Address: "old@x.com", Primary: true, Position: 0},
		{Address: "new@x.com", Position: 1},
	}}
	svc, _ := newTestService(repo)

	require.NoError(t, svc.SetPrimaryEmail(context.Background(), 7, "new@x.com", "carol"))
	assert.Equal(t, "new@x.com", repo.donors[7].PrimaryEmail())
	require.Len(t, repo.notes, 1)
	assert.Equal(t, "Email address new@x.com set as primary by carol", repo.notes[0].Content)
}

func TestSanitizeTextStripsMarkup(t *testing.T) {
	got := sanitizeText("  Jane <script>alert(1)</script>Doe ")
	if got != "Jane alert(1)Doe" {
		t.Fatalf("unexpected sanitized value %q", got)
	}
}
