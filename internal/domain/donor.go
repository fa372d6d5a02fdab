/**
 * @description
 * This file defines the core domain models for the donor-service.
 * A Donor is the aggregate managed by the admin API: a profile, an optional
 * linked user account, an ordered email set with a single primary address,
 * the list of payments the donor owns, and an append-only note log.
 */
package domain

import (
	"strings"
	"time"
)

// Donor represents a donor (customer) record.
type Donor struct {
	ID     int64        `json:"id"`
	Name   string       `json:"name"`
	UserID int64        `json:"user_id"` // 0 means no linked user account
	Emails []DonorEmail `json:"emails"`
	// PaymentIDs is the ordered list of payments owned by this donor. The
	// database keeps it as a legacy comma-joined text column.
	PaymentIDs []int64   `json:"payment_ids"`
	CreatedAt  time.Time `json:"created_at"`
}

// DonorEmail is one entry of a donor's ordered email set. At most one entry
// carries Primary=true, and exactly one does whenever the set is non-empty.
type DonorEmail struct {
	Address  string `json:"address"`
	Primary  bool   `json:"primary"`
	Position int    `json:"position"`
}

// PrimaryEmail returns the donor's primary email address, or "" when the
// email set is empty.
func (d *Donor) PrimaryEmail() string {
	for _, e := range d.Emails {
		if e.Primary {
			return e.Address
		}
	}
	return ""
}

// HasEmail reports whether the given address is already in the donor's email
// set. Comparison is case-insensitive, matching how addresses are stored.
func (d *Donor) HasEmail(address string) bool {
	for _, e := range d.Emails {
		if strings.EqualFold(e.Address, address) {
			return true
		}
	}
	return false
}

// Linked reports whether the donor has a linked user account.
func (d *Donor) Linked() bool {
	return d.UserID > 0
}

// Address holds the billing address stored against a donor's linked user
// account. It is keyed by the user id, not the donor id, so whichever donor
// is currently linked to that account shares the same record.
type Address struct {
	Line1   string `json:"line1"`
	Line2   string `json:"line2"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
	Country string `json:"country"`
}

// DonorNote is a single timestamped entry in a donor's note log.
type DonorNote struct {
	ID        int64     `json:"id"`
	DonorID   int64     `json:"donor_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Payment is the slice of a payment record this service cascades updates
// into: the owning user and owning donor fields.
type Payment struct {
	ID      int64 `json:"id"`
	UserID  int64 `json:"user_id"`
	DonorID int64 `json:"donor_id"`
}
