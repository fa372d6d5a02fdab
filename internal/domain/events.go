/**
 * @description
 * Extension-point events emitted around donor mutations. Listeners are
 * registered as an explicit ordered list (see internal/app) instead of the
 * global action dispatch the legacy admin UI relied on, but the firing
 * points are the same: before a mutation is attempted and after it finished,
 * including after a failed write.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Donor mutation extension points.
const (
	EventDonorPreEdit        = "donor.pre_edit"
	EventDonorPostEdit       = "donor.post_edit"
	EventDonorPreDelete      = "donor.pre_delete"
	EventNotePreInsert       = "note.pre_insert"
	EventDonorPreDisconnect  = "donor.pre_disconnect"
	EventDonorPostDisconnect = "donor.post_disconnect"
	EventDonorPostAddEmail   = "donor.post_add_email"
)

// Event is the fixed payload handed to every registered listener.
type Event struct {
	ID      uuid.UUID         `json:"id"`
	Name    string            `json:"name"`
	DonorID int64             `json:"donor_id"`
	// Fields carries the merged donor fields relevant to the mutation,
	// e.g. name and user_id for an edit.
	Fields  map[string]string `json:"fields,omitempty"`
	Address *Address          `json:"address,omitempty"`
	At      time.Time         `json:"at"`
}
