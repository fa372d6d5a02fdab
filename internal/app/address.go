/**
 * @description
 * Field-level address merging for donor edits. A patch only ever replaces
 * the fields the caller actually supplied; everything else falls back to the
 * stored address, or to an empty string when no address was stored yet.
 */
package app

import "github.com/donorops/donor-service/internal/domain"

// AddressPatch carries the address fields of an edit request. A nil field
// means "not supplied" and must not disturb the stored value; a pointer to
// an empty string is an explicit blank.
type AddressPatch struct {
	Line1   *string `json:"line1"`
	Line2   *string `json:"line2"`
	City    *string `json:"city"`
	State   *string `json:"state"`
	Zip     *string `json:"zip"`
	Country *string `json:"country"`
}

// Empty reports whether the patch supplies no fields at all.
func (p AddressPatch) Empty() bool {
	return p.Line1 == nil && p.Line2 == nil && p.City == nil &&
		p.State == nil && p.Zip == nil && p.Country == nil
}

// MergeAddress builds the address to store for a donor's linked account.
// With no existing address every unsupplied field defaults to ""; with an
// existing address every unsupplied field keeps its stored value. The merge
// is idempotent: applying the same patch to its own result changes nothing.
func MergeAddress(patch AddressPatch, existing *domain.Address) domain.Address {
	if existing == nil {
		existing = &domain.Address{}
	}
	return domain.Address{
		Line1:   mergeField(patch.Line1, existing.Line1),
		Line2:   mergeField(patch.Line2, existing.Line2),
		City:    mergeField(patch.City, existing.City),
		State:   mergeField(patch.State, existing.State),
		Zip:     mergeField(patch.Zip, existing.Zip),
		Country: mergeField(patch.Country, existing.Country),
	}
}

func mergeField(patch *string, current string) string {
	if patch != nil {
		return *patch
	}
	return current
}
