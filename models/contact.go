package models

import (
	"sort"
	"strings"
)

// Wire names of the three view-state fields
const (
	FieldViewState          = "__VIEWSTATE"
	FieldEventValidation    = "__EVENTVALIDATION"
	FieldViewStateGenerator = "__VIEWSTATEGENERATOR"
)

// TokenSet holds the opaque server-side form state echoed on every postback
type TokenSet struct {
	ViewState          string
	EventValidation    string
	ViewStateGenerator string
}

// Complete reports whether all three tokens are present
func (t TokenSet) Complete() bool {
	return len(t.Missing()) == 0
}

// Missing returns the wire names of the absent tokens
func (t TokenSet) Missing() []string {
	var missing []string
	if t.ViewState == "" {
		missing = append(missing, FieldViewState)
	}
	if t.EventValidation == "" {
		missing = append(missing, FieldEventValidation)
	}
	if t.ViewStateGenerator == "" {
		missing = append(missing, FieldViewStateGenerator)
	}
	return missing
}

// OptionMap maps a dropdown value to its visible label
type OptionMap map[string]string

// IDs returns the option ids ordered by label, then id
func (m OptionMap) IDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		li, lj := strings.ToLower(m[ids[i]]), strings.ToLower(m[ids[j]])
		if li != lj {
			return li < lj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Label returns the label for id, or id itself when unknown
func (m OptionMap) Label(id string) string {
	if label, ok := m[id]; ok && label != "" {
		return label
	}
	return id
}

// NavigationContext is the chain of selections made so far in one session.
// Values are immutable; selecting a level clears every level below it.
type NavigationContext struct {
	Mode        string
	RegionID    string
	SubregionID string
	LeafID      string
}

func (n NavigationContext) WithMode(mode string) NavigationContext {
	return NavigationContext{Mode: mode}
}

func (n NavigationContext) WithRegion(id string) NavigationContext {
	return NavigationContext{Mode: n.Mode, RegionID: id}
}

func (n NavigationContext) WithSubregion(id string) NavigationContext {
	return NavigationContext{Mode: n.Mode, RegionID: n.RegionID, SubregionID: id}
}

func (n NavigationContext) WithLeaf(id string) NavigationContext {
	n.LeafID = id
	return n
}

// ContactRecord is one row of the contact details grid
type ContactRecord struct {
	Region            string
	Subregion         string
	Entity            string
	ContactName       string
	Mobile            string
	Email             string
	ApplicationNumber string
}

// IsBlank reports whether the row carries no contact data at all
func (c ContactRecord) IsBlank() bool {
	return c.ContactName == "" && c.Mobile == "" && c.Email == ""
}

// Batch is the set of records collected for one completed subregion
type Batch struct {
	RunID       string
	RegionID    string
	Region      string
	SubregionID string
	Subregion   string
	Records     []ContactRecord
}

// ContactHeader is the column order used by every tabular writer
var ContactHeader = []string{"State", "District", "School", "Name", "Mobile", "Email", "Application_Number"}

// Row returns the record in ContactHeader order
func (c ContactRecord) Row() []string {
	return []string{c.Region, c.Subregion, c.Entity, c.ContactName, c.Mobile, c.Email, c.ApplicationNumber}
}
