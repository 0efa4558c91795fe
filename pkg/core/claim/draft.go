// Package claim holds the claim affidavit draft and the conversation transcript.
//
// Both are single-writer records published by atomic pointer swap, so readers in
// another goroutine always observe a complete snapshot.
package claim

import (
	"fmt"
	"sort"
	"strings"
)

// Status is the lifecycle stage of a draft.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
)

func (s Status) rank() int {
	switch s {
	case StatusReady:
		return 1
	case StatusSubmitted:
		return 2
	default:
		return 0
	}
}

// ParseStatus validates a status string.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusDraft:
		return StatusDraft, nil
	case StatusReady:
		return StatusReady, nil
	case StatusSubmitted:
		return StatusSubmitted, nil
	default:
		return "", fmt.Errorf("unknown claim status %q", raw)
	}
}

// Field names as they appear in tool arguments and JSON snapshots.
const (
	FieldClaimantName  = "claimantName"
	FieldDeceasedName  = "deceasedName"
	FieldRelationship  = "relationship"
	FieldBankName      = "bankName"
	FieldAccountNumber = "accountNumber"
	FieldAmount        = "amount"
	FieldStatus        = "status"
)

// RequiredFields must all be non-empty before a draft may become ready.
var RequiredFields = []string{
	FieldClaimantName,
	FieldDeceasedName,
	FieldRelationship,
	FieldBankName,
	FieldAccountNumber,
}

// Draft is the unclaimed-deposit affidavit being filled in by the conversation.
type Draft struct {
	ClaimantName  string `json:"claimantName"`
	DeceasedName  string `json:"deceasedName"`
	Relationship  string `json:"relationship"`
	BankName      string `json:"bankName"`
	AccountNumber string `json:"accountNumber"`
	Amount        string `json:"amount"`
	Status        Status `json:"status"`
}

// NewDraft returns an empty draft.
func NewDraft() Draft {
	return Draft{Status: StatusDraft}
}

// Field returns the value of a named text field.
func (d Draft) Field(name string) (string, bool) {
	switch name {
	case FieldClaimantName:
		return d.ClaimantName, true
	case FieldDeceasedName:
		return d.DeceasedName, true
	case FieldRelationship:
		return d.Relationship, true
	case FieldBankName:
		return d.BankName, true
	case FieldAccountNumber:
		return d.AccountNumber, true
	case FieldAmount:
		return d.Amount, true
	default:
		return "", false
	}
}

func (d *Draft) setField(name, value string) bool {
	switch name {
	case FieldClaimantName:
		d.ClaimantName = value
	case FieldDeceasedName:
		d.DeceasedName = value
	case FieldRelationship:
		d.Relationship = value
	case FieldBankName:
		d.BankName = value
	case FieldAccountNumber:
		d.AccountNumber = value
	case FieldAmount:
		d.Amount = value
	default:
		return false
	}
	return true
}

// Missing lists required fields that are still empty.
func (d Draft) Missing() []string {
	var missing []string
	for _, name := range RequiredFields {
		if v, _ := d.Field(name); strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// Complete reports whether every required field is filled.
func (d Draft) Complete() bool {
	return len(d.Missing()) == 0
}

// Progress is the fraction of required fields filled, in [0,1].
func (d Draft) Progress() float64 {
	filled := len(RequiredFields) - len(d.Missing())
	return float64(filled) / float64(len(RequiredFields))
}

// Update is a partial change to a draft. Nil fields are left untouched.
type Update struct {
	Fields map[string]string
	Status *Status
}

// Outcome describes what Apply did with an Update.
type Outcome struct {
	Changed []string
	// StatusRejected is set when a requested status could not be applied.
	StatusRejected string
	Missing        []string
	// Ignored lists field names the draft does not have. They are skipped and
	// the rest of the update still applies.
	Ignored []string
}

// Apply merges u into d and returns the result. Empty values never clear a field,
// status never moves backward, and ready requires every required field.
func (d Draft) Apply(u Update) (Draft, Outcome, error) {
	var out Outcome
	if d.Status == StatusSubmitted {
		return d, out, fmt.Errorf("claim already submitted")
	}
	next := d
	for _, name := range orderedFieldNames(u.Fields) {
		value := strings.TrimSpace(u.Fields[name])
		if value == "" {
			continue
		}
		prev, ok := next.Field(name)
		if !ok {
			out.Ignored = append(out.Ignored, name)
			continue
		}
		if prev == value {
			continue
		}
		next.setField(name, value)
		out.Changed = append(out.Changed, name)
	}

	if u.Status != nil {
		want := *u.Status
		switch {
		case want == StatusSubmitted:
			out.StatusRejected = "submission requires an explicit submit action"
		case want.rank() < next.Status.rank():
			// Never backward.
		case want == StatusReady && !next.Complete():
			out.StatusRejected = "required fields are missing"
			out.Missing = next.Missing()
		case want != next.Status:
			next.Status = want
			out.Changed = append(out.Changed, FieldStatus)
		}
	}
	return next, out, nil
}

func orderedFieldNames(fields map[string]string) []string {
	names := make([]string, 0, len(fields))
	for _, name := range append(append([]string(nil), RequiredFields...), FieldAmount) {
		if _, ok := fields[name]; ok {
			names = append(names, name)
		}
	}
	var unknown []string
	for name := range fields {
		if _, known := (Draft{}).Field(name); !known {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return append(names, unknown...)
}
