package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/vango-go/vai-caseworker/pkg/core/claim"
)

const ToolUpdateClaimDraft = "updateClaimDraft"

// DraftStore is the claim state the update tool writes into.
type DraftStore interface {
	Apply(u claim.Update) (claim.Draft, claim.Outcome, error)
}

// UpdateClaimDraft merges partial field updates from the remote service into the draft.
type UpdateClaimDraft struct {
	Store DraftStore
}

func NewUpdateClaimDraft(store DraftStore) *UpdateClaimDraft {
	return &UpdateClaimDraft{Store: store}
}

func (u *UpdateClaimDraft) Name() string { return ToolUpdateClaimDraft }

func (u *UpdateClaimDraft) Declaration() Declaration {
	text := func(desc string) *Schema { return &Schema{Type: TypeString, Description: desc} }
	return Declaration{
		Name:        ToolUpdateClaimDraft,
		Description: "Updates the claim affidavit form with information extracted from the conversation or documents.",
		Parameters: &Schema{
			Type: TypeObject,
			Properties: map[string]*Schema{
				claim.FieldClaimantName:  text("Name of the person filing the claim"),
				claim.FieldDeceasedName:  text("Name of the deceased account holder"),
				claim.FieldRelationship:  text("Relationship of claimant to deceased"),
				claim.FieldBankName:      text("Name of the bank holding the deposit"),
				claim.FieldAccountNumber: text("Account number if known"),
				claim.FieldStatus: {
					Type:        TypeString,
					Description: "Set to 'ready' only when all required fields are filled",
					Enum:        []string{string(claim.StatusDraft), string(claim.StatusReady)},
				},
			},
		},
	}
}

func (u *UpdateClaimDraft) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	if u == nil || u.Store == nil {
		return nil, fmt.Errorf("claim store is not configured")
	}
	update, ignored, err := decodeDraftUpdate(args)
	if err != nil {
		return ErrorResponse(err.Error(), nil), nil
	}

	_, outcome, err := u.Store.Apply(update)
	if err != nil {
		return ErrorResponse(err.Error(), nil), nil
	}
	ignored = append(ignored, outcome.Ignored...)
	var resp map[string]any
	if outcome.StatusRejected != "" {
		resp = ErrorResponse(outcome.StatusRejected, outcome.Missing)
	} else {
		resp = map[string]any{"result": "Form updated successfully"}
	}
	if len(ignored) > 0 {
		sort.Strings(ignored)
		resp["ignored"] = ignored
	}
	return resp, nil
}

// decodeDraftUpdate splits args into a draft update and the keys the form does
// not have. Unknown keys are returned whatever their type.
func decodeDraftUpdate(args map[string]any) (claim.Update, []string, error) {
	var (
		update  claim.Update
		ignored []string
	)
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, known := (claim.Draft{}).Field(key); !known && key != claim.FieldStatus {
			ignored = append(ignored, key)
			continue
		}
		raw := args[key]
		if raw == nil {
			continue
		}
		value, ok := raw.(string)
		if !ok {
			return claim.Update{}, nil, fmt.Errorf("field %q must be a string, got %T", key, raw)
		}
		if key == claim.FieldStatus {
			if value == "" {
				continue
			}
			status, err := claim.ParseStatus(value)
			if err != nil {
				return claim.Update{}, nil, err
			}
			update.Status = &status
			continue
		}
		if update.Fields == nil {
			update.Fields = make(map[string]string, len(args))
		}
		update.Fields[key] = value
	}
	return update, ignored, nil
}
