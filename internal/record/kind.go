// Package record defines the synchronized entity model: the closed set of
// entity kinds, the mutation actions, and the Record snapshot that moves
// between the local store and the backend.
//
// Kinds are a fixed enumeration, never derived from strings at runtime.
// Every boundary (enqueue, dispatch, ingest) parses or matches a Kind
// exhaustively; an unrecognized kind is a construction-time error, so a
// mutation can never exist in the system without a handler for it.
package record

import (
	"encoding/json"
	"fmt"
)

// ErrUnknownKind is returned when a string does not name a known entity kind.
var ErrUnknownKind = fmt.Errorf("unknown entity kind")

// Kind identifies which entity collection a record belongs to.
type Kind int

const (
	// KindInvalid is the zero value and never a valid kind.
	KindInvalid Kind = iota

	// KindMileageEntry is a mileage log record.
	KindMileageEntry

	// KindReceipt is a captured expense receipt.
	KindReceipt

	// KindTimeEntry is a time-tracking record.
	KindTimeEntry

	// KindExpenseApproval is an expense approval record.
	KindExpenseApproval

	// KindEmployee is an employee profile record.
	KindEmployee
)

// Kinds lists every valid kind, in declaration order.
// Callers iterating all collections (full pulls, schema checks) use this
// instead of hand-maintained lists.
func Kinds() []Kind {
	return []Kind{
		KindMileageEntry,
		KindReceipt,
		KindTimeEntry,
		KindExpenseApproval,
		KindEmployee,
	}
}

// String returns the canonical wire name for the kind.
func (k Kind) String() string {
	switch k {
	case KindMileageEntry:
		return "mileage-entry"
	case KindReceipt:
		return "receipt"
	case KindTimeEntry:
		return "time-entry"
	case KindExpenseApproval:
		return "expense-approval"
	case KindEmployee:
		return "employee"
	default:
		return fmt.Sprintf("invalid-kind(%d)", int(k))
	}
}

// Route returns the URL path segment for the kind's ingestion and pull routes.
// It is plural where the wire name is singular so routes read naturally:
// POST /entities/mileage-entries.
func (k Kind) Route() string {
	switch k {
	case KindMileageEntry:
		return "mileage-entries"
	case KindReceipt:
		return "receipts"
	case KindTimeEntry:
		return "time-entries"
	case KindExpenseApproval:
		return "expense-approvals"
	case KindEmployee:
		return "employees"
	default:
		return ""
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindMileageEntry, KindReceipt, KindTimeEntry, KindExpenseApproval, KindEmployee:
		return true
	default:
		return false
	}
}

// ParseKind resolves a canonical wire name to a Kind.
// Returns ErrUnknownKind for anything outside the closed set.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "mileage-entry":
		return KindMileageEntry, nil
	case "receipt":
		return KindReceipt, nil
	case "time-entry":
		return KindTimeEntry, nil
	case "expense-approval":
		return KindExpenseApproval, nil
	case "employee":
		return KindEmployee, nil
	default:
		return KindInvalid, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// ParseKindRoute resolves a URL path segment to a Kind.
// Returns ErrUnknownKind for anything outside the closed set.
func ParseKindRoute(s string) (Kind, error) {
	for _, k := range Kinds() {
		if k.Route() == s {
			return k, nil
		}
	}
	return KindInvalid, fmt.Errorf("%w: route %q", ErrUnknownKind, s)
}

// MarshalJSON encodes the kind as its canonical wire name.
func (k Kind) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", k)
	}
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a canonical wire name, rejecting unknown values.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("kind must be a string: %w", err)
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Action is the mutation type carried by a queued operation.
type Action int

const (
	// ActionInvalid is the zero value and never a valid action.
	ActionInvalid Action = iota

	// ActionCreate records a newly created entity.
	ActionCreate

	// ActionUpdate records a change to an existing entity.
	ActionUpdate
)

// String returns the canonical wire name for the action.
func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	default:
		return fmt.Sprintf("invalid-action(%d)", int(a))
	}
}

// Valid reports whether a is a declared action.
func (a Action) Valid() bool {
	return a == ActionCreate || a == ActionUpdate
}

// ParseAction resolves a wire name to an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "create":
		return ActionCreate, nil
	case "update":
		return ActionUpdate, nil
	default:
		return ActionInvalid, fmt.Errorf("unknown action %q", s)
	}
}

// MarshalJSON encodes the action as its wire name.
func (a Action) MarshalJSON() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", a)
	}
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a wire name, rejecting unknown values.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("action must be a string: %w", err)
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
