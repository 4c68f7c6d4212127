package record

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseKindRoundTrip(t *testing.T) {
	for _, kind := range Kinds() {
		parsed, err := ParseKind(kind.String())
		if err != nil {
			t.Fatalf("ParseKind(%q) failed: %v", kind.String(), err)
		}
		if parsed != kind {
			t.Errorf("ParseKind(%q) = %v, want %v", kind.String(), parsed, kind)
		}
	}
}

func TestParseKindUnknown(t *testing.T) {
	for _, name := range []string{"", "mileage", "Mileage-Entry", "receipts", "invoice"} {
		if _, err := ParseKind(name); !errors.Is(err, ErrUnknownKind) {
			t.Errorf("ParseKind(%q) = %v, want ErrUnknownKind", name, err)
		}
	}
}

func TestParseKindRoute(t *testing.T) {
	for _, kind := range Kinds() {
		if kind.Route() == "" {
			t.Fatalf("%v has no route", kind)
		}
		parsed, err := ParseKindRoute(kind.Route())
		if err != nil {
			t.Fatalf("ParseKindRoute(%q) failed: %v", kind.Route(), err)
		}
		if parsed != kind {
			t.Errorf("ParseKindRoute(%q) = %v, want %v", kind.Route(), parsed, kind)
		}
	}

	if _, err := ParseKindRoute("mileage-entry"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("wire name accepted as route, want ErrUnknownKind")
	}
}

func TestKindJSONRejectsUnknown(t *testing.T) {
	var k Kind
	if err := json.Unmarshal([]byte(`"mileage-entry"`), &k); err != nil {
		t.Fatalf("unmarshal known kind failed: %v", err)
	}
	if k != KindMileageEntry {
		t.Errorf("got %v, want KindMileageEntry", k)
	}

	if err := json.Unmarshal([]byte(`"spreadsheet"`), &k); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("unmarshal unknown kind = %v, want ErrUnknownKind", err)
	}

	if _, err := json.Marshal(KindInvalid); err == nil {
		t.Error("marshal of invalid kind succeeded, want error")
	}
}

func TestActionParse(t *testing.T) {
	for _, action := range []Action{ActionCreate, ActionUpdate} {
		parsed, err := ParseAction(action.String())
		if err != nil {
			t.Fatalf("ParseAction(%q) failed: %v", action.String(), err)
		}
		if parsed != action {
			t.Errorf("ParseAction(%q) = %v, want %v", action.String(), parsed, action)
		}
	}
	if _, err := ParseAction("delete"); err == nil {
		t.Error("ParseAction(\"delete\") succeeded, want error")
	}
}
