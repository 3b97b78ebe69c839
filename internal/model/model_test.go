package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in     string
		want   Role
		wantOK bool
	}{
		{"patient", RolePatient, true},
		{"caretaker", RoleCaretaker, true},
		{" Caretaker ", RoleCaretaker, true},
		{"admin", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseRole(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseRole(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestResolveRole_Precedence(t *testing.T) {
	tests := []struct {
		name       string
		candidates []string
		want       Role
	}{
		{"server claim wins over requested", []string{"caretaker", "patient"}, RoleCaretaker},
		{"requested used when server silent", []string{"", "caretaker", "patient"}, RoleCaretaker},
		{"persisted used when nothing else", []string{"", "", "caretaker"}, RoleCaretaker},
		{"default patient", []string{"", "", ""}, RolePatient},
		{"invalid candidates skipped", []string{"admin", "caretaker"}, RoleCaretaker},
		{"no candidates", nil, RolePatient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveRole(tt.candidates...); got != tt.want {
				t.Errorf("ResolveRole(%v) = %q, want %q", tt.candidates, got, tt.want)
			}
		})
	}
}

func TestParseDay(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"2024-03-01", "2024-03-01", false},
		{"2024-03-01T23:30:00Z", "2024-03-01", false},
		{"2024-03-01T23:30:00-05:00", "2024-03-02", false},
		{"03/01/2024", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDay(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDay(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseDay(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDay_JSON(t *testing.T) {
	var log MedicationLog
	if err := json.Unmarshal([]byte(`{"id":"1","date":"2024-03-01T00:00:00.000Z"}`), &log); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if log.Date != MustParseDay("2024-03-01") {
		t.Errorf("Date = %v, want 2024-03-01", log.Date)
	}

	b, err := json.Marshal(log.Date)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(b) != `"2024-03-01"` {
		t.Errorf("marshal = %s, want \"2024-03-01\"", b)
	}
}

func TestDay_Before(t *testing.T) {
	if !MustParseDay("2024-02-29").Before(MustParseDay("2024-03-01")) {
		t.Error("2024-02-29 should be before 2024-03-01")
	}
	if DayOf(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)).String() != "2024-03-01" {
		t.Error("DayOf should drop the time component")
	}
}

func TestClaims_Expired(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if (Claims{}).Expired(now) {
		t.Error("claims without exp must not be expired")
	}
	if !(Claims{ExpiresAt: now.Add(-time.Second)}).Expired(now) {
		t.Error("past exp must be expired")
	}
	if (Claims{ExpiresAt: now.Add(time.Hour)}).Expired(now) {
		t.Error("future exp must not be expired")
	}
}

func TestErrorPredicates_ThroughWrapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		pred func(error) bool
	}{
		{"auth", NewInvalidTokenError(errors.New("bad")), IsAuth},
		{"validation", NewValidationError("name is required"), IsValidation},
		{"network", NewNetworkError(errors.New("dial tcp")), IsNetwork},
		{"precondition", NewNoLogForDayError("med-1", MustParseDay("2024-03-01")), IsPrecondition},
		{"role mismatch", NewRoleMismatchError(RolePatient, []Role{RoleCaretaker}), IsRoleMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !tt.pred(wrapped) {
				t.Errorf("predicate should match wrapped %v", wrapped)
			}
		})
	}

	if IsPrecondition(NewValidationError("x")) {
		t.Error("validation error must not be reported as precondition")
	}
	if CategoryOf(errors.New("plain")) != "" {
		t.Error("plain error must have no category")
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewNetworkError(cause)
	if !errors.Is(err, cause) {
		t.Error("NetworkError should unwrap to its cause")
	}
}
