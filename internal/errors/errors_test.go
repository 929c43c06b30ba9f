package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
)

// TestAppErrorFormatting tests code and cause rendering.
func TestAppErrorFormatting(t *testing.T) {
	plain := New(ErrConfig, "missing path")
	if plain.Error() != "[CONFIG_ERROR] missing path" {
		t.Errorf("Unexpected rendering %q", plain.Error())
	}

	cause := stderrors.New("boom")
	wrapped := Wrap(ErrInternal, "apply failed", cause)
	if !stderrors.Is(wrapped, cause) {
		t.Error("Expected wrapped cause to survive unwrapping")
	}
}

// TestIsAndCodeOf tests code extraction through wrapping.
func TestIsAndCodeOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrSyncInProgress, "busy"))

	if !Is(err, ErrSyncInProgress) {
		t.Error("Expected code to be found through the chain")
	}
	if Is(err, ErrCycleFatal) {
		t.Error("Unexpected code match")
	}
	if CodeOf(err) != ErrSyncInProgress {
		t.Errorf("Expected SYNC_IN_PROGRESS, got %s", CodeOf(err))
	}
	if CodeOf(stderrors.New("bare")) != ErrInternal {
		t.Error("Expected bare errors to classify as internal")
	}
}

// TestClassifyMySQLErrors tests the integrity-vs-transient split for
// server errors.
func TestClassifyMySQLErrors(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	if got := Classify(dup).Code; got != ErrConstraint {
		t.Errorf("Expected CONSTRAINT_VIOLATION for 1062, got %s", got)
	}

	fk := &mysql.MySQLError{Number: 1452, Message: "Cannot add or update a child row"}
	if got := Classify(fk).Code; got != ErrConstraint {
		t.Errorf("Expected CONSTRAINT_VIOLATION for 1452, got %s", got)
	}

	other := &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}
	if got := Classify(other).Code; got != ErrTransientStore {
		t.Errorf("Expected TRANSIENT_STORE_ERROR for 1205, got %s", got)
	}
}

// TestClassifyTimeoutsAndConnections tests the transient bucket.
func TestClassifyTimeoutsAndConnections(t *testing.T) {
	cases := []error{
		context.DeadlineExceeded,
		fmt.Errorf("read: %w", context.Canceled),
		mysql.ErrInvalidConn,
		stderrors.New("dial tcp 10.0.0.1:3306: connection refused"),
		stderrors.New("database is locked"),
	}
	for _, err := range cases {
		if got := Classify(err).Code; got != ErrTransientStore {
			t.Errorf("Expected TRANSIENT_STORE_ERROR for %v, got %s", err, got)
		}
	}
}

// TestClassifySQLiteConstraintText tests constraint detection from
// message text.
func TestClassifySQLiteConstraintText(t *testing.T) {
	cases := []error{
		stderrors.New("UNIQUE constraint failed: usuarios.email"),
		stderrors.New("FOREIGN KEY constraint failed"),
	}
	for _, err := range cases {
		if got := Classify(err).Code; got != ErrConstraint {
			t.Errorf("Expected CONSTRAINT_VIOLATION for %v, got %s", err, got)
		}
	}
}

// TestClassifyPassthrough tests that pre-classified errors keep their code.
func TestClassifyPassthrough(t *testing.T) {
	err := New(ErrCycleFatal, "store unreachable")
	if got := Classify(err); got != err {
		t.Error("Expected pre-classified error to pass through unchanged")
	}
	if Classify(nil) != nil {
		t.Error("Expected nil to classify as nil")
	}
}

// TestClassifyUnknown tests the fallback bucket.
func TestClassifyUnknown(t *testing.T) {
	if got := Classify(stderrors.New("something odd")).Code; got != ErrInternal {
		t.Errorf("Expected INTERNAL_ERROR, got %s", got)
	}
}
