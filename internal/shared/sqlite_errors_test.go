package shared

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", errors.New("SQLITE_BUSY: database busy"), true},
		{"locked", fmt.Errorf("exec: %w", errors.New("database is locked (5)")), true},
		{"other", errors.New("no such table"), false},
	}
	for _, tt := range tests {
		if got := IsSQLiteConflictError(tt.err); got != tt.want {
			t.Fatalf("%s: IsSQLiteConflictError = %v, want %v", tt.name, got, tt.want)
		}
	}
}
