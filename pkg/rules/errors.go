package rules

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Domain errors. Stores and components translate storage failures into
// these kinds; callers match them with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrDuplicateKey       = fmt.Errorf("%w: duplicate rule key", ErrConflict)
	ErrInvalidTemplate    = errors.New("invalid template")
	ErrUnknownParam       = errors.New("unknown parameter")
	ErrAlreadyActive      = fmt.Errorf("%w: rule already active", ErrConflict)
	ErrInvalidRemediation = errors.New("invalid remediation")
	ErrInvalidRequest     = errors.New("invalid request")
)

// isUniqueViolation reports whether err was raised by a unique index.
// Drivers that support gorm's TranslateError return gorm.ErrDuplicatedKey;
// the message checks cover the others.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
