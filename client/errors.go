package client

import (
	"errors"
	"fmt"
)

// Category classifies a submission failure. The CLI maps each category to a
// distinct non-zero exit code; nothing fails silently.
type Category string

const (
	// CategoryConfiguration covers missing credentials or server targets,
	// detected before any I/O.
	CategoryConfiguration Category = "configuration"

	// CategoryValidation covers malformed inputs such as an out-of-range
	// compression level, also detected before any I/O.
	CategoryValidation Category = "validation"

	// CategoryAuth covers 401/403 responses for bad credentials.
	CategoryAuth Category = "auth"

	// CategoryNetwork covers transport failures and timeouts.
	CategoryNetwork Category = "network"

	// CategoryArchive covers fatal archive build failures.
	CategoryArchive Category = "archive"

	// CategoryQuota covers 403 responses when no attempts remain.
	CategoryQuota Category = "quota"

	// CategoryServer covers any other non-2xx response.
	CategoryServer Category = "server"
)

// Error is a categorized submission failure.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func failf(category Category, format string, args ...any) *Error {
	return &Error{Category: category, Err: fmt.Errorf(format, args...)}
}

// CategoryOf extracts the failure category from an error chain. The second
// return is false for uncategorized errors.
func CategoryOf(err error) (Category, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Category, true
	}
	return "", false
}
