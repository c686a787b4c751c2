package store

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

// uniqueViolation is the Postgres error code for a unique constraint hit.
const uniqueViolation = "23505"

// IsDuplicate reports whether err signals a duplicate-key insert. The
// backend error code is checked first; the substring fallback keeps the
// classification portable across drivers and pooled-proxy error rewrites.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
