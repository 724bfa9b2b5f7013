package groundtruth

import "errors"

// Sentinel errors for listing and manifest operations. Callers match them with
// errors.Is; the wrapped error carries the offending path or row.
var (
	ErrNotFound     = errors.New("listing not found")
	ErrMalformedRow = errors.New("malformed row")
	ErrIOFailure    = errors.New("write failed")

	// ErrDuplicatesFound stops a build until the listing is corrected.
	ErrDuplicatesFound = errors.New("duplicates found")
)
