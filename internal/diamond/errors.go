package diamond

import "errors"

// Pipeline error taxonomy. Per-record errors are recoverable: the orchestrator
// skips the record, logs it with the raw payload, and continues the batch.
var (
	// ErrMalformedRecord marks a raw feed record that failed normalization.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrInvalidEntityKey marks a draft whose canonical identity value is empty.
	ErrInvalidEntityKey = errors.New("invalid entity key")

	// ErrResolutionConflict is returned after the upsert retry budget is
	// exhausted on a contended identity key.
	ErrResolutionConflict = errors.New("entity resolution conflict")

	// ErrIncompleteEvent marks a correlation attempt with no entity references.
	ErrIncompleteEvent = errors.New("event has no entity references")

	// ErrFeedUnavailable marks a source fetch failure. The source is retried
	// on the next scheduled run; other sources are unaffected.
	ErrFeedUnavailable = errors.New("feed unavailable")

	// ErrReferentialIntegrity marks an event referencing a row that does not
	// exist (for example an unknown mitre_tid). Indicates a logic bug
	// upstream; fatal for that record only.
	ErrReferentialIntegrity = errors.New("referential integrity violation")

	// ErrNotFound is the generic read-side miss.
	ErrNotFound = errors.New("not found")
)
