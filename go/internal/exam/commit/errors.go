package commit

import "errors"

var (
	// ErrStoreUnavailable is returned when the external answer-store
	// hand-off failed or timed out. The pipeline does not retry; the client
	// layer retries with backoff.
	ErrStoreUnavailable = errors.New("answer store unavailable")

	// ErrSessionNotStarted is returned for a submit against a session that
	// has not left the waiting status.
	ErrSessionNotStarted = errors.New("session not started")
)
