package acquisition

import "errors"

// ErrSessionExpired is returned by an adapter when the portal rejected a call
// with an expired or invalidated session. The walk engine re-logs-in and
// retries the same cursor.
var ErrSessionExpired = errors.New("acquisition: session expired")

// ErrEndOfHistory is returned by an adapter when the portal signals there is
// no data at or before the requested period, ending the backward walk
// immediately regardless of the empty-page streak.
var ErrEndOfHistory = errors.New("acquisition: end of history")

// ErrNoCredential is returned when no portal credential is stored for a
// vendor. The vendor's cycle is skipped, not failed.
var ErrNoCredential = errors.New("acquisition: no credential for vendor")
