package replay

import "errors"

// ErrNotFound is returned when a replay handle, marker, event or session id
// is unknown.
var ErrNotFound = errors.New("not found")

// ErrDisposed is returned when playback is requested on disposed controls.
var ErrDisposed = errors.New("controls disposed")
