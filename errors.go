package unfs

import "errors"

// Sentinel errors returned by façade operations (§6.4). Each is returned
// either bare or wrapped with context via fmt.Errorf's %w, so callers
// compare with errors.Is rather than ==; the filesystem state is left
// unchanged whenever one of these is returned.
var (
	ErrInvalidArgument = errors.New("unfs: invalid argument")
	ErrNotFound        = errors.New("unfs: not found")
	ErrExists          = errors.New("unfs: already exists")
	ErrBusy            = errors.New("unfs: busy")
	ErrNoSpace         = errors.New("unfs: no space")
	ErrInvalidHandle   = errors.New("unfs: invalid handle")
	ErrIO              = errors.New("unfs: io error")
)
