package app

import "errors"

var (
	// ErrInvalidCredentials is returned for unknown users and wrong passwords
	// alike, so callers cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid username or password")

	ErrUsernameTaken    = errors.New("username already taken")
	ErrInvalidUsername  = errors.New("username must be non-empty without '|', ':' or spaces")
	ErrPasswordRequired = errors.New("password required")

	ErrRoomNameTaken      = errors.New("room name already taken")
	ErrRoomNameRequired   = errors.New("room name required")
	ErrRoomSecretRequired = errors.New("room secret required")
	ErrRoomNotFound       = errors.New("room not found")
	ErrWrongRoomSecret    = errors.New("wrong room secret")

	ErrPeerNotFound   = errors.New("peer not found")
	ErrScopeForbidden = errors.New("scope not accessible to caller")

	ErrEmptyMessage       = errors.New("message text is empty")
	ErrEmptyAttachment    = errors.New("attachment payload is empty")
	ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")

	// ErrNotAdmin guards secret rotation and bulk clears.
	ErrNotAdmin = errors.New("administrator privileges required")
)
