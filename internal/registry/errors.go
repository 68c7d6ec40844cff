package registry

import "errors"

var (
	ErrFull        = errors.New("registry is full")
	ErrClosed      = errors.New("registry is closed")
	ErrDuplicateID = errors.New("connection id already registered")
	ErrInvalidID   = errors.New("connection id is reserved")
	ErrNilPeer     = errors.New("peer cannot be nil")
)
