package reshare

import "errors"

var (
	ErrNotShared      = errors.New("reshare: context is not shared with recipient")
	ErrInvalidRequest = errors.New("reshare: context and recipient are required")
	ErrClosed         = errors.New("reshare: engine is closed")
	ErrBadRecord      = errors.New("reshare: bad view record")
)
