package broadcast

import "errors"

// ErrClosed is returned by a Channel after Close.
var ErrClosed = errors.New("broadcast channel closed")
