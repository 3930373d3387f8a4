package bus

import "errors"

// ErrBusClosed is returned when publishing to a closed bus.
var ErrBusClosed = errors.New("message bus closed")
