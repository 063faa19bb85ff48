package listener

import "errors"

// ErrInvalidPort is returned when the port number is out of range.
var ErrInvalidPort = errors.New("listener: invalid port (must be 0-65535)")
