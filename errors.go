package autocell

import "errors"

// ErrClosed is returned by Get once Close has been called on the cell.
var ErrClosed = errors.New("autocell: cell closed")
