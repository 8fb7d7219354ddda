package domain

import "errors"

var (
	ErrConfiguration    = errors.New("configuration error")
	ErrConnectivity     = errors.New("database unreachable")
	ErrSourceNotFound   = errors.New("source not found")
	ErrCapacityExceeded = errors.New("spreadsheet capacity exceeded")
)
