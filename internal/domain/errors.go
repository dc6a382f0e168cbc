package domain

import "errors"

var (
	ErrNotConnected = errors.New("not connected")
	ErrAuthMissing  = errors.New("credentials required")
	ErrNotOpen      = errors.New("channel not open")
	ErrStreamEnded  = errors.New("stream ended")
	ErrDecode       = errors.New("decode failed")
	ErrBlocked      = errors.New("asset blocked")
	ErrUnsupported  = errors.New("unsupported platform")
)
