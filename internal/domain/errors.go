package domain

import "errors"

var (
	ErrRecordNotFound   = errors.New("climber record not found")
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownAction    = errors.New("unknown action")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrPeerClosed       = errors.New("peer closed")
	ErrPeerSlow         = errors.New("peer send buffer full")
	ErrRegistryStopped  = errors.New("registry stopped")
	ErrGymFull          = errors.New("gym viewer limit reached")
)
