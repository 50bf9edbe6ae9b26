package httpx

import "github.com/juju/errors"

const (
	ErrBadRequest        = errors.ConstError("httpx: bad request")
	ErrHeaderTooLarge    = errors.ConstError("httpx: header too large")
	ErrBodyTooLarge      = errors.ConstError("httpx: body too large")
	ErrBodyNotAllowed    = errors.ConstError("httpx: response status does not allow a body")
	ErrProtocolViolation = errors.ConstError("httpx: protocol violation")
)
