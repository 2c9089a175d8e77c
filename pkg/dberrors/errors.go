package dberrors

import "errors"

var (
	ErrNotFound           = errors.New("replsvc: not found")
	ErrClosed             = errors.New("replsvc: closed")
	ErrInvalidArgument    = errors.New("replsvc: invalid argument")
	ErrNotLeader          = errors.New("replsvc: not leader")
	ErrUnknownService     = errors.New("replsvc: unknown service")
	ErrCorruptValue       = errors.New("replsvc: corrupt value")
	ErrInvariantViolation = errors.New("replsvc: invariant violation")
)
