package domain

import "errors"

var (
	ErrInvalidTask        = errors.New("invalid task")
	ErrCorruptTask        = errors.New("corrupt task")
	ErrUndeletableTask    = errors.New("task file could not be deleted")
	ErrNameCollision      = errors.New("no free task file name")
	ErrConfigChanged      = errors.New("configuration changed since worker start")
	ErrBackendUnavailable = errors.New("backend unavailable")
)
