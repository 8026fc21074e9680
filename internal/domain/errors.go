package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrMaxPositionsReached  = errors.New("max positions reached")
	ErrSectorAllocation     = errors.New("sector allocation exceeded")
	ErrInvalidOrder         = errors.New("invalid order parameters")
	ErrSymbolInactive       = errors.New("symbol inactive")
	ErrRateLimited          = errors.New("rate limited")
	ErrEmergencyHalt        = errors.New("emergency halt in progress")
	ErrBotNotRunning        = errors.New("bot not running")
	ErrConsistencyViolation = errors.New("consistency violation")
)
