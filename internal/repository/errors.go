package repository

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrConflict              = errors.New("conflict")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrReservedUnderflow     = errors.New("reserved quantity would go negative")
	ErrSerialization         = errors.New("serialization failure")
)
