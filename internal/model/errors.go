package model

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrClaimLost         = errors.New("trade already claimed")
	ErrPersistence       = errors.New("persistence failure")
	ErrNotFound          = errors.New("not found")
	ErrAssetDisabled     = errors.New("asset not tradable")
	ErrRiskLimit         = errors.New("risk limit exceeded")
)
