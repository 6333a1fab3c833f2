// Package service provides business logic implementations.
package service

import (
	"errors"
	"fmt"
)

// Ledger and payment errors.
var (
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrNoActiveBankCard      = errors.New("no active bank card")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrUserNotFound          = errors.New("user not found")
	ErrUserBanned            = errors.New("user is banned")
	ErrInvalidAmount         = errors.New("invalid amount: must be positive")
	ErrInvalidKind           = errors.New("invalid transaction kind")
	ErrInvalidMethod         = errors.New("invalid payment method")
	ErrPlanRequired          = errors.New("purchase requires a plan")
	ErrPlanUnavailable       = errors.New("plan is not available")
	ErrDiscountNotApplicable = errors.New("discount codes apply to purchases only")
	ErrDiscountInvalid       = errors.New("discount code invalid")
	ErrForbidden             = errors.New("operation not permitted")
)

// Provisioning, migration and audit errors.
var (
	ErrNotProvisionable  = errors.New("transaction is not a completed purchase")
	ErrNoActiveServer    = errors.New("no active server")
	ErrServerUnavailable = errors.New("server is not available")
	ErrAccountNotFound   = errors.New("remote account not found")
	ErrAccountNotActive  = errors.New("remote account is not active")
	ErrSameServer        = errors.New("account is already on that server")
	ErrMigrationConflict = errors.New("account changed during migration")
	ErrCleanupNotFound   = errors.New("cleanup task not found")
	ErrCleanupConflict   = errors.New("client is in use by a local account")
)

// DiscountReason says why a code was refused.
type DiscountReason string

const (
	DiscountNotFound  DiscountReason = "not_found"
	DiscountExpired   DiscountReason = "expired"
	DiscountDisabled  DiscountReason = "disabled"
	DiscountExhausted DiscountReason = "exhausted"
)

// DiscountError is returned when a code cannot be used.
// errors.Is(err, ErrDiscountInvalid) matches every reason.
type DiscountError struct {
	Code   string
	Reason DiscountReason
}

func (e *DiscountError) Error() string {
	return fmt.Sprintf("discount code %q is invalid: %s", e.Code, e.Reason)
}

func (e *DiscountError) Is(target error) bool {
	return target == ErrDiscountInvalid
}

// ProvisioningFailedError is returned after the failure was persisted on the
// account record. The transaction stays completed.
type ProvisioningFailedError struct {
	TransactionID int64
	AccountID     int64
	Reason        string
}

func (e *ProvisioningFailedError) Error() string {
	return fmt.Sprintf("provisioning failed for transaction %d: %s", e.TransactionID, e.Reason)
}

// MigrationError reports the stage at which a migration was aborted.
// Stages before "commit" leave no local or origin changes behind.
type MigrationError struct {
	AccountID int64
	Stage     string
	Err       error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration of account %d aborted at %s: %v", e.AccountID, e.Stage, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }
