// Package repository provides data access layer implementations.
package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"vpn-shop-bot/internal/model"
)

// Common errors for repository operations.
var (
	ErrUserNotFound        = errors.New("user not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDiscountNotFound    = errors.New("discount code not found")
	ErrDiscountExhausted   = errors.New("discount code usage limit reached")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrBankCardNotFound    = errors.New("bank card not found")
	ErrAssignmentNotFound  = errors.New("payment admin assignment not found")
	ErrPlanNotFound        = errors.New("plan not found")
	ErrServerNotFound      = errors.New("server not found")
	ErrAccountNotFound     = errors.New("remote account not found")
	ErrAccountExists       = errors.New("remote account already exists for transaction")
	ErrIdentifierTaken     = errors.New("remote identifier already used on server")
	ErrCleanupNotFound     = errors.New("cleanup task not found")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func statusStrings(statuses []model.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
