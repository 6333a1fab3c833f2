package service

import (
	"context"
	"time"

	"vpn-shop-bot/internal/model"
)

// The interfaces below are what the services need from persistence. Every
// mutating method is a single atomic operation; the repository package
// implements them on PostgreSQL.

type UserStore interface {
	GetByID(ctx context.Context, telegramID int64) (*model.User, error)
	GetOrCreate(ctx context.Context, telegramID int64, username string) (*model.User, bool, error)
	UpdateUsername(ctx context.Context, telegramID int64, username string) error
	SetBanned(ctx context.Context, telegramID int64, banned bool) error
	SetAdmin(ctx context.Context, telegramID int64, admin bool) error
}

type TransactionStore interface {
	Create(ctx context.Context, t *model.Transaction) (*model.Transaction, error)
	GetByID(ctx context.Context, id int64) (*model.Transaction, error)
	GetByGatewayRef(ctx context.Context, ref string) (*model.Transaction, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*model.Transaction, error)
	MarkPendingVerification(ctx context.Context, id int64, receiptRef string) (*model.Transaction, bool, error)
	AttachGatewayRef(ctx context.Context, id int64, ref string) (bool, error)
	Complete(ctx context.Context, id int64) (*model.Transaction, bool, error)
	Close(ctx context.Context, id int64, to model.Status, reason *string) (*model.Transaction, bool, error)
	ListCompletedPurchasesWithoutAccount(ctx context.Context, limit int) ([]int64, error)
}

type DiscountStore interface {
	Get(ctx context.Context, code string) (*model.DiscountCode, error)
	Redeem(ctx context.Context, code string, transactionID int64) (bool, error)
}

type BankCardStore interface {
	ListActive(ctx context.Context) ([]*model.BankCard, error)
	GetByID(ctx context.Context, id int64) (*model.BankCard, error)
	TouchLastUsed(ctx context.Context, id int64, prev *time.Time, now time.Time) (bool, error)
}

type PaymentAdminStore interface {
	GetByCard(ctx context.Context, cardID int64) (*model.PaymentAdminAssignment, error)
}

type PlanStore interface {
	GetByID(ctx context.Context, id int64) (*model.Plan, error)
	ListActive(ctx context.Context) ([]*model.Plan, error)
}

type ServerStore interface {
	GetByID(ctx context.Context, id int64) (*model.Server, error)
	ListActive(ctx context.Context) ([]*model.Server, error)
}

type RemoteAccountStore interface {
	Save(ctx context.Context, a *model.RemoteAccount) (*model.RemoteAccount, error)
	GetByID(ctx context.Context, id int64) (*model.RemoteAccount, error)
	GetByTransaction(ctx context.Context, transactionID int64) (*model.RemoteAccount, error)
	ListByUser(ctx context.Context, userID int64) ([]*model.RemoteAccount, error)
	ListByServer(ctx context.Context, serverID int64) ([]*model.RemoteAccount, error)
	UpdateServer(ctx context.Context, id, from, to int64, link string) (bool, error)
	SetStatus(ctx context.Context, id int64, status model.AccountStatus) error
}

type JobStore interface {
	Enqueue(ctx context.Context, transactionID int64) error
	ListPending(ctx context.Context, limit int) ([]*model.ProvisioningJob, error)
	MarkAttempt(ctx context.Context, transactionID int64, done bool) error
}

type CleanupStore interface {
	Enqueue(ctx context.Context, task *model.CleanupTask) error
	List(ctx context.Context) ([]*model.CleanupTask, error)
	GetByID(ctx context.Context, id int64) (*model.CleanupTask, error)
	Delete(ctx context.Context, id int64) error
}

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time
