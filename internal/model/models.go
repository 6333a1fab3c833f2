// Package model defines the data models for the subscription shop bot.
package model

import "time"

// User represents a Telegram user with a prepaid wallet.
// Balance is kept in minor currency units and never goes negative.
type User struct {
	TelegramID int64     `db:"telegram_id"`
	Username   string    `db:"username"`
	Balance    int64     `db:"balance"`
	IsAdmin    bool      `db:"is_admin"`
	IsBanned   bool      `db:"is_banned"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Transaction is a single payment moving through the ledger state machine.
// Amount is the list price, FinalAmount is what the payer is charged after discount.
type Transaction struct {
	ID            int64      `db:"id"`
	UserID        int64      `db:"user_id"`
	Amount        int64      `db:"amount"`
	FinalAmount   int64      `db:"final_amount"`
	Kind          Kind       `db:"kind"`
	Method        Method     `db:"method"`
	Status        Status     `db:"status"`
	DiscountCode  *string    `db:"discount_code"`
	ReceiptRef    *string    `db:"receipt_ref"`
	GatewayRef    *string    `db:"gateway_ref"`
	BankCardID    *int64     `db:"bank_card_id"`
	PlanID        *int64     `db:"plan_id"`
	ServerID      *int64     `db:"server_id"`
	Reason        *string    `db:"reason"`
	CreatedAt     time.Time  `db:"created_at"`
	CompletedAt   *time.Time `db:"completed_at"`
	RejectedAt    *time.Time `db:"rejected_at"`
	CancelledAt   *time.Time `db:"cancelled_at"`
}

// DiscountCode is a promotional code. MaxUses nil means unlimited.
type DiscountCode struct {
	Code        string         `db:"code"`
	Type        DiscountType   `db:"type"`
	Value       int64          `db:"value"`
	ExpiresAt   time.Time      `db:"expires_at"`
	MaxUses     *int64         `db:"max_uses"`
	CurrentUses int64          `db:"current_uses"`
	Status      DiscountStatus `db:"status"`
	CreatedAt   time.Time      `db:"created_at"`
}

// BankCard is a receiving account shown to manual payers.
type BankCard struct {
	ID         int64      `db:"id"`
	BankName   string     `db:"bank_name"`
	CardNumber string     `db:"card_number"`
	Holder     string     `db:"holder"`
	IsActive   bool       `db:"is_active"`
	Priority   int        `db:"priority"`
	LastUsedAt *time.Time `db:"last_used_at"`
}

// PaymentAdminAssignment routes verification requests for a card to an admin.
// ChannelID, when set, receives the request instead of the admin's private chat.
type PaymentAdminAssignment struct {
	AdminID    int64  `db:"admin_id"`
	BankCardID *int64 `db:"bank_card_id"`
	ChannelID  *int64 `db:"channel_id"`
}

// RemoteAccount is the local record of a client provisioned on a panel.
// TransactionID is unique and acts as the provisioning idempotency key.
type RemoteAccount struct {
	ID                int64         `db:"id"`
	UserID            int64         `db:"user_id"`
	TransactionID     int64         `db:"transaction_id"`
	ServerID          int64         `db:"server_id"`
	RemoteIdentifier  string        `db:"remote_identifier"`
	ClientUUID        string        `db:"client_uuid"`
	TrafficLimitBytes int64         `db:"traffic_limit_bytes"`
	ExpiresAt         time.Time     `db:"expires_at"`
	ConnectionLink    string        `db:"connection_link"`
	Status            AccountStatus `db:"status"`
	FailureReason     *string       `db:"failure_reason"`
	CreatedAt         time.Time     `db:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at"`
}

// Server describes a remote panel. It is read-only to the billing core.
type Server struct {
	ID        int64  `db:"id"`
	Name      string `db:"name"`
	PanelURL  string `db:"panel_url"`
	Username  string `db:"username"`
	Password  string `db:"password"`
	InboundID int64  `db:"inbound_id"`
	LinkHost  string `db:"link_host"`
	LinkPort  int    `db:"link_port"`
	Protocol  string `db:"protocol"`
	IsActive  bool   `db:"is_active"`
}

// Plan is a purchasable subscription tier.
type Plan struct {
	ID           int64  `db:"id"`
	Name         string `db:"name"`
	DurationDays int    `db:"duration_days"`
	TrafficGB    int64  `db:"traffic_gb"`
	Price        int64  `db:"price"`
	IsActive     bool   `db:"is_active"`
}

// TrafficLimitBytes converts the plan's traffic allowance to bytes.
// Zero means unlimited.
func (p *Plan) TrafficLimitBytes() int64 {
	return p.TrafficGB * 1024 * 1024 * 1024
}

// ExpiresAt returns the expiry of an account provisioned from this plan at from.
func (p *Plan) ExpiresAt(from time.Time) time.Time {
	return from.AddDate(0, 0, p.DurationDays)
}

// CleanupTask is a stale panel client queued for operator-confirmed deletion.
type CleanupTask struct {
	ID               int64     `db:"id"`
	ServerID         int64     `db:"server_id"`
	RemoteIdentifier string    `db:"remote_identifier"`
	AccountID        *int64    `db:"account_id"`
	Reason           string    `db:"reason"`
	CreatedAt        time.Time `db:"created_at"`
}

// ProvisioningJob is the outbox row written when a purchase completes.
type ProvisioningJob struct {
	TransactionID int64      `db:"transaction_id"`
	Attempts      int        `db:"attempts"`
	CreatedAt     time.Time  `db:"created_at"`
	DoneAt        *time.Time `db:"done_at"`
}
