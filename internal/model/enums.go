package model

// Kind is what a transaction pays for.
type Kind string

const (
	KindPurchase Kind = "purchase"
	KindDeposit  Kind = "deposit"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPurchase, KindDeposit:
		return true
	}
	return false
}

// Method is how a transaction is paid.
type Method string

const (
	MethodWallet  Method = "wallet"
	MethodCard    Method = "card"
	MethodGateway Method = "gateway"
)

// Valid reports whether m is a known payment method.
func (m Method) Valid() bool {
	switch m {
	case MethodWallet, MethodCard, MethodGateway:
		return true
	}
	return false
}

// Status is a transaction's position in the ledger state machine.
//
//	pending -> pending_verification -> {completed, rejected}
//	pending -> {completed, rejected}
//	pending | pending_verification -> cancelled
type Status string

const (
	StatusPending             Status = "pending"
	StatusPendingVerification Status = "pending_verification"
	StatusCompleted           Status = "completed"
	StatusRejected            Status = "rejected"
	StatusCancelled           Status = "cancelled"
)

// AllStatuses lists every status in graph order.
var AllStatuses = []Status{
	StatusPending,
	StatusPendingVerification,
	StatusCompleted,
	StatusRejected,
	StatusCancelled,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPendingVerification, StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled:
		return true
	case StatusPending, StatusPendingVerification:
		return false
	}
	return false
}

// CanTransition reports whether the edge s -> to exists in the state graph.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		switch to {
		case StatusPendingVerification, StatusCompleted, StatusRejected, StatusCancelled:
			return true
		}
	case StatusPendingVerification:
		switch to {
		case StatusCompleted, StatusRejected, StatusCancelled:
			return true
		}
	case StatusCompleted, StatusRejected, StatusCancelled:
		return false
	}
	return false
}

// SourcesOf returns every status from which to is reachable in one step.
// Repositories use it to build compare-and-swap predicates.
func SourcesOf(to Status) []Status {
	var out []Status
	for _, s := range AllStatuses {
		if s.CanTransition(to) {
			out = append(out, s)
		}
	}
	return out
}

// DiscountType selects how a discount value is applied.
type DiscountType string

const (
	DiscountPercent DiscountType = "percent"
	DiscountFixed   DiscountType = "fixed"
)

// DiscountStatus toggles whether a code can be redeemed.
type DiscountStatus string

const (
	DiscountActive   DiscountStatus = "active"
	DiscountDisabled DiscountStatus = "disabled"
)

// AccountStatus is the lifecycle of a provisioned remote account.
type AccountStatus string

const (
	AccountActive             AccountStatus = "active"
	AccountProvisioningFailed AccountStatus = "provisioning_failed"
	AccountMigrating          AccountStatus = "migrating"
	AccountExpired            AccountStatus = "expired"
	AccountDisabled           AccountStatus = "disabled"
)

// VerificationOutcome is the structured result of checking a manual payment receipt.
type VerificationOutcome int

const (
	PendingAdminReview VerificationOutcome = iota
	AutoVerified
)

func (o VerificationOutcome) String() string {
	switch o {
	case AutoVerified:
		return "auto_verified"
	case PendingAdminReview:
		return "pending_admin_review"
	}
	return "unknown"
}

// DriftKind classifies a mismatch between local records and a panel.
type DriftKind string

const (
	DriftOrphanedRemote DriftKind = "orphaned_remote"
	DriftMissingRemote  DriftKind = "missing_remote"
	DriftStaleOrigin    DriftKind = "stale_origin"
	DriftUnprovisioned  DriftKind = "unprovisioned"
)
