package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpn-shop-bot/internal/model"
)

type stubVerifier struct {
	outcome model.VerificationOutcome
	err     error
}

func (v stubVerifier) Verify(context.Context, *model.Transaction) (model.VerificationOutcome, error) {
	return v.outcome, v.err
}

var (
	alice = Actor{UserID: 1}
	bob   = Actor{UserID: 2}
	admin = Actor{UserID: 900, IsAdmin: true}
)

func TestQuote(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	plan := h.db.addPlan(50000, 30, 50)
	off := h.db.addPlan(1000, 7, 5)
	h.db.plans[off.ID].IsActive = false

	q, err := h.payments.Quote(ctx, plan.ID, "")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), q.FinalAmount)
	assert.Nil(t, q.Discount)

	_, err = h.payments.Quote(ctx, off.ID, "")
	assert.ErrorIs(t, err, ErrPlanUnavailable)
	_, err = h.payments.Quote(ctx, 9999, "")
	assert.ErrorIs(t, err, ErrPlanUnavailable)
	_, err = h.payments.Quote(ctx, plan.ID, "NOPE")
	assert.ErrorIs(t, err, ErrDiscountInvalid)
}

func TestSubmitReceiptRoutesToCardAdmin(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 0)
	plan := h.db.addPlan(50000, 30, 50)
	card := h.db.addCard(0)
	h.db.admins = []model.PaymentAdminAssignment{{AdminID: 42, BankCardID: &card.ID}}

	tx, paidTo, err := h.payments.StartCardPurchase(ctx, alice, PurchaseRequest{PlanID: plan.ID})
	require.NoError(t, err)
	assert.Equal(t, card.ID, paidTo.ID)
	require.NotNil(t, tx.BankCardID)

	tx, outcome, err := h.payments.SubmitReceipt(ctx, alice, tx.ID, "photo-1")
	require.NoError(t, err)
	assert.Equal(t, model.PendingAdminReview, outcome)
	assert.Equal(t, model.StatusPendingVerification, tx.Status)

	require.Len(t, h.notifier.verification, 1)
	route := h.notifier.verification[0]
	assert.Equal(t, []int64{42}, route.AdminIDs)
	assert.False(t, route.Broadcast)
}

func TestSubmitReceiptBroadcastsWithoutAssignment(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 0)
	h.db.addCard(0)

	tx, _, err := h.payments.StartCardDeposit(ctx, alice, 20000)
	require.NoError(t, err)
	_, _, err = h.payments.SubmitReceipt(ctx, alice, tx.ID, "photo-1")
	require.NoError(t, err)

	require.Len(t, h.notifier.verification, 1)
	route := h.notifier.verification[0]
	assert.True(t, route.Broadcast)
	assert.Equal(t, []int64{900, 901}, route.AdminIDs)
}

func TestSubmitReceiptAutoVerified(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 0)
	h.db.addCard(0)
	plan := h.db.addPlan(50000, 30, 50)
	payments := NewPaymentService(h.ledger, h.discounts, h.rotator, memPlans{h.db}, stubVerifier{outcome: model.AutoVerified}, nil)
	payments.SetNotifier(h.notifier)

	tx, _, err := payments.StartCardPurchase(ctx, alice, PurchaseRequest{PlanID: plan.ID})
	require.NoError(t, err)
	tx, outcome, err := payments.SubmitReceipt(ctx, alice, tx.ID, "photo-1")
	require.NoError(t, err)
	assert.Equal(t, model.AutoVerified, outcome)
	assert.Equal(t, model.StatusCompleted, tx.Status)
	assert.Empty(t, h.notifier.verification)
	assert.Equal(t, []int64{tx.ID}, h.enqueuer.queued())
}

func TestSubmitReceiptVerifierErrorFallsBackToReview(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 0)
	h.db.addCard(0)
	payments := NewPaymentService(h.ledger, h.discounts, h.rotator, memPlans{h.db}, stubVerifier{outcome: model.AutoVerified, err: errors.New("ocr down")}, nil)
	payments.SetNotifier(h.notifier)

	tx, _, err := payments.StartCardDeposit(ctx, alice, 20000)
	require.NoError(t, err)
	tx, outcome, err := payments.SubmitReceipt(ctx, alice, tx.ID, "photo-1")
	require.NoError(t, err)
	assert.Equal(t, model.PendingAdminReview, outcome)
	assert.Equal(t, model.StatusPendingVerification, tx.Status)
	assert.Len(t, h.notifier.verification, 1)
}

func TestSubmitReceiptGuards(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 0)
	h.db.addUser(2, "bob", 0)
	h.db.addCard(0)

	tx, _, err := h.payments.StartCardDeposit(ctx, alice, 20000)
	require.NoError(t, err)
	_, _, err = h.payments.SubmitReceipt(ctx, bob, tx.ID, "photo-1")
	assert.ErrorIs(t, err, ErrTransactionNotFound, "other users' transactions are invisible")

	gw, err := h.payments.CreateGatewayDeposit(ctx, alice, 20000, "pay_1")
	require.NoError(t, err)
	_, _, err = h.payments.SubmitReceipt(ctx, alice, gw.ID, "photo-1")
	assert.ErrorIs(t, err, ErrInvalidMethod)
}

func TestApproveAndReject(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 0)
	h.db.addCard(0)

	tx, _, err := h.payments.StartCardDeposit(ctx, alice, 20000)
	require.NoError(t, err)
	_, _, err = h.payments.SubmitReceipt(ctx, alice, tx.ID, "photo-1")
	require.NoError(t, err)

	_, err = h.payments.Approve(ctx, alice, tx.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.payments.Reject(ctx, alice, tx.ID, "nope")
	assert.ErrorIs(t, err, ErrForbidden)

	done, err := h.payments.Approve(ctx, admin, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Equal(t, int64(20000), h.db.balance(1))

	_, err = h.payments.Reject(ctx, admin, tx.ID, "too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	other, _, err := h.payments.StartCardDeposit(ctx, alice, 5000)
	require.NoError(t, err)
	rejected, err := h.payments.Reject(ctx, admin, other.ID, "blurry receipt")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.Reason)
	assert.Equal(t, "blurry receipt", *rejected.Reason)
	assert.Equal(t, int64(20000), h.db.balance(1))
	assert.Contains(t, h.notifier.closed, model.StatusRejected)
}

func TestCancel(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 0)
	h.db.addUser(2, "bob", 0)
	h.db.addCard(0)

	tx, _, err := h.payments.StartCardDeposit(ctx, alice, 20000)
	require.NoError(t, err)

	_, err = h.payments.Cancel(ctx, bob, tx.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	cancelled, err := h.payments.Cancel(ctx, alice, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)

	_, err = h.payments.Approve(ctx, admin, tx.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Zero(t, h.db.balance(1))
}

func TestBuyWithWallet(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 60000)
	h.db.addUser(2, "bob", 100)
	plan := h.db.addPlan(50000, 30, 50)

	tx, err := h.payments.BuyWithWallet(ctx, alice, PurchaseRequest{PlanID: plan.ID})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, tx.Status)
	assert.Equal(t, int64(10000), h.db.balance(1))
	assert.Equal(t, []int64{tx.ID}, h.enqueuer.queued())

	_, err = h.payments.BuyWithWallet(ctx, bob, PurchaseRequest{PlanID: plan.ID})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(100), h.db.balance(2))
}

func TestStartCardPurchaseWithoutCards(t *testing.T) {
	h := newHarness()
	h.db.addUser(1, "alice", 0)
	plan := h.db.addPlan(50000, 30, 50)

	_, _, err := h.payments.StartCardPurchase(context.Background(), alice, PurchaseRequest{PlanID: plan.ID})
	assert.ErrorIs(t, err, ErrNoActiveBankCard)
}

func TestGatewayCallbacks(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 0)
	plan := h.db.addPlan(50000, 30, 50)

	dep, err := h.payments.CreateGatewayDeposit(ctx, alice, 20000, "pay_dep")
	require.NoError(t, err)
	buy, err := h.payments.CreateGatewayPurchase(ctx, alice, PurchaseRequest{PlanID: plan.ID}, "pay_buy")
	require.NoError(t, err)

	done, err := h.payments.CompleteByGatewayRef(ctx, "pay_dep")
	require.NoError(t, err)
	assert.Equal(t, dep.ID, done.ID)
	_, err = h.payments.CompleteByGatewayRef(ctx, "pay_dep")
	require.NoError(t, err, "a repeated callback is absorbed")
	assert.Equal(t, int64(20000), h.db.balance(1))

	rejected, err := h.payments.RejectByGatewayRef(ctx, "pay_buy", "expired")
	require.NoError(t, err)
	assert.Equal(t, buy.ID, rejected.ID)
	assert.Equal(t, model.StatusRejected, rejected.Status)
	assert.Empty(t, h.enqueuer.queued())

	_, err = h.payments.CompleteByGatewayRef(ctx, "pay_unknown")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}
