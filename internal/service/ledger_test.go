package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"vpn-shop-bot/internal/model"
)

func deposit(userID, amount int64, method model.Method) CreateRequest {
	return CreateRequest{UserID: userID, Amount: amount, Kind: model.KindDeposit, Method: method}
}

// A gateway deposit of 100000 completed twice by a duplicated webhook credits
// the wallet once.
func TestScenarioDuplicateDepositWebhook(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 0)

	tx, err := h.ledger.Create(ctx, deposit(1, 100000, model.MethodGateway))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, tx.Status)

	_, err = h.ledger.MarkPendingVerification(ctx, tx.ID, "gw-1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		done, err := h.ledger.Complete(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, done.Status)
	}
	assert.Equal(t, int64(100000), h.db.balance(1))
	assert.Empty(t, h.enqueuer.queued(), "deposits are not provisioned")
}

func TestConcurrentCompleteCreditsOnce(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 0)

	tx, err := h.ledger.Create(ctx, deposit(1, 5000, model.MethodCard))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ledger.Complete(ctx, tx.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5000), h.db.balance(1))
	assert.Len(t, h.notifier.closed, 1, "only the winning completion notifies")
}

func TestCreateValidation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 100)
	h.db.addUser(2, "mallory", 1000)
	require.NoError(t, h.accounts.SetBanned(ctx, 2, true))
	plan := h.db.addPlan(500, 30, 10)

	tests := []struct {
		name string
		req  CreateRequest
		err  error
	}{
		{"unknown kind", CreateRequest{UserID: 1, Amount: 1, Kind: "gift", Method: model.MethodCard}, ErrInvalidKind},
		{"unknown method", CreateRequest{UserID: 1, Amount: 1, Kind: model.KindDeposit, Method: "cash"}, ErrInvalidMethod},
		{"zero amount", deposit(1, 0, model.MethodCard), ErrInvalidAmount},
		{"negative amount", deposit(1, -5, model.MethodCard), ErrInvalidAmount},
		{"wallet deposit", deposit(1, 100, model.MethodWallet), ErrInvalidMethod},
		{"deposit with code", CreateRequest{UserID: 1, Amount: 100, Kind: model.KindDeposit, Method: model.MethodCard, DiscountCode: "X"}, ErrDiscountNotApplicable},
		{"purchase without plan", CreateRequest{UserID: 1, Amount: 100, Kind: model.KindPurchase, Method: model.MethodCard}, ErrPlanRequired},
		{"unknown user", deposit(99, 100, model.MethodCard), ErrUserNotFound},
		{"banned user", deposit(2, 100, model.MethodCard), ErrUserBanned},
		{"wallet short", CreateRequest{UserID: 1, Amount: 500, Kind: model.KindPurchase, Method: model.MethodWallet, PlanID: &plan.ID}, ErrInsufficientFunds},
		{"unknown code", CreateRequest{UserID: 1, Amount: 500, Kind: model.KindPurchase, Method: model.MethodCard, PlanID: &plan.ID, DiscountCode: "NOPE"}, ErrDiscountInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ledger.Create(ctx, tt.req)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestCloseTransitions(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 0)

	rejected, err := h.ledger.Create(ctx, deposit(1, 100, model.MethodCard))
	require.NoError(t, err)
	tx, err := h.ledger.Reject(ctx, rejected.ID, "blurry receipt")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, tx.Status)
	require.NotNil(t, tx.Reason)
	assert.Equal(t, "blurry receipt", *tx.Reason)

	_, err = h.ledger.Reject(ctx, rejected.ID, "again")
	assert.NoError(t, err, "same terminal state is an idempotent replay")
	_, err = h.ledger.Cancel(ctx, rejected.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.ledger.Complete(ctx, rejected.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	completed, err := h.ledger.Create(ctx, deposit(1, 100, model.MethodCard))
	require.NoError(t, err)
	_, err = h.ledger.Complete(ctx, completed.ID)
	require.NoError(t, err)
	_, err = h.ledger.Cancel(ctx, completed.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.ledger.MarkPendingVerification(ctx, completed.ID, "r")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, int64(100), h.db.balance(1))

	_, err = h.ledger.Complete(ctx, 424242)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestMarkPendingVerificationReplay(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 0)

	tx, err := h.ledger.Create(ctx, deposit(1, 100, model.MethodCard))
	require.NoError(t, err)

	_, err = h.ledger.MarkPendingVerification(ctx, tx.ID, "photo-1")
	require.NoError(t, err)
	_, err = h.ledger.MarkPendingVerification(ctx, tx.ID, "photo-1")
	assert.NoError(t, err)
	_, err = h.ledger.MarkPendingVerification(ctx, tx.ID, "photo-2")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestWalletPurchase(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 1000)
	plan := h.db.addPlan(800, 30, 10)

	tx, err := h.payments.BuyWithWallet(ctx, Actor{UserID: 1}, PurchaseRequest{PlanID: plan.ID})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, tx.Status)
	assert.Equal(t, int64(200), h.db.balance(1))
	assert.Equal(t, []int64{tx.ID}, h.enqueuer.queued())

	_, err = h.payments.BuyWithWallet(ctx, Actor{UserID: 1}, PurchaseRequest{PlanID: plan.ID})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, int64(200), h.db.balance(1))
}

// Two wallet purchases created against the same balance: only one can be
// debited, the other is cancelled.
func TestWalletPurchaseRaceCancelsLoser(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 1000)
	plan := h.db.addPlan(800, 30, 10)

	req := CreateRequest{UserID: 1, Amount: plan.Price, Kind: model.KindPurchase, Method: model.MethodWallet, PlanID: &plan.ID}
	first, err := h.ledger.Create(ctx, req)
	require.NoError(t, err)
	second, err := h.ledger.Create(ctx, req)
	require.NoError(t, err)

	_, err = h.ledger.Complete(ctx, first.ID)
	require.NoError(t, err)
	_, err = h.ledger.Complete(ctx, second.ID)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	tx, err := h.ledger.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, tx.Status, "a refused debit changes nothing")
	assert.Equal(t, int64(200), h.db.balance(1))
}

// TestStatusPathProperty drives random operation sequences against one
// transaction and checks every observed status change is an edge of the graph
// and the status never leaves a terminal state.
func TestStatusPathProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		h := newHarness()
		ctx := context.Background()
		h.db.addUser(1, "alice", 0)
		tx, err := h.ledger.Create(ctx, deposit(1, 100, model.MethodCard))
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		ops := []string{"verify", "complete", "reject", "cancel"}
		prev := tx.Status
		completions := 0
		steps := rapid.IntRange(1, 12).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			var err error
			switch rapid.SampledFrom(ops).Draw(t, "op") {
			case "verify":
				_, err = h.ledger.MarkPendingVerification(ctx, tx.ID, "r")
			case "complete":
				_, err = h.ledger.Complete(ctx, tx.ID)
			case "reject":
				_, err = h.ledger.Reject(ctx, tx.ID, "no")
			case "cancel":
				_, err = h.ledger.Cancel(ctx, tx.ID)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("unexpected error: %v", err)
			}

			cur, _ := h.ledger.Get(ctx, tx.ID)
			if cur.Status != prev {
				if !prev.CanTransition(cur.Status) {
					t.Fatalf("illegal transition %s -> %s", prev, cur.Status)
				}
				if cur.Status == model.StatusCompleted {
					completions++
				}
			}
			if prev.IsTerminal() && cur.Status != prev {
				t.Fatalf("left terminal state %s for %s", prev, cur.Status)
			}
			prev = cur.Status
		}

		want := int64(0)
		if completions == 1 {
			want = 100
		}
		if got := h.db.balance(1); got != want {
			t.Fatalf("balance %d, want %d", got, want)
		}
	})
}

func TestGatewayRef(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 0)

	tx, err := h.payments.CreateGatewayDeposit(ctx, Actor{UserID: 1}, 700, "pay_123")
	require.NoError(t, err)
	require.NotNil(t, tx.GatewayRef)

	_, err = h.payments.CompleteByGatewayRef(ctx, "pay_123")
	require.NoError(t, err)
	_, err = h.payments.CompleteByGatewayRef(ctx, "pay_123")
	require.NoError(t, err)
	assert.Equal(t, int64(700), h.db.balance(1))

	_, err = h.payments.RejectByGatewayRef(ctx, "pay_123", "late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.payments.CompleteByGatewayRef(ctx, "pay_unknown")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	assert.ErrorIs(t, h.ledger.AttachGatewayRef(ctx, tx.ID, "pay_other"), ErrInvalidTransition)
}

func TestCreateStampsDiscount(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.db.addUser(1, "alice", 0)
	plan := h.db.addPlan(10000, 30, 10)
	h.db.addDiscount(model.DiscountCode{Code: "FIX", Type: model.DiscountFixed, Value: 2500, ExpiresAt: time.Now().Add(time.Hour)})

	tx, err := h.ledger.Create(ctx, CreateRequest{
		UserID: 1, Amount: plan.Price, Kind: model.KindPurchase, Method: model.MethodCard,
		PlanID: &plan.ID, DiscountCode: "fix",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), tx.Amount)
	assert.Equal(t, int64(7500), tx.FinalAmount)
	require.NotNil(t, tx.DiscountCode)
	assert.Equal(t, "FIX", *tx.DiscountCode)

	d, err := memDiscounts{h.db}.Get(ctx, "FIX")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.CurrentUses, "redeemed at creation")
}
