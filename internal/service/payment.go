package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"vpn-shop-bot/internal/model"
	"vpn-shop-bot/internal/repository"
)

// Actor is who is calling, resolved once per update by the front-end and
// passed by value.
type Actor struct {
	UserID  int64
	IsAdmin bool
}

// PurchaseRequest selects what to buy.
type PurchaseRequest struct {
	PlanID       int64
	ServerID     *int64
	DiscountCode string
}

// Quote is a priced plan. It has no side effects.
type Quote struct {
	Plan        *model.Plan
	Amount      int64
	FinalAmount int64
	Discount    *model.DiscountCode
}

// PaymentService drives the user-facing payment flows on top of the Ledger.
type PaymentService struct {
	ledger    *Ledger
	discounts *DiscountService
	rotator   *Rotator
	plans     PlanStore
	verifier  ReceiptVerifier
	notifier  Notifier
	now       Clock
}

// NewPaymentService creates a new PaymentService instance.
func NewPaymentService(ledger *Ledger, discounts *DiscountService, rotator *Rotator, plans PlanStore, verifier ReceiptVerifier, now Clock) *PaymentService {
	if verifier == nil {
		verifier = ManualReview{}
	}
	if now == nil {
		now = time.Now
	}
	return &PaymentService{
		ledger:    ledger,
		discounts: discounts,
		rotator:   rotator,
		plans:     plans,
		verifier:  verifier,
		notifier:  NopNotifier{},
		now:       now,
	}
}

// SetNotifier sets the admin-facing notifier. Must be called before serving.
func (s *PaymentService) SetNotifier(n Notifier) {
	if n != nil {
		s.notifier = n
	}
}

// Plans lists purchasable plans.
func (s *PaymentService) Plans(ctx context.Context) ([]*model.Plan, error) {
	return s.plans.ListActive(ctx)
}

// Quote prices a plan with an optional discount code.
func (s *PaymentService) Quote(ctx context.Context, planID int64, code string) (*Quote, error) {
	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		if errors.Is(err, repository.ErrPlanNotFound) {
			return nil, ErrPlanUnavailable
		}
		return nil, err
	}
	if !plan.IsActive {
		return nil, ErrPlanUnavailable
	}

	q := &Quote{Plan: plan, Amount: plan.Price, FinalAmount: plan.Price}
	if code != "" {
		d, err := s.discounts.Validate(ctx, code, s.now())
		if err != nil {
			return nil, err
		}
		q.Discount = d
		q.FinalAmount = ApplyDiscount(d, plan.Price)
	}
	return q, nil
}

func (s *PaymentService) purchase(ctx context.Context, actor Actor, req PurchaseRequest, method model.Method, cardID *int64) (*model.Transaction, error) {
	q, err := s.Quote(ctx, req.PlanID, "")
	if err != nil {
		return nil, err
	}
	return s.ledger.Create(ctx, CreateRequest{
		UserID:       actor.UserID,
		Amount:       q.Amount,
		Kind:         model.KindPurchase,
		Method:       method,
		DiscountCode: req.DiscountCode,
		PlanID:       &q.Plan.ID,
		ServerID:     req.ServerID,
		BankCardID:   cardID,
	})
}

// BuyWithWallet pays for a plan from the wallet and completes immediately.
// If the balance is spent concurrently between create and complete, the
// transaction is cancelled and ErrInsufficientFunds returned.
func (s *PaymentService) BuyWithWallet(ctx context.Context, actor Actor, req PurchaseRequest) (*model.Transaction, error) {
	tx, err := s.purchase(ctx, actor, req, model.MethodWallet, nil)
	if err != nil {
		return nil, err
	}

	completed, err := s.ledger.Complete(ctx, tx.ID)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			if _, cerr := s.ledger.Cancel(ctx, tx.ID); cerr != nil {
				log.Error().Err(cerr).Int64("transaction_id", tx.ID).Msg("Failed to cancel unfunded wallet purchase")
			}
		}
		return nil, err
	}
	return completed, nil
}

// StartCardPurchase creates a pending card purchase and picks the card to pay to.
func (s *PaymentService) StartCardPurchase(ctx context.Context, actor Actor, req PurchaseRequest) (*model.Transaction, *model.BankCard, error) {
	card, err := s.rotator.Next(ctx)
	if err != nil {
		return nil, nil, err
	}
	tx, err := s.purchase(ctx, actor, req, model.MethodCard, &card.ID)
	if err != nil {
		return nil, nil, err
	}
	return tx, card, nil
}

// StartCardDeposit creates a pending card deposit and picks the card to pay to.
func (s *PaymentService) StartCardDeposit(ctx context.Context, actor Actor, amount int64) (*model.Transaction, *model.BankCard, error) {
	card, err := s.rotator.Next(ctx)
	if err != nil {
		return nil, nil, err
	}
	tx, err := s.ledger.Create(ctx, CreateRequest{
		UserID:     actor.UserID,
		Amount:     amount,
		Kind:       model.KindDeposit,
		Method:     model.MethodCard,
		BankCardID: &card.ID,
	})
	if err != nil {
		return nil, nil, err
	}
	return tx, card, nil
}

// CreateGatewayDeposit creates a deposit paid through the gateway and links
// the gateway's payment id.
func (s *PaymentService) CreateGatewayDeposit(ctx context.Context, actor Actor, amount int64, gatewayRef string) (*model.Transaction, error) {
	tx, err := s.ledger.Create(ctx, CreateRequest{
		UserID: actor.UserID,
		Amount: amount,
		Kind:   model.KindDeposit,
		Method: model.MethodGateway,
	})
	if err != nil {
		return nil, err
	}
	return s.linkGateway(ctx, tx, gatewayRef)
}

// CreateGatewayPurchase creates a plan purchase paid through the gateway.
func (s *PaymentService) CreateGatewayPurchase(ctx context.Context, actor Actor, req PurchaseRequest, gatewayRef string) (*model.Transaction, error) {
	tx, err := s.purchase(ctx, actor, req, model.MethodGateway, nil)
	if err != nil {
		return nil, err
	}
	return s.linkGateway(ctx, tx, gatewayRef)
}

func (s *PaymentService) linkGateway(ctx context.Context, tx *model.Transaction, ref string) (*model.Transaction, error) {
	if ref == "" {
		return tx, nil
	}
	if err := s.ledger.AttachGatewayRef(ctx, tx.ID, ref); err != nil {
		return nil, fmt.Errorf("failed to link gateway payment: %w", err)
	}
	tx.GatewayRef = &ref
	return tx, nil
}

// owned loads a transaction the actor may act on. Other users' transactions
// look like missing ones.
func (s *PaymentService) owned(ctx context.Context, actor Actor, id int64) (*model.Transaction, error) {
	tx, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.UserID != actor.UserID && !actor.IsAdmin {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}

// SubmitReceipt records the payer's receipt for a card payment and asks the
// verifier what to do with it: auto-verified payments complete immediately,
// everything else goes to the card's admin.
func (s *PaymentService) SubmitReceipt(ctx context.Context, actor Actor, id int64, receiptRef string) (*model.Transaction, model.VerificationOutcome, error) {
	tx, err := s.owned(ctx, actor, id)
	if err != nil {
		return nil, model.PendingAdminReview, err
	}
	if tx.Method != model.MethodCard {
		return nil, model.PendingAdminReview, ErrInvalidMethod
	}

	tx, err = s.ledger.MarkPendingVerification(ctx, id, receiptRef)
	if err != nil {
		return nil, model.PendingAdminReview, err
	}

	outcome, err := s.verifier.Verify(ctx, tx)
	if err != nil {
		log.Warn().Err(err).Int64("transaction_id", id).Msg("Receipt verification failed, falling back to admin review")
		outcome = model.PendingAdminReview
	}

	switch outcome {
	case model.AutoVerified:
		completed, err := s.ledger.Complete(ctx, id)
		if err != nil {
			return nil, outcome, err
		}
		return completed, outcome, nil
	case model.PendingAdminReview:
		s.requestReview(ctx, tx)
	}
	return tx, outcome, nil
}

func (s *PaymentService) requestReview(ctx context.Context, tx *model.Transaction) {
	var (
		route = AdminRoute{AdminIDs: s.rotator.adminIDs, Broadcast: true}
		card  *model.BankCard
	)
	if tx.BankCardID != nil {
		r, err := s.rotator.RouteAdmin(ctx, *tx.BankCardID)
		if err != nil {
			log.Warn().Err(err).Int64("transaction_id", tx.ID).Msg("Admin routing failed, broadcasting")
		} else {
			route = r
		}
		if c, err := s.rotator.Card(ctx, *tx.BankCardID); err == nil {
			card = c
		}
	}
	logNotifyErr(s.notifier.RequestVerification(ctx, route, tx, card), "verification request")
}

// Approve completes a payment on an admin's confirmation.
func (s *PaymentService) Approve(ctx context.Context, actor Actor, id int64) (*model.Transaction, error) {
	if !actor.IsAdmin {
		return nil, ErrForbidden
	}
	tx, err := s.ledger.Complete(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Info().Int64("transaction_id", id).Int64("admin_id", actor.UserID).Msg("Payment approved")
	return tx, nil
}

// Reject refuses a payment on an admin's decision.
func (s *PaymentService) Reject(ctx context.Context, actor Actor, id int64, reason string) (*model.Transaction, error) {
	if !actor.IsAdmin {
		return nil, ErrForbidden
	}
	tx, err := s.ledger.Reject(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	log.Info().Int64("transaction_id", id).Int64("admin_id", actor.UserID).Str("reason", reason).Msg("Payment rejected")
	return tx, nil
}

// Cancel withdraws a payment that has not been settled yet.
func (s *PaymentService) Cancel(ctx context.Context, actor Actor, id int64) (*model.Transaction, error) {
	if _, err := s.owned(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.ledger.Cancel(ctx, id)
}

// CompleteByGatewayRef completes the transaction the gateway reports as paid.
func (s *PaymentService) CompleteByGatewayRef(ctx context.Context, ref string) (*model.Transaction, error) {
	tx, err := s.ledger.GetByGatewayRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.ledger.Complete(ctx, tx.ID)
}

// RejectByGatewayRef rejects the transaction the gateway reports as failed.
func (s *PaymentService) RejectByGatewayRef(ctx context.Context, ref, reason string) (*model.Transaction, error) {
	tx, err := s.ledger.GetByGatewayRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.ledger.Reject(ctx, tx.ID, reason)
}
