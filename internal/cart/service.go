// Package cart holds a buyer's candidate purchases before commitment.
// Nothing in here is priced for real: the displayed totals track live job
// prices, and checkout recomputes from scratch inside its own transaction.
package cart

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/onesix/marketplace-orders/pkg/apperrors"
	"github.com/onesix/marketplace-orders/pkg/models"
)

// serviceFeeRate is the platform's fixed markup applied to the displayed
// cart total.
var serviceFeeRate = decimal.RequireFromString("1.16")

type Store interface {
	CreateCart(ctx context.Context, userID string) (*models.Cart, error)
	GetCart(ctx context.Context, cartID string) (*models.Cart, error)
	UpsertCartItem(ctx context.Context, cartID, jobID string, quantity int) (*models.CartItem, error)
	UpdateCartItemQuantity(ctx context.Context, cartID string, itemID int64, quantity int) error
	DeleteCartItem(ctx context.Context, cartID string, itemID int64) error
}

type Directory interface {
	GetJob(jobID string) (*models.Job, error)
}

type Service struct {
	store     Store
	directory Directory
	logger    *logrus.Logger
}

func NewService(store Store, directory Directory, logger *logrus.Logger) *Service {
	return &Service{store: store, directory: directory, logger: logger}
}

func (s *Service) CreateCart(ctx context.Context, actorID string) (*models.Cart, error) {
	return s.store.CreateCart(ctx, actorID)
}

// AddItem inserts a line or accumulates quantity if the cart already holds
// the job. Self-dealing is checked here and again at checkout, since the
// job's ownership can change while the cart sits idle.
func (s *Service) AddItem(ctx context.Context, actorID, cartID, jobID string, quantity int) (*models.CartItem, error) {
	if quantity < 1 {
		return nil, apperrors.Validationf("quantity must be at least 1")
	}

	cart, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if cart.UserID != actorID {
		return nil, apperrors.Permissionf("cart %s does not belong to you", cartID)
	}

	job, err := s.directory.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.CreatedBy == cart.UserID {
		return nil, apperrors.SelfDealingf("you cannot order your own job %s", jobID)
	}

	item, err := s.store.UpsertCartItem(ctx, cartID, jobID, quantity)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"cart_id":  cartID,
		"job_id":   jobID,
		"quantity": item.Quantity,
	}).Info("Cart item added")
	return item, nil
}

func (s *Service) UpdateItem(ctx context.Context, actorID, cartID string, itemID int64, quantity int) error {
	if quantity < 1 {
		return apperrors.Validationf("quantity must be at least 1")
	}
	if err := s.requireOwnership(ctx, actorID, cartID); err != nil {
		return err
	}
	return s.store.UpdateCartItemQuantity(ctx, cartID, itemID, quantity)
}

func (s *Service) RemoveItem(ctx context.Context, actorID, cartID string, itemID int64) error {
	if err := s.requireOwnership(ctx, actorID, cartID); err != nil {
		return err
	}
	return s.store.DeleteCartItem(ctx, cartID, itemID)
}

// GetCart returns the cart decorated with live prices and the marked-up
// display total. Informational only; the order freezes its own prices.
func (s *Service) GetCart(ctx context.Context, actorID, cartID string) (*models.CartView, error) {
	cart, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if cart.UserID != actorID {
		return nil, apperrors.Permissionf("cart %s does not belong to you", cartID)
	}

	view := &models.CartView{Cart: *cart}
	subtotal := decimal.Zero
	for _, item := range cart.Items {
		job, err := s.directory.GetJob(item.JobID)
		if err != nil {
			return nil, err
		}
		lineTotal := job.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		view.Items = append(view.Items, models.CartItemView{
			CartItem:  item,
			JobName:   job.Name,
			UnitPrice: job.Price,
			LineTotal: lineTotal,
		})
		subtotal = subtotal.Add(lineTotal)
	}
	view.TotalPrice = subtotal.Mul(serviceFeeRate).Round(2)
	return view, nil
}

func (s *Service) requireOwnership(ctx context.Context, actorID, cartID string) error {
	cart, err := s.store.GetCart(ctx, cartID)
	if err != nil {
		return err
	}
	if cart.UserID != actorID {
		return apperrors.Permissionf("cart %s does not belong to you", cartID)
	}
	return nil
}
