package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onesix/marketplace-orders/internal/events"
	"github.com/onesix/marketplace-orders/pkg/apperrors"
	"github.com/onesix/marketplace-orders/pkg/models"
)

type transitionCall struct {
	orderID       string
	from, to      models.OrderStatus
	markCompleted bool
}

type cancelCall struct {
	orderID        string
	allowCompleted bool
}

type fakeStore struct {
	carts  map[string]*models.Cart
	orders map[string]*models.Order

	convertedOrder *models.Order
	convertedCart  string
	convertErr     error

	acceptedOffer string
	acceptedOrder *models.Order
	acceptErr     error

	transitions   []transitionCall
	transitionErr error

	cancels   []cancelCall
	cancelErr error

	deliveries  []*models.Delivery
	deliveryErr error

	statusOverrides map[string]models.OrderStatus
}

func (f *fakeStore) GetCart(_ context.Context, cartID string) (*models.Cart, error) {
	cart, ok := f.carts[cartID]
	if !ok {
		return nil, apperrors.NotFoundf("cart %s not found", cartID)
	}
	return cart, nil
}

func (f *fakeStore) ConvertCart(_ context.Context, order *models.Order, cartID string) error {
	if f.convertErr != nil {
		return f.convertErr
	}
	f.convertedOrder = order
	f.convertedCart = cartID
	return nil
}

func (f *fakeStore) AcceptOffer(_ context.Context, offerID string, order *models.Order) error {
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.acceptedOffer = offerID
	f.acceptedOrder = order
	return nil
}

func (f *fakeStore) GetOrder(_ context.Context, orderID string) (*models.Order, error) {
	order, ok := f.orders[orderID]
	if !ok {
		return nil, apperrors.NotFoundf("order %s not found", orderID)
	}
	return order, nil
}

func (f *fakeStore) ListOrders(_ context.Context, userID string) ([]*models.Order, error) {
	var out []*models.Order
	for _, order := range f.orders {
		if userID == "" || order.UserID == userID {
			out = append(out, order)
		}
	}
	return out, nil
}

func (f *fakeStore) TransitionOrder(_ context.Context, orderID string, from, to models.OrderStatus, markCompleted bool) error {
	if f.transitionErr != nil {
		return f.transitionErr
	}
	f.transitions = append(f.transitions, transitionCall{orderID, from, to, markCompleted})
	return nil
}

func (f *fakeStore) CancelOrder(_ context.Context, orderID string, allowCompleted bool) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancels = append(f.cancels, cancelCall{orderID, allowCompleted})
	return nil
}

func (f *fakeStore) RecordDelivery(_ context.Context, delivery *models.Delivery) error {
	if f.deliveryErr != nil {
		return f.deliveryErr
	}
	f.deliveries = append(f.deliveries, delivery)
	return nil
}

func (f *fakeStore) SetOrderStatus(_ context.Context, orderID string, status models.OrderStatus) error {
	if f.statusOverrides == nil {
		f.statusOverrides = map[string]models.OrderStatus{}
	}
	f.statusOverrides[orderID] = status
	return nil
}

type fakeDirectory struct {
	jobs  map[string]*models.Job
	users map[string]*models.User
}

func (f *fakeDirectory) GetJob(jobID string) (*models.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, apperrors.NotFoundf("job %s not found", jobID)
	}
	return job, nil
}

func (f *fakeDirectory) GetUser(userID string) (*models.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return nil, apperrors.NotFoundf("user %s not found", userID)
	}
	return user, nil
}

type fakePublisher struct {
	created       []events.OrderCreatedEvent
	statusChanges []events.OrderStatusChangedEvent
	notifications []events.NotificationRequest
}

func (f *fakePublisher) PublishOrderCreated(e events.OrderCreatedEvent) error {
	f.created = append(f.created, e)
	return nil
}

func (f *fakePublisher) PublishOrderStatusChanged(e events.OrderStatusChangedEvent) error {
	f.statusChanges = append(f.statusChanges, e)
	return nil
}

func (f *fakePublisher) PublishNotification(req events.NotificationRequest) error {
	f.notifications = append(f.notifications, req)
	return nil
}

type fakeHub struct {
	broadcasts []string
}

func (f *fakeHub) Broadcast(eventType string, _ interface{}) {
	f.broadcasts = append(f.broadcasts, eventType)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func strptr(s string) *string { return &s }

func newFixture() (*Service, *fakeStore, *fakeDirectory, *fakePublisher, *fakeHub) {
	store := &fakeStore{
		carts:  map[string]*models.Cart{},
		orders: map[string]*models.Order{},
	}
	directory := &fakeDirectory{
		jobs: map[string]*models.Job{
			"job-logo":  {ID: "job-logo", Name: "Logo design", Price: price("100.00"), CreatedBy: "freya", DurationDays: 7},
			"job-copy":  {ID: "job-copy", Name: "Copywriting", Price: price("50.00"), CreatedBy: "sam", DurationDays: 3},
			"job-own":   {ID: "job-own", Name: "My own gig", Price: price("10.00"), CreatedBy: "beth", DurationDays: 1},
			"job-nodur": {ID: "job-nodur", Name: "Quick fix", Price: price("20.00"), CreatedBy: "freya", DurationDays: 0},
		},
		users: map[string]*models.User{
			"beth":  {ID: "beth", Name: "Beth", Email: "beth@example.com"},
			"freya": {ID: "freya", Name: "Freya", Email: "freya@example.com"},
			"sam":   {ID: "sam", Name: "Sam", Email: "sam@example.com"},
			"admin": {ID: "admin", Name: "Admin", Email: "ops@example.com", IsOperator: true},
		},
	}
	publisher := &fakePublisher{}
	hub := &fakeHub{}
	svc := NewService(store, directory, publisher, hub, testLogger())
	return svc, store, directory, publisher, hub
}

func TestCreateOrderFromCart(t *testing.T) {
	svc, store, _, publisher, hub := newFixture()
	store.carts["cart-1"] = &models.Cart{
		ID:     "cart-1",
		UserID: "beth",
		Items: []models.CartItem{
			{JobID: "job-logo", Quantity: 2},
			{JobID: "job-copy", Quantity: 1},
		},
	}

	order, err := svc.CreateOrderFromCart(context.Background(), "beth", "cart-1")
	require.NoError(t, err)

	assert.True(t, order.TotalPrice.Equal(price("250.00")), "total 100*2 + 50*1, got %s", order.TotalPrice)
	require.Len(t, order.Items, 2)
	assert.True(t, order.Items[0].TotalPrice.Equal(price("200.00")))
	assert.True(t, order.Items[1].TotalPrice.Equal(price("50.00")))
	assert.Equal(t, "freya", *order.Items[0].FreelancerID)
	assert.Equal(t, models.OrderStatusPending, order.Status)

	require.NotNil(t, order.Deadline)
	wantDeadline := order.CreatedAt.Truncate(24 * time.Hour).AddDate(0, 0, 7)
	assert.Equal(t, wantDeadline, *order.Deadline, "deadline follows the longest job duration")

	assert.Equal(t, "cart-1", store.convertedCart)
	require.Len(t, publisher.created, 1)
	assert.Equal(t, "cart", publisher.created[0].Source)
	assert.Contains(t, hub.broadcasts, "order_created")
}

func TestCreateOrderFromCartNotifiesEachFreelancerOnce(t *testing.T) {
	svc, store, _, publisher, _ := newFixture()
	store.carts["cart-1"] = &models.Cart{
		ID:     "cart-1",
		UserID: "beth",
		Items: []models.CartItem{
			{JobID: "job-logo", Quantity: 1},
			{JobID: "job-nodur", Quantity: 1},
			{JobID: "job-copy", Quantity: 1},
		},
	}

	_, err := svc.CreateOrderFromCart(context.Background(), "beth", "cart-1")
	require.NoError(t, err)

	// freya appears on two lines but gets one notification
	require.Len(t, publisher.notifications, 2)
	recipients := []string{publisher.notifications[0].Recipient, publisher.notifications[1].Recipient}
	assert.Contains(t, recipients, "freya@example.com")
	assert.Contains(t, recipients, "sam@example.com")
}

func TestCreateOrderFromCartEmpty(t *testing.T) {
	svc, store, _, _, _ := newFixture()
	store.carts["cart-1"] = &models.Cart{ID: "cart-1", UserID: "beth"}

	_, err := svc.CreateOrderFromCart(context.Background(), "beth", "cart-1")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCreateOrderFromCartWrongOwner(t *testing.T) {
	svc, store, _, _, _ := newFixture()
	store.carts["cart-1"] = &models.Cart{
		ID:     "cart-1",
		UserID: "beth",
		Items:  []models.CartItem{{JobID: "job-logo", Quantity: 1}},
	}

	_, err := svc.CreateOrderFromCart(context.Background(), "sam", "cart-1")
	require.ErrorIs(t, err, apperrors.ErrPermission)
	assert.Empty(t, store.convertedCart)
}

func TestCreateOrderFromCartSelfDealing(t *testing.T) {
	svc, store, _, _, _ := newFixture()
	store.carts["cart-1"] = &models.Cart{
		ID:     "cart-1",
		UserID: "beth",
		Items:  []models.CartItem{{JobID: "job-own", Quantity: 1}},
	}

	_, err := svc.CreateOrderFromCart(context.Background(), "beth", "cart-1")
	require.ErrorIs(t, err, apperrors.ErrSelfDealing)
}

func TestCreateOrderFromCartMissingJob(t *testing.T) {
	svc, store, _, _, _ := newFixture()
	store.carts["cart-1"] = &models.Cart{
		ID:     "cart-1",
		UserID: "beth",
		Items:  []models.CartItem{{JobID: "job-gone", Quantity: 1}},
	}

	_, err := svc.CreateOrderFromCart(context.Background(), "beth", "cart-1")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCreateOrderFromCartConflict(t *testing.T) {
	svc, store, _, publisher, _ := newFixture()
	store.carts["cart-1"] = &models.Cart{
		ID:     "cart-1",
		UserID: "beth",
		Items:  []models.CartItem{{JobID: "job-logo", Quantity: 1}},
	}
	store.convertErr = apperrors.Conflictf("cart cart-1 has already been converted")

	_, err := svc.CreateOrderFromCart(context.Background(), "beth", "cart-1")
	require.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Empty(t, publisher.created, "no event when the transaction fails")
}

func TestCreateOrderFromOffer(t *testing.T) {
	svc, store, _, publisher, _ := newFixture()
	offer := &models.CustomOffer{
		ID:           "offer-1",
		JobID:        "job-logo",
		SenderID:     "freya",
		ReceiverID:   "beth",
		Price:        price("300.00"),
		DeliveryDays: 5,
	}

	order, err := svc.CreateOrderFromOffer(context.Background(), offer)
	require.NoError(t, err)

	assert.True(t, order.TotalPrice.Equal(price("300.00")))
	require.Len(t, order.Items, 1)
	assert.Equal(t, 1, order.Items[0].Quantity)
	assert.True(t, order.Items[0].Price.Equal(price("300.00")), "offer price wins over the job's listed price")
	assert.Equal(t, "beth", order.UserID)
	assert.Equal(t, "freya", *order.Items[0].FreelancerID)

	require.NotNil(t, order.Deadline)
	wantDeadline := order.CreatedAt.Truncate(24 * time.Hour).AddDate(0, 0, 5)
	assert.Equal(t, wantDeadline, *order.Deadline)

	assert.Equal(t, "offer-1", store.acceptedOffer)
	require.Len(t, publisher.created, 1)
	assert.Equal(t, "offer", publisher.created[0].Source)
}

func TestCreateOrderFromOfferReceiverOwnsJob(t *testing.T) {
	svc, _, _, _, _ := newFixture()
	offer := &models.CustomOffer{
		ID:         "offer-1",
		JobID:      "job-logo",
		SenderID:   "beth",
		ReceiverID: "freya",
		Price:      price("300.00"),
	}

	_, err := svc.CreateOrderFromOffer(context.Background(), offer)
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestStartProgress(t *testing.T) {
	svc, store, _, _, _ := newFixture()
	store.orders["order-1"] = &models.Order{
		ID:     "order-1",
		UserID: "beth",
		Status: models.OrderStatusPending,
		Items:  []models.OrderItem{{JobID: "job-logo", FreelancerID: strptr("freya")}},
	}

	order, err := svc.StartProgress(context.Background(), "freya", "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusInProgress, order.Status)
	require.Len(t, store.transitions, 1)
	assert.Equal(t, models.OrderStatusPending, store.transitions[0].from)
	assert.Equal(t, models.OrderStatusInProgress, store.transitions[0].to)
	assert.False(t, store.transitions[0].markCompleted)
}

func TestStartProgressNotAssigned(t *testing.T) {
	svc, store, _, _, _ := newFixture()
	store.orders["order-1"] = &models.Order{
		ID:     "order-1",
		UserID: "beth",
		Status: models.OrderStatusPending,
		Items:  []models.OrderItem{{JobID: "job-logo", FreelancerID: strptr("freya")}},
	}

	_, err := svc.StartProgress(context.Background(), "sam", "order-1")
	require.ErrorIs(t, err, apperrors.ErrPermission)

	_, err = svc.StartProgress(context.Background(), "beth", "order-1")
	require.ErrorIs(t, err, apperrors.ErrPermission, "the buyer is not the freelancer")
}

func TestStartProgressWrongStatus(t *testing.T) {
	svc, store, _, _, _ := newFixture()
	store.orders["order-1"] = &models.Order{
		ID:     "order-1",
		UserID: "beth",
		Status: models.OrderStatusDelivered,
		Items:  []models.OrderItem{{JobID: "job-logo", FreelancerID: strptr("freya")}},
	}

	_, err := svc.StartProgress(context.Background(), "freya", "order-1")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestDeliver(t *testing.T) {
	svc, store, _, publisher, _ := newFixture()
	store.orders["order-1"] = &models.Order{
		ID:     "order-1",
		UserID: "beth",
		Status: models.OrderStatusInProgress,
		Items:  []models.OrderItem{{JobID: "job-logo", FreelancerID: strptr("freya")}},
	}

	delivery, err := svc.Deliver(context.Background(), "freya", "order-1", "s3://bucket/final.zip", "final draft")
	require.NoError(t, err)
	assert.Equal(t, "freya", delivery.DelivererID)
	require.Len(t, store.deliveries, 1)

	// buyer gets notified that a delivery is waiting
	require.Len(t, publisher.notifications, 1)
	assert.Equal(t, "beth@example.com", publisher.notifications[0].Recipient)
}

func TestDeliverClosedOrder(t *testing.T) {
	svc, store, _, _, _ := newFixture()
	store.orders["order-1"] = &models.Order{ID: "order-1", UserID: "beth", Status: models.OrderStatusCanceled}
	store.deliveryErr = apperrors.Validationf("order order-1 is closed")

	_, err := svc.Deliver(context.Background(), "freya", "order-1", "", "")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestComplete(t *testing.T) {
	svc, store, _, publisher, _ := newFixture()
	store.orders["order-1"] = &models.Order{
		ID:     "order-1",
		UserID: "beth",
		Status: models.OrderStatusDelivered,
		Items:  []models.OrderItem{{JobID: "job-logo", FreelancerID: strptr("freya")}},
	}

	order, err := svc.Complete(context.Background(), "beth", "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	assert.True(t, order.IsCompleted)
	require.Len(t, store.transitions, 1)
	assert.True(t, store.transitions[0].markCompleted)

	require.Len(t, publisher.notifications, 1)
	assert.Equal(t, "freya@example.com", publisher.notifications[0].Recipient)
}

func TestCompleteOnlyBuyer(t *testing.T) {
	svc, store, _, _, _ := newFixture()
	store.orders["order-1"] = &models.Order{
		ID:     "order-1",
		UserID: "beth",
		Status: models.OrderStatusDelivered,
		Items:  []models.OrderItem{{JobID: "job-logo", FreelancerID: strptr("freya")}},
	}

	_, err := svc.Complete(context.Background(), "freya", "order-1")
	require.ErrorIs(t, err, apperrors.ErrPermission)

	_, err = svc.Complete(context.Background(), "admin", "order-1")
	require.ErrorIs(t, err, apperrors.ErrPermission, "operators do not complete on the buyer's behalf")
}

func TestCompleteNotDelivered(t *testing.T) {
	svc, store, _, _, _ := newFixture()
	store.orders["order-1"] = &models.Order{ID: "order-1", UserID: "beth", Status: models.OrderStatusPending}

	_, err := svc.Complete(context.Background(), "beth", "order-1")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCancel(t *testing.T) {
	svc, store, _, _, _ := newFixture()
	store.orders["order-1"] = &models.Order{
		ID:     "order-1",
		UserID: "beth",
		Status: models.OrderStatusPending,
		Items:  []models.OrderItem{{JobID: "job-logo", FreelancerID: strptr("freya")}},
	}

	t.Run("buyer cancels a live order", func(t *testing.T) {
		order, err := svc.Cancel(context.Background(), "beth", "order-1")
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCanceled, order.Status)
		require.Len(t, store.cancels, 1)
		assert.False(t, store.cancels[0].allowCompleted)
	})

	t.Run("buyer cannot cancel a completed order", func(t *testing.T) {
		store.orders["order-1"].Status = models.OrderStatusCompleted
		_, err := svc.Cancel(context.Background(), "beth", "order-1")
		require.ErrorIs(t, err, apperrors.ErrValidation)
	})

	t.Run("operator cancels even completed orders", func(t *testing.T) {
		store.orders["order-1"].Status = models.OrderStatusCompleted
		_, err := svc.Cancel(context.Background(), "admin", "order-1")
		require.NoError(t, err)
		last := store.cancels[len(store.cancels)-1]
		assert.True(t, last.allowCompleted)
	})

	t.Run("freelancer has no cancellation right", func(t *testing.T) {
		store.orders["order-1"].Status = models.OrderStatusPending
		_, err := svc.Cancel(context.Background(), "freya", "order-1")
		require.ErrorIs(t, err, apperrors.ErrPermission)
	})
}

func TestSetStatus(t *testing.T) {
	svc, store, _, _, _ := newFixture()
	store.orders["order-1"] = &models.Order{ID: "order-1", UserID: "beth", Status: models.OrderStatusPending}

	order, err := svc.SetStatus(context.Background(), "admin", "order-1", models.OrderStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)
	assert.True(t, order.IsCompleted)
	assert.Equal(t, models.OrderStatusCompleted, store.statusOverrides["order-1"])
}

func TestSetStatusGuards(t *testing.T) {
	svc, store, _, _, _ := newFixture()
	store.orders["order-1"] = &models.Order{ID: "order-1", UserID: "beth", Status: models.OrderStatusPending}

	_, err := svc.SetStatus(context.Background(), "beth", "order-1", models.OrderStatusCompleted)
	require.ErrorIs(t, err, apperrors.ErrPermission)

	_, err = svc.SetStatus(context.Background(), "admin", "order-1", models.OrderStatus("PAID"))
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestGetOrderVisibility(t *testing.T) {
	svc, store, _, _, _ := newFixture()
	store.orders["order-1"] = &models.Order{
		ID:     "order-1",
		UserID: "beth",
		Status: models.OrderStatusPending,
		Items:  []models.OrderItem{{JobID: "job-logo", FreelancerID: strptr("freya")}},
	}

	for _, actor := range []string{"beth", "freya", "admin"} {
		_, err := svc.GetOrder(context.Background(), actor, "order-1")
		assert.NoError(t, err, "actor %s should see the order", actor)
	}

	_, err := svc.GetOrder(context.Background(), "sam", "order-1")
	require.ErrorIs(t, err, apperrors.ErrPermission)
}

func TestListOrdersScoping(t *testing.T) {
	svc, store, _, _, _ := newFixture()
	store.orders["order-1"] = &models.Order{ID: "order-1", UserID: "beth"}
	store.orders["order-2"] = &models.Order{ID: "order-2", UserID: "sam"}

	mine, err := svc.ListOrders(context.Background(), "beth")
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	all, err := svc.ListOrders(context.Background(), "admin")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
