package offers

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onesix/marketplace-orders/internal/events"
	"github.com/onesix/marketplace-orders/pkg/apperrors"
	"github.com/onesix/marketplace-orders/pkg/models"
)

type fakeStore struct {
	offers map[string]*models.CustomOffer
}

func (f *fakeStore) CreateOffer(_ context.Context, offer *models.CustomOffer) error {
	f.offers[offer.ID] = offer
	return nil
}

func (f *fakeStore) GetOffer(_ context.Context, offerID string) (*models.CustomOffer, error) {
	offer, ok := f.offers[offerID]
	if !ok {
		return nil, apperrors.NotFoundf("offer %s not found", offerID)
	}
	copied := *offer
	return &copied, nil
}

func (f *fakeStore) ListOffersForUser(_ context.Context, userID string) ([]*models.CustomOffer, error) {
	var out []*models.CustomOffer
	for _, offer := range f.offers {
		if offer.SenderID == userID || offer.ReceiverID == userID {
			out = append(out, offer)
		}
	}
	return out, nil
}

func (f *fakeStore) RejectOffer(_ context.Context, offerID string) error {
	offer := f.offers[offerID]
	if offer.Status != models.OfferStatusPending {
		return apperrors.Validationf("offer %s has already been processed", offerID)
	}
	offer.Status = models.OfferStatusRejected
	return nil
}

// fakeEngine mimics the CAS the real engine's store performs: the first
// accept wins, any later one fails validation.
type fakeEngine struct {
	store  *fakeStore
	orders []*models.Order
}

func (f *fakeEngine) CreateOrderFromOffer(_ context.Context, offer *models.CustomOffer) (*models.Order, error) {
	stored := f.store.offers[offer.ID]
	if stored.Status != models.OfferStatusPending {
		return nil, apperrors.Validationf("offer %s has already been processed", offer.ID)
	}
	order := &models.Order{
		ID:         uuid.New().String(),
		UserID:     offer.ReceiverID,
		Status:     models.OrderStatusPending,
		TotalPrice: offer.Price,
	}
	stored.Status = models.OfferStatusAccepted
	stored.OrderID = &order.ID
	f.orders = append(f.orders, order)
	return order, nil
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
	created       []events.OfferCreatedEvent
	resolved      []events.OfferResolvedEvent
	notifications []events.NotificationRequest
}

func (f *fakePublisher) PublishOfferCreated(e events.OfferCreatedEvent) error {
	f.created = append(f.created, e)
	return nil
}

func (f *fakePublisher) PublishOfferResolved(e events.OfferResolvedEvent) error {
	f.resolved = append(f.resolved, e)
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

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newFixture() (*Service, *fakeStore, *fakeEngine, *fakePublisher) {
	store := &fakeStore{offers: map[string]*models.CustomOffer{}}
	engine := &fakeEngine{store: store}
	directory := &fakeDirectory{
		jobs: map[string]*models.Job{
			"job-logo": {ID: "job-logo", Name: "Logo design", Price: price("100.00"), CreatedBy: "freya"},
		},
		users: map[string]*models.User{
			"beth":  {ID: "beth", Email: "beth@example.com"},
			"freya": {ID: "freya", Email: "freya@example.com"},
		},
	}
	publisher := &fakePublisher{}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	svc := NewService(store, engine, directory, publisher, &fakeHub{}, logger)
	return svc, store, engine, publisher
}

func TestCreateOffer(t *testing.T) {
	svc, store, _, publisher := newFixture()

	offer, err := svc.Create(context.Background(), "freya", "job-logo", "beth", price("300.00"), 5, nil)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusPending, offer.Status)
	assert.Equal(t, "freya", offer.SenderID)
	assert.Equal(t, "beth", offer.ReceiverID)
	assert.Contains(t, store.offers, offer.ID)

	require.Len(t, publisher.created, 1)
	require.Len(t, publisher.notifications, 1)
	assert.Equal(t, "beth@example.com", publisher.notifications[0].Recipient)
}

func TestCreateOfferGuards(t *testing.T) {
	svc, _, _, _ := newFixture()

	_, err := svc.Create(context.Background(), "freya", "job-logo", "beth", price("0.00"), 5, nil)
	require.ErrorIs(t, err, apperrors.ErrValidation, "zero price")

	_, err = svc.Create(context.Background(), "freya", "job-logo", "beth", price("300.00"), 0, nil)
	require.ErrorIs(t, err, apperrors.ErrValidation, "zero delivery days")

	_, err = svc.Create(context.Background(), "beth", "job-logo", "freya", price("300.00"), 5, nil)
	require.ErrorIs(t, err, apperrors.ErrValidation, "sender is not the job's creator")

	_, err = svc.Create(context.Background(), "freya", "job-logo", "freya", price("300.00"), 5, nil)
	require.ErrorIs(t, err, apperrors.ErrValidation, "self-addressed offer")

	_, err = svc.Create(context.Background(), "freya", "job-gone", "beth", price("300.00"), 5, nil)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = svc.Create(context.Background(), "freya", "job-logo", "nobody", price("300.00"), 5, nil)
	require.ErrorIs(t, err, apperrors.ErrNotFound, "unknown receiver")
}

func TestAcceptOffer(t *testing.T) {
	svc, _, engine, publisher := newFixture()
	created, err := svc.Create(context.Background(), "freya", "job-logo", "beth", price("300.00"), 5, nil)
	require.NoError(t, err)

	offer, order, err := svc.Accept(context.Background(), "beth", created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusAccepted, offer.Status)
	require.NotNil(t, offer.OrderID)
	assert.Equal(t, order.ID, *offer.OrderID)
	assert.True(t, order.TotalPrice.Equal(price("300.00")))
	require.Len(t, engine.orders, 1)

	require.Len(t, publisher.resolved, 1)
	assert.Equal(t, models.OfferStatusAccepted, publisher.resolved[0].Status)
	// sender is told their offer went through
	last := publisher.notifications[len(publisher.notifications)-1]
	assert.Equal(t, "freya@example.com", last.Recipient)
}

func TestAcceptOfferTwice(t *testing.T) {
	svc, _, engine, _ := newFixture()
	created, err := svc.Create(context.Background(), "freya", "job-logo", "beth", price("300.00"), 5, nil)
	require.NoError(t, err)

	_, _, err = svc.Accept(context.Background(), "beth", created.ID)
	require.NoError(t, err)

	_, _, err = svc.Accept(context.Background(), "beth", created.ID)
	require.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Len(t, engine.orders, 1, "a second accept never spawns a second order")
}

func TestAcceptOfferOnlyReceiver(t *testing.T) {
	svc, _, _, _ := newFixture()
	created, err := svc.Create(context.Background(), "freya", "job-logo", "beth", price("300.00"), 5, nil)
	require.NoError(t, err)

	_, _, err = svc.Accept(context.Background(), "freya", created.ID)
	require.ErrorIs(t, err, apperrors.ErrPermission, "the sender cannot accept their own offer")
}

func TestRejectOffer(t *testing.T) {
	svc, store, engine, publisher := newFixture()
	created, err := svc.Create(context.Background(), "freya", "job-logo", "beth", price("300.00"), 5, nil)
	require.NoError(t, err)

	offer, err := svc.Reject(context.Background(), "beth", created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusRejected, offer.Status)
	assert.Nil(t, offer.OrderID)
	assert.Empty(t, engine.orders)
	assert.Equal(t, models.OfferStatusRejected, store.offers[created.ID].Status)

	// a rejected offer cannot be revived
	_, _, err = svc.Accept(context.Background(), "beth", created.ID)
	require.ErrorIs(t, err, apperrors.ErrValidation)

	require.Len(t, publisher.resolved, 1)
}

func TestRejectOfferOnlyReceiver(t *testing.T) {
	svc, _, _, _ := newFixture()
	created, err := svc.Create(context.Background(), "freya", "job-logo", "beth", price("300.00"), 5, nil)
	require.NoError(t, err)

	_, err = svc.Reject(context.Background(), "freya", created.ID)
	require.ErrorIs(t, err, apperrors.ErrPermission)
}

func TestListOffers(t *testing.T) {
	svc, _, _, _ := newFixture()
	_, err := svc.Create(context.Background(), "freya", "job-logo", "beth", price("300.00"), 5, nil)
	require.NoError(t, err)

	for _, userID := range []string{"freya", "beth"} {
		offers, err := svc.List(context.Background(), userID)
		require.NoError(t, err)
		assert.Len(t, offers, 1, "user %s is a party to the offer", userID)
	}

	offers, err := svc.List(context.Background(), "sam")
	require.NoError(t, err)
	assert.Empty(t, offers)
}
