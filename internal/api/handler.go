// Package api is the thin HTTP surface over the engine. Authentication and
// fine-grained permission checks live in the upstream gateway; this layer
// only extracts the actor id it forwards and maps error classes to status
// codes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/onesix/marketplace-orders/internal/cart"
	"github.com/onesix/marketplace-orders/internal/circuitbreaker"
	"github.com/onesix/marketplace-orders/internal/engine"
	"github.com/onesix/marketplace-orders/internal/offers"
	"github.com/onesix/marketplace-orders/internal/reviews"
	"github.com/onesix/marketplace-orders/internal/websocket"
	"github.com/onesix/marketplace-orders/pkg/apperrors"
	"github.com/onesix/marketplace-orders/pkg/models"
)

type Pinger interface {
	Ping() error
}

type Handler struct {
	carts   *cart.Service
	engine  *engine.Service
	offers  *offers.Service
	reviews *reviews.Service
	hub     *websocket.Hub
	db      Pinger
	logger  *logrus.Logger
}

func NewHandler(carts *cart.Service, eng *engine.Service, off *offers.Service, rev *reviews.Service, hub *websocket.Hub, db Pinger, logger *logrus.Logger) *Handler {
	return &Handler{
		carts:   carts,
		engine:  eng,
		offers:  off,
		reviews: rev,
		hub:     hub,
		db:      db,
		logger:  logger,
	}
}

func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/ws", h.hub.HandleWebSocket).Methods("GET")

	router.HandleFunc("/carts", h.CreateCart).Methods("POST")
	router.HandleFunc("/carts/{id}", h.GetCart).Methods("GET")
	router.HandleFunc("/carts/{id}/items", h.AddCartItem).Methods("POST")
	router.HandleFunc("/carts/{id}/items/{itemID}", h.UpdateCartItem).Methods("PATCH")
	router.HandleFunc("/carts/{id}/items/{itemID}", h.RemoveCartItem).Methods("DELETE")
	router.HandleFunc("/carts/{id}/checkout", h.Checkout).Methods("POST")

	router.HandleFunc("/orders", h.ListOrders).Methods("GET")
	router.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")
	router.HandleFunc("/orders/{id}/start", h.StartProgress).Methods("POST")
	router.HandleFunc("/orders/{id}/deliver", h.Deliver).Methods("POST")
	router.HandleFunc("/orders/{id}/complete", h.Complete).Methods("POST")
	router.HandleFunc("/orders/{id}/cancel", h.Cancel).Methods("POST")
	router.HandleFunc("/orders/{id}/status", h.OverrideStatus).Methods("PUT")

	router.HandleFunc("/offers", h.ListOffers).Methods("GET")
	router.HandleFunc("/offers", h.CreateOffer).Methods("POST")
	router.HandleFunc("/offers/{id}/accept", h.AcceptOffer).Methods("POST")
	router.HandleFunc("/offers/{id}/reject", h.RejectOffer).Methods("POST")

	router.HandleFunc("/jobs/{jobID}/reviews", h.ListReviews).Methods("GET")
	router.HandleFunc("/jobs/{jobID}/reviews", h.CreateReview).Methods("POST")
	router.HandleFunc("/reviews/{id}", h.EditReview).Methods("PATCH")

	router.Use(loggingMiddleware(h.logger))
	return router
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(); err != nil {
		h.respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": "order-engine",
			"error":   "database connection failed",
		})
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "order-engine",
	})
}

func (h *Handler) CreateCart(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	c, err := h.carts.CreateCart(r.Context(), actorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, c)
}

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	view, err := h.carts.GetCart(r.Context(), actorID, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, view)
}

type addItemRequest struct {
	JobID    string `json:"job_id"`
	Quantity int    `json:"quantity"`
}

func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	item, err := h.carts.AddItem(r.Context(), actorID, mux.Vars(r)["id"], req.JobID, req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, item)
}

type updateItemRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) UpdateCartItem(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	itemID, err := strconv.ParseInt(mux.Vars(r)["itemID"], 10, 64)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid item id")
		return
	}
	var req updateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.carts.UpdateItem(r.Context(), actorID, mux.Vars(r)["id"], itemID, req.Quantity); err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	itemID, err := strconv.ParseInt(mux.Vars(r)["itemID"], 10, 64)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid item id")
		return
	}
	if err := h.carts.RemoveItem(r.Context(), actorID, mux.Vars(r)["id"], itemID); err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	order, err := h.engine.CreateOrderFromCart(r.Context(), actorID, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, order)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	orders, err := h.engine.ListOrders(r.Context(), actorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	order, err := h.engine.GetOrder(r.Context(), actorID, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) StartProgress(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	order, err := h.engine.StartProgress(r.Context(), actorID, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, order)
}

type deliverRequest struct {
	ArtifactRef string `json:"artifact_ref"`
	Description string `json:"description"`
}

func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req deliverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	delivery, err := h.engine.Deliver(r.Context(), actorID, mux.Vars(r)["id"], req.ArtifactRef, req.Description)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, delivery)
}

func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	order, err := h.engine.Complete(r.Context(), actorID, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	order, err := h.engine.Cancel(r.Context(), actorID, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, order)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) OverrideStatus(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	order, err := h.engine.SetStatus(r.Context(), actorID, mux.Vars(r)["id"], models.OrderStatus(req.Status))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	list, err := h.offers.List(r.Context(), actorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"offers": list,
		"count":  len(list),
	})
}

type offerRequest struct {
	JobID        string          `json:"job_id"`
	ReceiverID   string          `json:"receiver_id"`
	Price        decimal.Decimal `json:"price"`
	DeliveryDays int             `json:"delivery_days"`
	Features     json.RawMessage `json:"features,omitempty"`
}

func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	offer, err := h.offers.Create(r.Context(), actorID, req.JobID, req.ReceiverID, req.Price, req.DeliveryDays, req.Features)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, offer)
}

func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	offer, order, err := h.offers.Accept(r.Context(), actorID, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"offer":    offer,
		"order_id": order.ID,
	})
}

func (h *Handler) RejectOffer(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	offer, err := h.offers.Reject(r.Context(), actorID, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, offer)
}

func (h *Handler) ListReviews(w http.ResponseWriter, r *http.Request) {
	list, err := h.reviews.ListByJob(r.Context(), mux.Vars(r)["jobID"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"reviews": list,
		"count":   len(list),
	})
}

type reviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

func (h *Handler) CreateReview(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	review, err := h.reviews.Create(r.Context(), actorID, mux.Vars(r)["jobID"], req.Rating, req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, review)
}

func (h *Handler) EditReview(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	reviewID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid review id")
		return
	}
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	review, err := h.reviews.Edit(r.Context(), actorID, reviewID, req.Rating, req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, review)
}

// actor pulls the authenticated caller's id, which the upstream gateway
// sets after verifying the token.
func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actorID := r.Header.Get("X-User-ID")
	if actorID == "" {
		h.respondWithError(w, http.StatusUnauthorized, "Missing X-User-ID header")
		return "", false
	}
	return actorID, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		h.respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrPermission):
		h.respondWithError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, apperrors.ErrNotFound):
		h.respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apperrors.ErrSelfDealing):
		h.respondWithError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, apperrors.ErrConflict):
		h.respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, circuitbreaker.ErrOpen):
		h.respondWithError(w, http.StatusServiceUnavailable, "Directory service unavailable")
	default:
		h.logger.WithError(err).Error("Internal error")
		h.respondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}
