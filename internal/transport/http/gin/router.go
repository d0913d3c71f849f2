package httpgin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/kirinyoku/tix-reserve/internal/metrics"
	"github.com/kirinyoku/tix-reserve/internal/queue"
	redisrepo "github.com/kirinyoku/tix-reserve/internal/repository/redis"
	"github.com/kirinyoku/tix-reserve/internal/service"
	"github.com/kirinyoku/tix-reserve/internal/service/admin"
	"github.com/kirinyoku/tix-reserve/internal/service/query"
	"github.com/kirinyoku/tix-reserve/internal/service/reservation"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

type Reserver interface {
	Reserve(ctx context.Context, userID, eventID int64, items []domain.RequestedItem) (*domain.Reservation, error)
}

type Reservations interface {
	Confirm(ctx context.Context, id uuid.UUID, userID int64, items []domain.FinalizedItem) (*domain.Reservation, error)
	GetReservation(ctx context.Context, id uuid.UUID, userID int64) (*domain.Reservation, error)
	ConfirmedCount(ctx context.Context, userID, eventID int64) (int, error)
}

type Catalog interface {
	GetEventSummary(ctx context.Context, id int64) (*domain.EventSummary, error)
	GetTicketType(ctx context.Context, id int64) (*domain.TicketType, error)
}

type CatalogAdmin interface {
	CreateEvent(ctx context.Context, event domain.Event, types []domain.TicketType) (*domain.EventSummary, error)
}

type Idempotency interface {
	Claim(ctx context.Context, key string, lockTTL time.Duration) (string, bool, error)
	Lookup(ctx context.Context, key string) (*redisrepo.StoredResponse, bool, error)
	Save(ctx context.Context, key string, resp redisrepo.StoredResponse) error
	Release(ctx context.Context, key, token string) error
}

type RateLimiter interface {
	Allow(ctx context.Context, suffix string) (redisrepo.Decision, error)
}

// API is everything the router serves. Idempotency and Limiter may be nil.
type API struct {
	Reserver     Reserver
	Reservations Reservations
	Catalog      Catalog
	Admin        CatalogAdmin
	Idempotency  Idempotency
	Limiter      RateLimiter
	// ClaimTTL bounds how long an Idempotency-Key stays claimed by a request
	// whose outcome is unknown. Zero means defaultClaimTTL.
	ClaimTTL time.Duration
}

const (
	defaultClaimTTL = time.Minute
	// maxTicketsPerRequest caps the expanded ticket count of one reservation.
	maxTicketsPerRequest = 50
)

// NewAPI exposes svcs over HTTP. Reservations are submitted through the
// task queue dispatcher.
func NewAPI(svcs *service.Services, idem *redisrepo.IdempotencyStore, limiter *redisrepo.SlidingWindowLimiter) API {
	api := API{
		Reserver:     svcs.Dispatcher,
		Reservations: svcs.Reservation,
		Catalog:      svcs.Query,
		Admin:        svcs.Admin,
	}
	if idem != nil {
		api.Idempotency = idem
	}
	if limiter != nil {
		api.Limiter = limiter
	}
	return api
}

func NewRouter(
	api API,
	logger *slog.Logger,
	middlewares ...gin.HandlerFunc,
) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery(), LoggingMiddleware(logger), RequestIDMiddleware(), CORS())
	for _, m := range middlewares {
		if m != nil {
			r.Use(m)
		}
	}

	// Swagger UI
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// health
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Public API
	r.GET("/events/:id", handleGetEvent(api))
	r.GET("/events/:id/users/:user_id/tickets", handleConfirmedCount(api))
	r.GET("/ticket-types/:id", handleGetTicketType(api))

	r.POST("/events/:id/reservations", handleReserve(api))
	r.GET("/reservations/:id", handleGetReservation(api))
	r.PUT("/reservations/:id", handleConfirm(api))

	// Admin-API
	// TODO: add admin middleware
	adm := r.Group("/admin")
	{
		adm.POST("/events", handleCreateEvent(api))
	}

	return r
}

// --- Handlers with Swagger annotations ---

// @Summary  Get event with ticket types
// @Param    id  path  int  true  "Event ID"
// @Success  200  {object}  EventResponse
// @Failure  404  {object}  ErrorResponse
// @Router   /events/{id} [get]
func handleGetEvent(api API) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		s, err := api.Catalog.GetEventSummary(c.Request.Context(), eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		// ETag + Cache-Control 60s
		writeJSONWithCache(c, http.StatusOK, toEventResponse(s), "public, max-age=60", true)
	}
}

// @Summary  Get ticket type availability
// @Param    id  path  int  true  "Ticket type ID"
// @Success  200  {object}  TicketTypeResponse
// @Failure  404  {object}  ErrorResponse
// @Router   /ticket-types/{id} [get]
func handleGetTicketType(api API) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		tt, err := api.Catalog.GetTicketType(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		// ETag + Cache-Control 5s
		writeJSONWithCache(c, http.StatusOK, toTicketTypeResponse(tt), "public, max-age=5", true)
	}
}

// @Summary  Count confirmed tickets of a user
// @Param    id       path  int  true  "Event ID"
// @Param    user_id  path  int  true  "User ID"
// @Success  200  {object}  ConfirmedCountResponse
// @Router   /events/{id}/users/{user_id}/tickets [get]
func handleConfirmedCount(api API) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		userID, ok := parseInt64Param(c, "user_id")
		if !ok {
			return
		}
		n, err := api.Reservations.ConfirmedCount(c.Request.Context(), userID, eventID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, ConfirmedCountResponse{UserID: userID, EventID: eventID, Count: n})
	}
}

// @Summary  Reserve tickets (idempotent)
// @Param    id  path  int  true  "Event ID"
// @Param    req body  ReserveRequest true "payload"
// @Header   201 {string} Idempotency-Key "echo"
// @Success  201 {object} ReservationResponse
// @Failure  400 {object} ErrorResponse
// @Failure  404 {object} ErrorResponse "event or ticket type not found"
// @Failure  409 {object} ErrorResponse "insufficient inventory / sales closed / idem in progress"
// @Failure  422 {object} ErrorResponse "quota exceeded / idempotency key reused"
// @Failure  429 {object} ErrorResponse "rate limited"
// @Router   /events/{id}/reservations [post]
func handleReserve(api API) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseInt64Param(c, "id")
		if !ok {
			return
		}
		var req ReserveRequest
		if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
			badRequest(c, err.Error())
			return
		}

		ctx := c.Request.Context()

		if api.Limiter != nil {
			d, err := api.Limiter.Allow(ctx, "user:"+strconv.FormatInt(req.UserID, 10))
			if err != nil {
				respondErr(c, err)
				return
			}
			c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				c.JSON(
					http.StatusTooManyRequests,
					ErrorResponse{Error: "rate limited", Code: "rate_limited"},
				)
				return
			}
		}

		total := 0
		for _, it := range req.Items {
			total += it.Quantity
		}
		if total > maxTicketsPerRequest {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: fmt.Sprintf("at most %d tickets per request", maxTicketsPerRequest),
				Code:  "too_many_tickets",
			})
			return
		}

		idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
		var idemStorageKey, idemToken, fingerprint string
		if api.Idempotency != nil && idemKey != "" {
			idemStorageKey = redisrepo.KeyIdemReservation(eventID, idemKey)
			fingerprint = requestFingerprint(c)

			if stored, ok, _ := api.Idempotency.Lookup(ctx, idemStorageKey); ok {
				replay(c, idemKey, fingerprint, stored)
				return
			}

			claimTTL := api.ClaimTTL
			if claimTTL <= 0 {
				claimTTL = defaultClaimTTL
			}
			token, claimed, err := api.Idempotency.Claim(ctx, idemStorageKey, claimTTL)
			if err != nil {
				respondErr(c, err)
				return
			}
			if !claimed {
				if stored, ok, _ := api.Idempotency.Lookup(ctx, idemStorageKey); ok {
					replay(c, idemKey, fingerprint, stored)
					return
				}
				c.Header("Retry-After", "1")
				c.JSON(
					http.StatusConflict,
					ErrorResponse{Error: "idempotency key in progress", Code: "idempotency_in_progress"},
				)
				return
			}
			idemToken = token
		}

		items := make([]domain.RequestedItem, 0, total)
		for _, it := range req.Items {
			for i := 0; i < it.Quantity; i++ {
				items = append(items, domain.RequestedItem{TicketTypeID: it.TicketTypeID})
			}
		}

		res, err := api.Reserver.Reserve(ctx, req.UserID, eventID, items)
		if err != nil {
			// Only a rejected reservation frees the key. On a timeout or an
			// infrastructure error the task may still commit, so the claim is
			// kept until it expires and retries get idempotency_in_progress.
			if idemStorageKey != "" && reservation.Code(err) != "" {
				_ = api.Idempotency.Release(context.WithoutCancel(ctx), idemStorageKey, idemToken)
			}
			respondErr(c, err)
			return
		}

		resp := toReservationResponse(res)

		if idemStorageKey != "" {
			b, _ := json.Marshal(resp)
			_ = api.Idempotency.Save(context.WithoutCancel(ctx), idemStorageKey, redisrepo.StoredResponse{
				Fingerprint: fingerprint,
				Status:      http.StatusCreated,
				Body:        b,
			})
			c.Header("Idempotency-Key", idemKey)
		}

		c.JSON(http.StatusCreated, resp)
	}
}

// @Summary  Get reservation
// @Param    id       path   string  true  "Reservation ID (uuid)"
// @Param    user_id  query  int     true  "Owner user ID"
// @Success  200 {object} ReservationResponse
// @Failure  403 {object} ErrorResponse
// @Failure  404 {object} ErrorResponse
// @Router   /reservations/{id} [get]
func handleGetReservation(api API) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
		if err != nil {
			badRequest(c, "invalid user_id")
			return
		}
		r, err := api.Reservations.GetReservation(c.Request.Context(), id, userID)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, toReservationResponse(r))
	}
}

// @Summary  Confirm reservation
// @Param    id  path  string  true  "Reservation ID (uuid)"
// @Param    req body  ConfirmRequest true "payload"
// @Success  200 {object} ReservationResponse
// @Failure  403 {object} ErrorResponse
// @Failure  404 {object} ErrorResponse
// @Failure  409 {object} ErrorResponse "not in reserved state"
// @Failure  422 {object} ErrorResponse "quantity mismatch"
// @Router   /reservations/{id} [put]
func handleConfirm(api API) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		var req ConfirmRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		items := make([]domain.FinalizedItem, 0, len(req.Tickets))
		for _, t := range req.Tickets {
			items = append(items, domain.FinalizedItem{
				TicketTypeID:     t.TicketTypeID,
				ParticipantName:  t.ParticipantName,
				ParticipantEmail: t.ParticipantEmail,
			})
		}

		r, err := api.Reservations.Confirm(c.Request.Context(), id, req.UserID, items)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, toReservationResponse(r))
	}
}

// @Summary  Create event with ticket types
// @Param    req body  CreateEventRequest true "payload"
// @Success  201 {object} EventResponse
// @Failure  400 {object} ErrorResponse
// @Router   /admin/events [post]
func handleCreateEvent(api API) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		starts, err := parseRFC3339(req.StartsAt)
		if err != nil {
			badRequest(c, "invalid starts_at (RFC3339)")
			return
		}
		ends, err := parseRFC3339(req.EndsAt)
		if err != nil {
			badRequest(c, "invalid ends_at (RFC3339)")
			return
		}

		types := make([]domain.TicketType, 0, len(req.TicketTypes))
		for i, tt := range req.TicketTypes {
			price, err := decimal.NewFromString(tt.UnitPrice)
			if err != nil {
				badRequest(c, "invalid unit_price of ticket type #"+strconv.Itoa(i))
				return
			}
			salesStart, err := parseOptionalRFC3339(tt.SalesStart)
			if err != nil {
				badRequest(c, "invalid sales_start (RFC3339)")
				return
			}
			salesEnd, err := parseOptionalRFC3339(tt.SalesEnd)
			if err != nil {
				badRequest(c, "invalid sales_end (RFC3339)")
				return
			}
			types = append(types, domain.TicketType{
				Description: tt.Description,
				UnitPrice:   price,
				Available:   tt.Quantity,
				Active:      true,
				SalesStart:  salesStart,
				SalesEnd:    salesEnd,
			})
		}

		s, err := api.Admin.CreateEvent(c.Request.Context(), domain.Event{
			Title:             req.Title,
			MaxTicketsPerUser: req.MaxTicketsPerUser,
			Active:            true,
			Starts:            starts,
			Ends:              ends,
		}, types)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, toEventResponse(s))
	}
}

// --- Helpers ---

func parseInt64Param(c *gin.Context, name string) (int64, bool) {
	s := c.Param(name)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	v, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return v, true
}

func parseOptionalRFC3339(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseRFC3339(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// replay answers with a stored response. A key reused with a different
// request body is rejected.
func replay(c *gin.Context, idemKey, fingerprint string, stored *redisrepo.StoredResponse) {
	if stored.Fingerprint != fingerprint {
		c.JSON(
			http.StatusUnprocessableEntity,
			ErrorResponse{Error: "idempotency key reused with a different request", Code: "idempotency_mismatch"},
		)
		return
	}
	c.Header("Idempotency-Key", idemKey)
	c.Data(stored.Status, "application/json; charset=utf-8", stored.Body)
}

// requestFingerprint hashes the route and the raw body cached by
// ShouldBindBodyWith.
func requestFingerprint(c *gin.Context) string {
	h := sha256.New()
	h.Write([]byte(c.Request.URL.Path))
	if body, ok := c.Get(gin.BodyBytesKey); ok {
		if b, ok := body.([]byte); ok {
			h.Write(b)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "invalid_request"})
}

var statusByErr = []struct {
	err    error
	status int
	code   string
}{
	// reservation service
	{reservation.ErrEventNotFound, http.StatusNotFound, "event_not_found"},
	{reservation.ErrTicketTypeNotFound, http.StatusNotFound, "ticket_type_not_found"},
	{reservation.ErrReservationNotFound, http.StatusNotFound, "reservation_not_found"},
	{reservation.ErrForbidden, http.StatusForbidden, "forbidden"},
	{reservation.ErrInsufficientInventory, http.StatusConflict, "insufficient_inventory"},
	{reservation.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{reservation.ErrSalesClosed, http.StatusConflict, "sales_closed"},
	{reservation.ErrQuotaExceeded, http.StatusUnprocessableEntity, "quota_exceeded"},
	{reservation.ErrQuantityMismatch, http.StatusUnprocessableEntity, "quantity_mismatch"},
	{reservation.ErrEmptyRequest, http.StatusBadRequest, "empty_request"},
	// query service
	{query.ErrEventNotFound, http.StatusNotFound, "event_not_found"},
	{query.ErrTicketTypeNotFound, http.StatusNotFound, "ticket_type_not_found"},
	// admin service
	{admin.ErrInvalidEvent, http.StatusBadRequest, "invalid_event"},
	{admin.ErrInvalidTicketType, http.StatusBadRequest, "invalid_ticket_type"},
	// queue
	{queue.ErrResultTimeout, http.StatusGatewayTimeout, "timeout"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

func respondErr(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusNoContent)
		return
	}

	for _, e := range statusByErr {
		if errors.Is(err, e.err) {
			c.JSON(e.status, ErrorResponse{Error: e.err.Error(), Code: e.code})
			return
		}
	}

	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal"})
}
