package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/coursebooking/pkg/booking"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Run boots the HTTP surface over the booking service.
func Run(ctx context.Context, cfg Config, service *booking.Service, logger *zap.Logger) error {
	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}

	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("booking api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(authMiddleware([]byte(cfg.JWTSigningKey), cfg.JWTIssuer))

	api.POST("/credits/grants", handler.handleGrantCredits)
	api.GET("/credits/grants", handler.handleListGrants)
	api.GET("/credits/summary", handler.handleCreditSummary)
	api.GET("/bookings", handler.handleListBookings)
	api.GET("/courses/:courseID/seats", handler.handleCourseSeats)
	api.POST("/courses/:courseID/bookings", handler.handleBookCourse)
	api.DELETE("/courses/:courseID/bookings", handler.handleCancelBooking)
	api.GET("/coaches/:coachID/usage", handler.handleCoachUsage)

	admin := api.Group("/admin")
	admin.Use(requireRole(roleAdmin))
	admin.PUT("/courses/:courseID", handler.handleUpsertCourse)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *booking.Service
	cfg     Config
}

type grantRequest struct {
	Credits        int64          `json:"credits"`
	PricePaidCents int64          `json:"price_paid_cents"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type upsertCourseRequest struct {
	CoachUserID     string `json:"coach_user_id"`
	MaxParticipants int64  `json:"max_participants"`
}

func (handler *httpHandler) handleGrantCredits(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := booking.NewUserID(currentUserID(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	credits, err := booking.NewCreditAmount(request.Credits)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	pricePaid, err := booking.NewPriceCents(request.PricePaidCents)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	rawKey := request.IdempotencyKey
	if rawKey == "" {
		rawKey = fmt.Sprintf("grant:%s", uuid.NewString())
	}
	idempotencyKey, err := booking.NewIdempotencyKey(rawKey)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata, err := booking.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	grant, err := handler.service.GrantCredits(requestCtx, userID, credits, pricePaid, idempotencyKey, metadata)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"grant": grantPayloadFrom(grant)})
}

func (handler *httpHandler) handleListGrants(ctx *gin.Context) {
	userID, err := booking.NewUserID(currentUserID(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	grants, err := handler.service.ListGrants(requestCtx, userID, listLimit(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]grantPayload, 0, len(grants))
	for _, grant := range grants {
		payload = append(payload, grantPayloadFrom(grant))
	}
	ctx.JSON(http.StatusOK, gin.H{"grants": payload})
}

func (handler *httpHandler) handleCreditSummary(ctx *gin.Context) {
	userID, err := booking.NewUserID(currentUserID(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	summary, err := handler.service.CreditSummary(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"granted":   summary.GrantedCredits,
		"used":      summary.UsedCredits,
		"remaining": summary.RemainingCredits,
	})
}

func (handler *httpHandler) handleBookCourse(ctx *gin.Context) {
	userID, courseID, ok := handler.bookingIdentifiers(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	booked, err := handler.service.BookCourse(requestCtx, userID, courseID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"booking": bookingPayloadFrom(booked)})
}

func (handler *httpHandler) handleCancelBooking(ctx *gin.Context) {
	userID, courseID, ok := handler.bookingIdentifiers(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	cancelled, err := handler.service.CancelBooking(requestCtx, userID, courseID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"booking": bookingPayloadFrom(cancelled)})
}

func (handler *httpHandler) handleListBookings(ctx *gin.Context) {
	userID, err := booking.NewUserID(currentUserID(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	bookings, err := handler.service.ListBookings(requestCtx, userID, listLimit(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]bookingPayload, 0, len(bookings))
	for _, row := range bookings {
		payload = append(payload, bookingPayloadFrom(row))
	}
	ctx.JSON(http.StatusOK, gin.H{"bookings": payload})
}

func (handler *httpHandler) handleCourseSeats(ctx *gin.Context) {
	courseID, err := booking.NewCourseID(ctx.Param("courseID"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	usage, err := handler.service.CourseSeats(requestCtx, courseID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"course_id":        usage.CourseID,
		"active_bookings":  usage.ActiveBookings,
		"max_participants": usage.MaxParticipants,
	})
}

func (handler *httpHandler) handleCoachUsage(ctx *gin.Context) {
	coachID, err := booking.NewUserID(ctx.Param("coachID"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	usage, err := handler.service.CoachUsage(requestCtx, coachID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	courses := make([]gin.H, 0, len(usage.Courses))
	for _, course := range usage.Courses {
		courses = append(courses, gin.H{
			"course_id":        course.CourseID,
			"active_bookings":  course.ActiveBookings,
			"max_participants": course.MaxParticipants,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"coach_user_id":   usage.CoachUserID,
		"active_bookings": usage.ActiveBookings,
		"courses":         courses,
	})
}

func (handler *httpHandler) handleUpsertCourse(ctx *gin.Context) {
	courseID, err := booking.NewCourseID(ctx.Param("courseID"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request upsertCourseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	err = handler.service.SyncCourse(requestCtx, booking.Course{
		CourseID:        courseID.String(),
		CoachUserID:     request.CoachUserID,
		MaxParticipants: request.MaxParticipants,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (handler *httpHandler) bookingIdentifiers(ctx *gin.Context) (booking.UserID, booking.CourseID, bool) {
	userID, err := booking.NewUserID(currentUserID(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return booking.UserID{}, booking.CourseID{}, false
	}
	courseID, err := booking.NewCourseID(ctx.Param("courseID"))
	if err != nil {
		handler.respondError(ctx, err)
		return booking.UserID{}, booking.CourseID{}, false
	}
	return userID, courseID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

// respondError maps domain failures onto HTTP statuses: business-rule
// rejections are 400, missing resources 404, store unavailability 503.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, booking.ErrCourseNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("course_not_found", "course does not exist"))
	case errors.Is(err, booking.ErrBookingNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("booking_not_found", "no active booking for this course"))
	case errors.Is(err, booking.ErrDuplicateBooking):
		ctx.JSON(http.StatusBadRequest, errorResponse("duplicate_booking", "course already booked"))
	case errors.Is(err, booking.ErrInsufficientCredit):
		ctx.JSON(http.StatusBadRequest, errorResponse("insufficient_credit", "no remaining credit"))
	case errors.Is(err, booking.ErrCourseFull):
		ctx.JSON(http.StatusBadRequest, errorResponse("course_full", "course has reached max participants"))
	case errors.Is(err, booking.ErrAlreadyCancelled):
		ctx.JSON(http.StatusBadRequest, errorResponse("already_cancelled", "booking is already cancelled"))
	case errors.Is(err, booking.ErrDuplicateGrant):
		ctx.JSON(http.StatusBadRequest, errorResponse("duplicate_grant", "grant already recorded"))
	case errors.Is(err, booking.ErrInvalidAmount),
		errors.Is(err, booking.ErrInvalidUserID),
		errors.Is(err, booking.ErrInvalidCourseID),
		errors.Is(err, booking.ErrInvalidCourseSnapshot),
		errors.Is(err, booking.ErrInvalidIdempotencyKey),
		errors.Is(err, booking.ErrInvalidMetadataJSON):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, booking.ErrStoreUnavailable):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("store_unavailable", "try again later"))
	default:
		handler.logger.Error("booking operation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "unexpected failure"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func listLimit(ctx *gin.Context) int {
	raw := ctx.Query("limit")
	if raw == "" {
		return defaultListLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

type grantPayload struct {
	GrantID          string          `json:"grant_id"`
	Credits          int64           `json:"credits"`
	PricePaidCents   int64           `json:"price_paid_cents"`
	Metadata         json.RawMessage `json:"metadata"`
	GrantedAtUnixUTC int64           `json:"granted_at_unix_utc"`
}

func grantPayloadFrom(grant booking.CreditGrant) grantPayload {
	return grantPayload{
		GrantID:          grant.GrantID,
		Credits:          grant.Credits,
		PricePaidCents:   grant.PricePaidCents,
		Metadata:         json.RawMessage(grant.MetadataJSON),
		GrantedAtUnixUTC: grant.GrantedAtUnixUTC,
	}
}

type bookingPayload struct {
	BookingID          string `json:"booking_id"`
	CourseID           string `json:"course_id"`
	BookedAtUnixUTC    int64  `json:"booked_at_unix_utc"`
	CancelledAtUnixUTC int64  `json:"cancelled_at_unix_utc,omitempty"`
}

func bookingPayloadFrom(row booking.Booking) bookingPayload {
	return bookingPayload{
		BookingID:          row.BookingID,
		CourseID:           row.CourseID,
		BookedAtUnixUTC:    row.BookedAtUnixUTC,
		CancelledAtUnixUTC: row.CancelledAtUnixUTC,
	}
}
