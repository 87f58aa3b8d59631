package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"kea-checkin/models"
)

// Handlers serves the program API surface the terminal consumes.
type Handlers struct {
	store *Store
	log   *slog.Logger
}

func NewHandlers(store *Store, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{store: store, log: log}
}

// Routes registers the API on a router group, mirroring the deployed
// program API paths.
func (h *Handlers) Routes(api *gin.RouterGroup) {
	api.POST("/login", h.Login)
	api.POST("/users", h.CreateUser)
	api.POST("/events", h.CreateEvent)
	api.POST("/registrations", h.CreateRegistration)

	authed := api.Group("")
	authed.Use(h.RequireAuth)
	authed.GET("/events", h.ListEvents)
	authed.POST("/scan-qr", h.ScanQR)
	authed.POST("/confirm-event-checkin", h.ConfirmCheckIn)
	authed.GET("/event-attendance/:eventId", h.EventAttendance)
	authed.GET("/get-user-qr-info", h.UserQRInfo)
}

// RequireAuth resolves the bearer token to a user and aborts with 401
// otherwise.
func (h *Handlers) RequireAuth(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Authentication required"})
		return
	}
	user, err := h.store.SessionUser(c, token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Invalid or expired token"})
		return
	}
	c.Set("user", user)
	c.Next()
}

func (h *Handlers) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	user, err := h.store.UserByEmail(c, req.Email)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid email or password"})
		return
	}
	if err := VerifyPassword(user.PasswordHash, req.Password); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid email or password"})
		return
	}

	token := newToken()
	if err := h.store.CreateSession(c, token, user.ID.String()); err != nil {
		h.log.Error("create session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Database error"})
		return
	}

	c.JSON(http.StatusOK, models.LoginResponse{AccessToken: token, User: user.User})
}

type createUserRequest struct {
	Username    string `json:"username" binding:"required"`
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required"`
	PhoneNumber string `json:"phone_number"`
	CompanyName string `json:"company_name"`
	UserType    string `json:"user_type"`
	Membership  string `json:"membership_status"`
}

func (h *Handlers) CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to hash password"})
		return
	}

	user := &models.User{
		ID:          uuid.New(),
		Username:    req.Username,
		Email:       req.Email,
		PhoneNumber: req.PhoneNumber,
		CompanyName: req.CompanyName,
		UserType:    req.UserType,
		Membership:  req.Membership,
	}
	if user.UserType == "" {
		user.UserType = "member"
	}
	if user.Membership == "" {
		user.Membership = models.MembershipActive
	}

	if err := h.store.CreateUser(c, user, hash, newToken()); err != nil {
		h.log.Error("create user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to create user"})
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *Handlers) CreateEvent(c *gin.Context) {
	var req models.CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	event := &models.Event{
		EventName:      req.EventName,
		EventSubName:   req.EventSubName,
		Description:    req.Description,
		Location:       req.Location,
		EventTime:      req.EventTime,
		FeeForMember:   req.FeeForMember,
		FeeForExternal: req.FeeForExternal,
	}
	if err := h.store.CreateEvent(c, event); err != nil {
		h.log.Error("create event", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to create event"})
		return
	}
	c.JSON(http.StatusCreated, event)
}

type createRegistrationRequest struct {
	EventID string `json:"event_id" binding:"required"`
	UserID  string `json:"user_id" binding:"required"`
	FeePaid string `json:"fee_paid"`
}

func (h *Handlers) CreateRegistration(c *gin.Context) {
	var req createRegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	if _, err := h.store.EventByID(c, req.EventID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Event not found"})
		return
	}
	if _, err := h.store.UserByID(c, req.UserID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "User not found"})
		return
	}

	reg, err := h.store.Register(c, req.EventID, req.UserID, req.FeePaid)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"message": "User already registered for this event"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"registration_id": reg.RegistrationID})
}

func (h *Handlers) ListEvents(c *gin.Context) {
	events, err := h.store.ListEvents(c)
	if err != nil {
		h.log.Error("list events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Database error"})
		return
	}
	// The deployed API wraps the list under results.
	c.JSON(http.StatusOK, gin.H{"results": events})
}

var securePrefixRe = regexp.MustCompile(`(?i)^kea[_-]?secure\s*:\s*`)

// ScanQR verifies a scanned payload against an event. The payload may
// be a member UUID, a secure token (with or without its KEA_SECURE
// envelope), or a legacy bare id.
func (h *Handlers) ScanQR(c *gin.Context) {
	var req models.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	h.log.Info("scan request", "event_id", req.EventID)

	event, err := h.store.EventByID(c, req.EventID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Event not found"})
		return
	}

	user, err := h.resolveUser(c, req.QRData)
	if err != nil {
		c.JSON(http.StatusOK, models.VerificationResult{
			Status:  models.StatusNotRegistered,
			Message: "No matching member for the scanned code",
		})
		return
	}

	userInfo := &models.UserInfo{
		UserID:      user.ID.String(),
		Username:    user.Username,
		Email:       user.Email,
		PhoneNumber: user.PhoneNumber,
		CompanyName: user.CompanyName,
		UserType:    user.UserType,
	}
	eventInfo := &models.EventInfo{
		EventID:      event.EventID,
		EventName:    event.EventName,
		EventSubName: event.EventSubName,
		Location:     event.Location,
		EventTime:    event.EventTime,
	}

	switch user.Membership {
	case models.MembershipInactive:
		c.JSON(http.StatusOK, models.VerificationResult{
			Status: models.StatusMembershipInactive, Message: "Membership is inactive",
			UserInfo: userInfo, EventInfo: eventInfo,
		})
		return
	case models.MembershipExpired:
		c.JSON(http.StatusOK, models.VerificationResult{
			Status: models.StatusMembershipExpired, Message: "Membership has expired",
			UserInfo: userInfo, EventInfo: eventInfo,
		})
		return
	}

	reg, err := h.store.RegistrationFor(c, req.EventID, user.ID.String())
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusOK, models.VerificationResult{
			Status: models.StatusNotRegistered, Message: "User is not registered for this event",
			UserInfo: userInfo, EventInfo: eventInfo,
		})
		return
	}
	if err != nil {
		h.log.Error("registration lookup", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Database error"})
		return
	}

	userInfo.FeePaid = reg.FeePaid
	if reg.CheckedIn {
		c.JSON(http.StatusOK, models.VerificationResult{
			Status: models.StatusAlreadyCheckedIn, Message: "User is already checked in",
			CheckedInAt: reg.CheckedInAt, UserInfo: userInfo, EventInfo: eventInfo,
		})
		return
	}

	c.JSON(http.StatusOK, models.VerificationResult{
		Status: models.StatusReadyForCheckin, Message: "User verified and ready for check-in",
		RegistrationID: reg.RegistrationID, UserInfo: userInfo, EventInfo: eventInfo,
	})
}

// resolveUser maps scanned data to a member: secure token first (the
// envelope prefix is tolerated), then member UUID.
func (h *Handlers) resolveUser(c *gin.Context, qrData string) (*UserRecord, error) {
	data := strings.TrimSpace(securePrefixRe.ReplaceAllString(strings.TrimSpace(qrData), ""))
	if data == "" {
		return nil, ErrNotFound
	}
	if user, err := h.store.UserByQRToken(c, data); err == nil {
		return user, nil
	}
	if _, err := uuid.Parse(data); err == nil {
		return h.store.UserByID(c, data)
	}
	return nil, ErrNotFound
}

func (h *Handlers) ConfirmCheckIn(c *gin.Context) {
	var req models.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	err := h.store.MarkCheckedIn(c, req.RegistrationID, time.Now().UTC())
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "Registration not found"})
	case errors.Is(err, ErrAlreadyCheckedIn):
		c.JSON(http.StatusConflict, gin.H{"message": "Participant has already checked in to this event"})
	case err != nil:
		h.log.Error("confirm check-in", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to check in participant"})
	default:
		h.log.Info("checked in", "registration_id", req.RegistrationID)
		c.JSON(http.StatusOK, gin.H{"message": "Successfully checked in to event"})
	}
}

func (h *Handlers) EventAttendance(c *gin.Context) {
	eventID := c.Param("eventId")
	if _, err := h.store.EventByID(c, eventID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "Event not found"})
		return
	}

	snapshot, err := h.store.Attendance(c, eventID)
	if err != nil {
		h.log.Error("attendance", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Database error"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *Handlers) UserQRInfo(c *gin.Context) {
	user := c.MustGet("user").(*UserRecord)
	qrData := user.ID.String()
	if user.QRToken != "" {
		qrData = "KEA_SECURE:" + user.QRToken
	}
	c.JSON(http.StatusOK, models.UserQRInfo{
		QRData:           qrData,
		MembershipStatus: user.Membership,
		MemberUntil:      user.MemberUntil,
	})
}

func newToken() string {
	b := make([]byte, 24)
	rand.Read(b)
	return hex.EncodeToString(b)
}
