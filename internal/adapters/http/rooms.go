package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ephemeral/internal/adapters/signal"
	"github.com/dkeye/Ephemeral/internal/app/orch"
	"github.com/dkeye/Ephemeral/internal/config"
	"github.com/dkeye/Ephemeral/internal/core"
	"github.com/dkeye/Ephemeral/internal/domain"
)

const roomNameLen = 20

type roomsHandler struct {
	orch *orch.Orchestrator
	cfg  *config.Config
}

type createRoomRequest struct {
	Name                  string `json:"name"`
	Password              string `json:"password"`
	ExpirySeconds         *int   `json:"expiry_seconds"`
	MaxUsers              *int   `json:"max_users"`
	OwnerName             string `json:"owner_name" binding:"required"`
	DestroyOnOwnerOffline bool   `json:"destroy_on_owner_offline"`
}

type joinRequest struct {
	Password    string `json:"password"`
	DisplayName string `json:"display_name" binding:"required"`
}

type leaveRequest struct {
	ConnectionID string `json:"connection_id" binding:"required"`
}

type closeRequest struct {
	Password    string `json:"password"`
	DisplayName string `json:"display_name" binding:"required"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrWrongPassword):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrFull):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidParameters),
		errors.Is(err, domain.ErrDisplayNameEmpty),
		errors.Is(err, domain.ErrDisplayNameTooLong):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func randomRoomName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:roomNameLen]
}

func (h *roomsHandler) wsURL(id domain.RoomID) string {
	return strings.TrimRight(h.cfg.PublicURL, "/") + "/rooms/" + string(id) + "/ws"
}

func roomPassword(c *gin.Context) string {
	if p := c.GetHeader("X-Room-Password"); p != "" {
		return p
	}
	return c.Query("password")
}

func (h *roomsHandler) create(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	p := core.CreateRoomParams{
		Name:          strings.TrimSpace(req.Name),
		Password:      req.Password,
		ExpirySeconds: h.cfg.Rooms.DefaultExpiry,
		MaxUsers:      h.cfg.Rooms.DefaultMaxUsers,
		OwnerName:     req.OwnerName,
		Preferences:   domain.Preferences{DestroyOnOwnerOffline: req.DestroyOnOwnerOffline},
	}
	if p.Name == "" {
		p.Name = randomRoomName()
	}
	if req.ExpirySeconds != nil {
		p.ExpirySeconds = *req.ExpirySeconds
	}
	if req.MaxUsers != nil {
		p.MaxUsers = *req.MaxUsers
	}
	if p.ExpirySeconds > h.cfg.Rooms.MaxExpiry {
		badRequest(c, "expiry_seconds exceeds the allowed maximum")
		return
	}
	if p.MaxUsers > h.cfg.Rooms.MaxUsersLimit {
		badRequest(c, "max_users exceeds the allowed maximum")
		return
	}

	room, err := h.orch.CreateRoom(c.Request.Context(), p)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"room_id":    room.ID,
		"name":       room.Name,
		"ws_url":     h.wsURL(room.ID),
		"expires_at": room.ExpiresAt,
	})
}

func (h *roomsHandler) details(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	d, err := h.orch.RoomDetails(c.Request.Context(), id, roomPassword(c))
	if err != nil {
		fail(c, err)
		return
	}
	room := d.Room
	c.JSON(http.StatusOK, gin.H{
		"room_id":            room.ID,
		"name":               room.Name,
		"created_at":         room.CreatedAt,
		"expires_at":         room.ExpiresAt,
		"max_users":          room.MaxUsers,
		"online_users_count": len(d.Online),
		"online_users":       d.Online,
		"owner_name":         room.OwnerName,
		"has_password":       room.HasPassword(),
		"is_expired":         room.IsExpired(time.Now()),
		"is_full":            len(d.Online) >= room.MaxUsers,
		"preferences":        room.Preferences,
	})
}

func (h *roomsHandler) join(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	room, name, err := h.orch.CheckJoin(c.Request.Context(), id, req.Password, req.DisplayName)
	if err != nil {
		fail(c, err)
		return
	}
	if err := signal.SaveTicket(c, id, signal.Ticket{DisplayName: name, Password: req.Password}); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("room_id", string(id)).Msg("save join ticket")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not save session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id":      room.ID,
		"display_name": name,
		"ws_url":       h.wsURL(room.ID),
		"expires_at":   room.ExpiresAt,
	})
}

func (h *roomsHandler) leave(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	var req leaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.orch.Leave(c.Request.Context(), id, domain.ConnectionID(req.ConnectionID)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (h *roomsHandler) close(c *gin.Context) {
	id := domain.RoomID(c.Param("id"))
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.orch.CloseRoom(c.Request.Context(), id, req.Password, req.DisplayName); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}
