package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/VoiceClient/internal/app"
	"github.com/dkeye/VoiceClient/internal/app/session"
	"github.com/dkeye/VoiceClient/internal/config"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	clientTokenKey = "client_token"
	joinTimeout    = 30 * time.Second
	mediaTimeout   = 15 * time.Second
)

// SessionAPI is what the control surface drives.
type SessionAPI interface {
	Snapshot() session.State
	Join(ctx context.Context, roomID domain.RoomID, user domain.User) error
	Leave()
	StartCamera(ctx context.Context) error
	StopCamera(ctx context.Context) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
	ToggleMute(ctx context.Context) (bool, error)
	SetVolume(producerID string, level float64) app.AudioSetting
	SetMuted(producerID string, muted bool) app.AudioSetting
	FetchParticipants(ctx context.Context, channel domain.RoomID) ([]domain.Participant, error)
}

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

type JoinRequest struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

type AudioRequest struct {
	Volume *float64 `json:"volume"`
	Muted  *bool    `json:"muted"`
}

type handlers struct {
	sess     SessionAPI
	defaults config.User
	room     string
}

func SetupRouter(cfg *config.Config, sess SessionAPI) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ClientTokenMiddleware())

	h := &handlers{sess: sess, defaults: cfg.User, room: cfg.Room}
	limiter := NewRateLimiter(cfg.JoinRate.Limit, cfg.JoinRate.Interval)

	api := r.Group("/api")
	api.GET("/session", h.state)
	api.POST("/session/join", limiter.Middleware(), h.join)
	api.POST("/session/leave", h.leave)
	api.POST("/session/camera", h.media(sess.StartCamera))
	api.DELETE("/session/camera", h.media(sess.StopCamera))
	api.POST("/session/screen", h.media(sess.StartScreenShare))
	api.DELETE("/session/screen", h.media(sess.StopScreenShare))
	api.POST("/session/mute", h.mute)
	api.PUT("/session/audio/:producerId", h.audio)
	api.GET("/participants/:channelId", h.participants)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

func (h *handlers) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.sess.Snapshot())
}

func (h *handlers) join(c *gin.Context) {
	var req JoinRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid join request"})
			return
		}
	}
	if req.RoomID == "" {
		req.RoomID = h.room
	}
	if req.Username == "" {
		req.UserID, req.Username, req.Avatar = h.defaults.ID, h.defaults.Name, h.defaults.Avatar
	}
	roomID, err := domain.ParseRoomID(req.RoomID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := domain.NewUser(req.UserID, req.Username, req.Avatar)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The join outlives a dropped HTTP client; only Leave aborts it.
	ctx, cancel := detached(c, joinTimeout)
	defer cancel()
	if err := h.sess.Join(ctx, roomID, *user); err != nil {
		log.Warn().Str("module", "adapters.http").Str("sid", c.GetString(clientTokenKey)).Err(err).Msg("join failed")
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sess.Snapshot())
}

func (h *handlers) leave(c *gin.Context) {
	h.sess.Leave()
	c.JSON(http.StatusOK, h.sess.Snapshot())
}

func (h *handlers) media(fn func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := detached(c, mediaTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, h.sess.Snapshot())
	}
}

func (h *handlers) mute(c *gin.Context) {
	ctx, cancel := detached(c, mediaTimeout)
	defer cancel()
	muted, err := h.sess.ToggleMute(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"muted": muted})
}

func (h *handlers) audio(c *gin.Context) {
	var req AudioRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Volume == nil && req.Muted == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "volume or muted required"})
		return
	}
	id := c.Param("producerId")
	var st app.AudioSetting
	if req.Volume != nil {
		st = h.sess.SetVolume(id, *req.Volume)
	}
	if req.Muted != nil {
		st = h.sess.SetMuted(id, *req.Muted)
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) participants(c *gin.Context) {
	channel, err := domain.ParseRoomID(c.Param("channelId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	list, err := h.sess.FetchParticipants(c.Request.Context(), channel)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": list})
}

// detached keeps the request values but not its cancellation, so a client
// hanging up cannot abandon session work halfway.
func detached(c *gin.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.Request.Context()), timeout)
}

func fail(c *gin.Context, err error) {
	c.JSON(statusOf(err), gin.H{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrNotJoined), errors.Is(err, core.ErrJoinAborted):
		return http.StatusConflict
	case errors.Is(err, core.ErrSignalingUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrCapabilityNegotiationFailed), errors.Is(err, core.ErrTransportConnectFailed):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrDeviceUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRoomIDEmpty), errors.Is(err, domain.ErrRoomIDTooLong):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
