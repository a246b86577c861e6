package http

import (
	"errors"
	stdhttp "net/http"
	"strings"

	"github.com/dkeye/liveroom/internal/app/session"
	"github.com/dkeye/liveroom/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Cookie session keys remembering the last room, so a bare POST rejoins it.
const (
	lastRoomKey = "room"
	lastNameKey = "name"
)

type controlAPI struct {
	reg *session.Registry
}

type openRequest struct {
	Room string `json:"room"`
	Name string `json:"name"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type closeResponse struct {
	Closed bool   `json:"closed"`
	Error  string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func token(c *gin.Context) string {
	return c.GetString(clientTokenKey)
}

func (a *controlAPI) open(c *gin.Context) {
	var req openRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(stdhttp.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}

	cs := sessions.Default(c)
	if req.Room == "" {
		req.Room, _ = cs.Get(lastRoomKey).(string)
	}
	if req.Name == "" {
		req.Name, _ = cs.Get(lastNameKey).(string)
	}
	room := domain.RoomID(strings.TrimSpace(req.Room))
	if room == "" {
		c.JSON(stdhttp.StatusBadRequest, errorResponse{Error: "room is required"})
		return
	}
	self, err := domain.NewParticipant(domain.UserID(token(c)), req.Name)
	if err != nil {
		c.JSON(stdhttp.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	s := a.reg.GetOrCreate(token(c))
	if err := s.Open(c.Request.Context(), room, self); err != nil {
		log.Warn().Str("module", "adapters.http").Str("sid", token(c)).Str("room", string(room)).Err(err).Msg("open failed")
		writeError(c, err)
		return
	}

	cs.Set(lastRoomKey, string(room))
	cs.Set(lastNameKey, self.DisplayName)
	if err := cs.Save(); err != nil {
		log.Warn().Str("module", "adapters.http").Err(err).Msg("save cookie session")
	}
	c.JSON(stdhttp.StatusCreated, s.Snapshot())
}

func (a *controlAPI) close(c *gin.Context) {
	if err := a.reg.Close(c.Request.Context(), token(c)); err != nil {
		// The session is closed either way; report what failed on the way out.
		log.Warn().Str("module", "adapters.http").Str("sid", token(c)).Err(err).Msg("close finished with errors")
		c.JSON(stdhttp.StatusOK, closeResponse{Closed: true, Error: err.Error()})
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

func (a *controlAPI) snapshot(c *gin.Context) {
	s, ok := a.reg.Get(token(c))
	if !ok {
		c.JSON(stdhttp.StatusOK, session.Snapshot{})
		return
	}
	c.JSON(stdhttp.StatusOK, s.Snapshot())
}

func (a *controlAPI) setAudio(c *gin.Context) {
	a.toggle(c, (*session.Session).SetAudioEnabled)
}

func (a *controlAPI) setVideo(c *gin.Context) {
	a.toggle(c, (*session.Session).SetVideoEnabled)
}

func (a *controlAPI) toggle(c *gin.Context, set func(*session.Session, bool) error) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(stdhttp.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s, ok := a.reg.Get(token(c))
	if !ok {
		writeError(c, domain.ErrNotOpen)
		return
	}
	if err := set(s, *req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, s.Snapshot().Media)
}

func (a *controlAPI) startScreen(c *gin.Context) {
	s, ok := a.reg.Get(token(c))
	if !ok {
		writeError(c, domain.ErrNotOpen)
		return
	}
	if err := s.StartScreenShare(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, s.Snapshot().Media)
}

func (a *controlAPI) stopScreen(c *gin.Context) {
	s, ok := a.reg.Get(token(c))
	if !ok {
		writeError(c, domain.ErrNotOpen)
		return
	}
	if err := s.StopScreenShare(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, s.Snapshot().Media)
}

func statusFor(err error) int {
	var (
		mae *domain.MediaAccessError
		sse *domain.ScreenShareError
		sce *domain.StoreConflictError
	)
	switch {
	case errors.As(err, &mae):
		return stdhttp.StatusForbidden
	case errors.As(err, &sse), errors.As(err, &sce), errors.Is(err, domain.ErrAlreadyOpen):
		return stdhttp.StatusConflict
	case errors.Is(err, domain.ErrSignalingTimeout):
		return stdhttp.StatusGatewayTimeout
	case errors.Is(err, domain.ErrNotOpen):
		return stdhttp.StatusNotFound
	case errors.Is(err, domain.ErrNoLocalMedia):
		return stdhttp.StatusUnprocessableEntity
	default:
		return stdhttp.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), errorResponse{Error: err.Error()})
}
