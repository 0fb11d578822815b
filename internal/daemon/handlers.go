package daemon

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/g960059/chanpool/internal/api"
	"github.com/g960059/chanpool/internal/model"
	"github.com/g960059/chanpool/internal/store"
)

func (s *Server) routes() {
	s.engine.NoRoute(func(c *gin.Context) {
		s.writeError(c, http.StatusNotFound, model.ErrRefNotFound, "route not found")
	})
	s.engine.NoMethod(func(c *gin.Context) {
		s.writeError(c, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
	})

	v1 := s.engine.Group("/v1")
	v1.GET("/health", s.health)
	if s.store == nil {
		return
	}
	v1.GET("/channels", s.listChannels)
	v1.POST("/channels", s.upsertChannel)
	v1.GET("/channels/:id", s.getChannel)
	v1.DELETE("/channels/:id", s.deleteChannel)
	v1.POST("/channels/:id/enable", s.setChannelEnabled(true))
	v1.POST("/channels/:id/disable", s.setChannelEnabled(false))
	v1.PATCH("/channels/:id/endpoints/:eid", s.patchEntity(model.EntityEndpoint, "eid"))
	v1.PATCH("/channels/:id/keys/:kid", s.patchEntity(model.EntityKey, "kid"))
	v1.PUT("/protocols/:protocol/order", s.putOrder)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Status:        "ok",
		StoreBackend:  s.cfg.StoreBackend,
	})
}

func (s *Server) listChannels(c *gin.Context) {
	var protocol model.Protocol
	if raw := strings.TrimSpace(c.Query("protocol")); raw != "" {
		p, err := model.ParseProtocol(raw)
		if err != nil {
			s.writeError(c, http.StatusBadRequest, model.ErrProtocolInvalid, err.Error())
			return
		}
		protocol = p
	}
	channels, err := s.store.ListChannels(c.Request.Context())
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	now := s.now().UTC()
	out := make([]api.ChannelResponse, 0, len(channels))
	for _, ch := range channels {
		if protocol != "" && ch.Protocol != protocol {
			continue
		}
		out = append(out, api.ToChannelResponse(ch, now))
	}
	c.JSON(http.StatusOK, api.ChannelsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   now,
		Channels:      out,
	})
}

func (s *Server) getChannel(c *gin.Context) {
	ch, err := s.store.GetChannel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	s.writeChannel(c, http.StatusOK, ch)
}

// upsertChannel creates or replaces a channel. Without an explicit priority
// a new channel lands after the protocol's last row and a replaced channel
// keeps its position.
func (s *Server) upsertChannel(c *gin.Context) {
	var req api.ChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	if _, err := model.ParseProtocol(req.Protocol); err != nil {
		s.writeError(c, http.StatusBadRequest, model.ErrProtocolInvalid, err.Error())
		return
	}
	ch, err := req.ToModel()
	if err != nil {
		s.writeError(c, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	}

	ctx := c.Request.Context()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	status := http.StatusCreated
	assign := req.Priority == nil
	if ch.ID != "" {
		existing, err := s.store.GetChannel(ctx, ch.ID)
		switch {
		case err == nil:
			status = http.StatusOK
			// A replacement keeps its slot only within the same protocol.
			if assign && existing.Protocol == ch.Protocol {
				ch.Priority = existing.Priority
				assign = false
			}
		case !errors.Is(err, store.ErrNotFound):
			s.writeStoreError(c, err)
			return
		}
	}
	if assign {
		next, err := s.nextPriority(c, ch.Protocol)
		if err != nil {
			s.writeStoreError(c, err)
			return
		}
		ch.Priority = next
	}
	ch, err = store.Normalize(ch, s.now())
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	if err := s.store.UpsertChannel(ctx, ch); err != nil {
		s.writeStoreError(c, err)
		return
	}
	saved, err := s.store.GetChannel(ctx, ch.ID)
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	s.log.WithFields(log.Fields{"channel": saved.ID, "protocol": saved.Protocol}).Info("channel saved")
	s.writeChannel(c, status, saved)
}

func (s *Server) nextPriority(c *gin.Context, protocol model.Protocol) (int, error) {
	channels, err := s.store.ListChannels(c.Request.Context())
	if err != nil {
		return 0, err
	}
	next := 0
	for _, ch := range channels {
		if ch.Protocol == protocol && ch.Priority >= next {
			next = ch.Priority + 1
		}
	}
	return next, nil
}

func (s *Server) deleteChannel(c *gin.Context) {
	if err := s.store.DeleteChannel(c.Request.Context(), c.Param("id")); err != nil {
		s.writeStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setChannelEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ch, err := s.store.SetChannelEnabled(c.Request.Context(), c.Param("id"), enabled)
		if err != nil {
			s.writeStoreError(c, err)
			return
		}
		s.writeChannel(c, http.StatusOK, ch)
	}
}

func (s *Server) patchEntity(kind model.EntityKind, param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req api.EntityPatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.writeError(c, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
			return
		}
		patch, err := req.ToModel()
		if err != nil {
			s.writeError(c, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
			return
		}
		if patch.Empty() {
			s.writeError(c, http.StatusBadRequest, model.ErrRefInvalid, "patch has no fields")
			return
		}
		ch, err := s.store.PatchEntity(c.Request.Context(), kind, c.Param("id"), c.Param(param), patch)
		if err != nil {
			s.writeStoreError(c, err)
			return
		}
		s.writeChannel(c, http.StatusOK, ch)
	}
}

func (s *Server) putOrder(c *gin.Context) {
	protocol, err := model.ParseProtocol(c.Param("protocol"))
	if err != nil {
		s.writeError(c, http.StatusBadRequest, model.ErrProtocolInvalid, err.Error())
		return
	}
	var req api.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, http.StatusBadRequest, model.ErrRefInvalid, "invalid request body")
		return
	}
	s.writeMu.Lock()
	err = s.store.PersistOrder(c.Request.Context(), protocol, req.ChannelIDs)
	s.writeMu.Unlock()
	if err != nil {
		s.writeStoreError(c, err)
		return
	}
	s.log.WithFields(log.Fields{"protocol": protocol, "channels": len(req.ChannelIDs)}).Info("order persisted")
	c.JSON(http.StatusOK, api.OrderResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Protocol:      string(protocol),
		ChannelIDs:    req.ChannelIDs,
	})
}

func (s *Server) writeChannel(c *gin.Context, status int, ch model.Channel) {
	now := s.now().UTC()
	c.JSON(status, api.ChannelEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   now,
		Channel:       api.ToChannelResponse(ch, now),
	})
}

func (s *Server) writeError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	})
}

func (s *Server) writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(c, http.StatusNotFound, model.ErrRefNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicate):
		s.writeError(c, http.StatusConflict, model.ErrDuplicate, err.Error())
	case errors.Is(err, store.ErrOrderMismatch):
		s.writeError(c, http.StatusConflict, model.ErrOrderMismatch, err.Error())
	case errors.Is(err, store.ErrInvalid):
		s.writeError(c, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
	default:
		s.log.WithError(err).WithField("path", c.Request.URL.Path).Warn("store operation failed")
		s.writeError(c, http.StatusInternalServerError, model.ErrInternal, "internal error")
	}
}
