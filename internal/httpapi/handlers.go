package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/bus"
	"github.com/roach88/activitylog/internal/query"
)

type eventRequest struct {
	Name    string          `json:"name" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

func (s *Server) postEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev := bus.Event{Name: req.Name, Payload: req.Payload}
	if _, _, ok := ev.Split(); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event name must be {object_type}.{action}"})
		return
	}
	if err := s.publisher.Publish(c.Request.Context(), ev); err != nil {
		s.logger.Error("publish event failed", "event", ev.Name, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event not accepted"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": ev.Name})
}

func (s *Server) list(c *gin.Context) {
	var p query.ListParams
	if err := c.ShouldBindQuery(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	page, err := s.facade.List(c.Request.Context(), p)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) showLatest(c *gin.Context) {
	ids, err := parseIDs(c.QueryArray("object_ids"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cursor, err := s.facade.ParseCursor(c.Query("last_modified_at"))
	if err != nil {
		s.fail(c, err)
		return
	}
	objectType := c.Query("object_type")
	if detailed, _ := strconv.ParseBool(c.Query("detailed")); detailed {
		latest, err := s.facade.ShowLatestDetailed(c.Request.Context(), objectType, ids, cursor)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, latest)
		return
	}
	states, err := s.facade.ShowLatest(c.Request.Context(), objectType, ids, cursor)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, states)
}

// parseIDs accepts repeated and comma-separated object_ids.
func parseIDs(values []string) ([]int64, error) {
	var ids []int64
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, activity.Validationf("show_latest", "object_ids: %q is not an integer", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// fail maps validation errors to 400 and everything else to 500.
func (s *Server) fail(c *gin.Context, err error) {
	if activity.IsValidation(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
