package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"collabengine/internal/conflict"
	"collabengine/internal/participant"
	"collabengine/internal/session"
	"collabengine/internal/update"
	"collabengine/internal/wire"
)

type participantView struct {
	ID          string               `json:"id"`
	DisplayName string               `json:"displayName"`
	Status      string               `json:"status"`
	LastSeen    time.Time            `json:"lastSeen"`
	Presence    participant.Presence `json:"presence"`
	Permissions []string             `json:"permissions"`
	Scopes      []string             `json:"scopes,omitempty"`
}

func viewParticipant(p participant.Participant) participantView {
	return participantView{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Status:      p.Status.String(),
		LastSeen:    p.LastSeen,
		Presence:    p.Presence,
		Permissions: p.Permissions.Actions,
		Scopes:      p.Permissions.Scopes,
	}
}

type entryView struct {
	Seq       uint64          `json:"seq"`
	Update    *update.Update  `json:"update"`
	Status    string          `json:"status"`
	Effective json.RawMessage `json:"effective,omitempty"`
}

func viewEntry(e update.Entry) entryView {
	v := entryView{Seq: e.Seq, Update: e.Update, Status: e.Status.String()}
	if json.Valid(e.Effective) {
		v.Effective = e.Effective
	}
	return v
}

type receiptView struct {
	Update    *update.Update    `json:"update"`
	Status    string            `json:"status"`
	Conflicts []conflict.Record `json:"conflicts,omitempty"`
	Duplicate bool              `json:"duplicate,omitempty"`
}

func viewReceipt(r session.Receipt) receiptView {
	return receiptView{Update: r.Update, Status: r.Status.String(), Conflicts: r.Conflicts, Duplicate: r.Duplicate}
}

type updateRequest struct {
	Kind      update.Kind     `json:"kind" binding:"required"`
	Payload   json.RawMessage `json:"payload"`
	DependsOn []string        `json:"dependsOn"`
}

type resolveRequest struct {
	Resolution string          `json:"resolution" binding:"required"`
	Payload    json.RawMessage `json:"payload"`
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}

func (s *Server) getSession(c *gin.Context, coord *session.Coordinator) {
	c.JSON(http.StatusOK, coord.Info())
}

func (s *Server) listParticipants(c *gin.Context, coord *session.Coordinator) {
	ps := coord.Participants()
	out := make([]participantView, 0, len(ps))
	for _, p := range ps {
		out = append(out, viewParticipant(p))
	}
	c.JSON(http.StatusOK, gin.H{"participants": out})
}

func (s *Server) getParticipant(c *gin.Context, coord *session.Coordinator) {
	p, ok := coord.Participant(c.Param("pid"))
	if !ok {
		abort(c, http.StatusNotFound, "unknown participant")
		return
	}
	c.JSON(http.StatusOK, viewParticipant(p))
}

func (s *Server) listConflicts(c *gin.Context, coord *session.Coordinator) {
	recs := coord.Conflicts()
	if recs == nil {
		recs = []conflict.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": recs})
}

// listUpdates serves ?limit=N (most recent N) or ?author=ID.
func (s *Server) listUpdates(c *gin.Context, coord *session.Coordinator) {
	if author := c.Query("author"); author != "" {
		us := coord.UpdatesBy(author)
		if us == nil {
			us = []*update.Update{}
		}
		c.JSON(http.StatusOK, gin.H{"updates": us})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			abort(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries := coord.Updates(limit)
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewEntry(e))
	}
	c.JSON(http.StatusOK, gin.H{"updates": out})
}

func (s *Server) getDocument(c *gin.Context, coord *session.Coordinator) {
	doc := coord.Document()
	c.JSON(http.StatusOK, gin.H{"document": doc, "digest": doc.Digest()})
}

func (s *Server) postUpdate(c *gin.Context, coord *session.Coordinator) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := coord.BroadcastUpdate(c.Request.Context(), req.Kind, req.Payload, req.DependsOn...)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, viewReceipt(receipt))
}

func (s *Server) putPresence(c *gin.Context, coord *session.Coordinator) {
	var p participant.Presence
	if err := c.ShouldBindJSON(&p); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := coord.UpdateLocalPresence(c.Request.Context(), p)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, viewReceipt(receipt))
}

func (s *Server) resolveConflict(c *gin.Context, coord *session.Coordinator) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	res, err := conflict.ParseResolution(req.Resolution)
	if err != nil {
		fail(c, err)
		return
	}
	rec, err := coord.ResolveConflict(c.Request.Context(), c.Param("uid"), res, req.Payload)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) leave(c *gin.Context, coord *session.Coordinator) {
	if err := coord.LeaveSession(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, coord.Info())
}

// fail maps the engine's sentinel errors onto status codes.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrUnknownUpdate):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrInvalidState), errors.Is(err, conflict.ErrNotPending):
		status = http.StatusConflict
	case errors.Is(err, conflict.ErrInvalidResolution), errors.Is(err, wire.ErrMalformedUpdate):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	abort(c, status, err.Error())
}
