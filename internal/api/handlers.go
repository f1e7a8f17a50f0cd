package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hivemesh/fabric/internal/delegate"
	"github.com/hivemesh/fabric/internal/fault"
	"github.com/hivemesh/fabric/internal/session"
)

var startTime = time.Now()

// statusFor maps a fault kind to an HTTP status code
func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.KindInvalidArgument:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindPermissionDenied:
		return http.StatusForbidden
	case fault.KindConflict, fault.KindInvalidState:
		return http.StatusConflict
	case fault.KindResourceExhausted:
		return http.StatusTooManyRequests
	case fault.KindUnavailable:
		return http.StatusServiceUnavailable
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func abortWith(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{
		"error": err.Error(),
		"kind":  string(fault.KindOf(err)),
	})
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "Fabric API",
		"version": "1.0.0",
		"status":  "running",
		"time":    time.Now().UTC(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(startTime).Seconds(),
	})
}

// Session endpoints

type createSessionRequest struct {
	SessionID string         `json:"sessionId" binding:"required"`
	Config    session.Config `json:"config"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, fault.Wrap(fault.KindInvalidArgument, err, "malformed create request"))
		return
	}

	sess, err := s.sessions.CreateSession(c.Request.Context(), req.SessionID, authedUser(c), req.Config)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.GetSession(c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}

func (s *Server) handleCloseSession(c *gin.Context) {
	if err := s.sessions.CloseSession(c.Request.Context(), c.Param("id")); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": c.Param("id"), "status": "closed"})
}

type joinSessionRequest struct {
	DisplayName  string   `json:"displayName"`
	AgentID      string   `json:"agentId"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleJoinSession(c *gin.Context) {
	// the join body is optional; a bare join carries no agent binding
	var req joinSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWith(c, fault.Wrap(fault.KindInvalidArgument, err, "malformed join request"))
			return
		}
	}

	p, err := s.sessions.JoinSession(c.Request.Context(), c.Param("id"), authedUser(c), session.JoinOptions{
		DisplayName:  req.DisplayName,
		AgentID:      req.AgentID,
		Capabilities: req.Capabilities,
		AuthToken:    authedToken(c),
	})
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleLeaveSession(c *gin.Context) {
	if err := s.sessions.LeaveSession(c.Request.Context(), c.Param("id"), authedUser(c)); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": c.Param("id"), "left": true})
}

type addTaskRequest struct {
	ID          string `json:"id"`
	Description string `json:"description" binding:"required"`
	Priority    string `json:"priority"`
}

func (s *Server) handleAddTask(c *gin.Context) {
	var req addTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, fault.Wrap(fault.KindInvalidArgument, err, "malformed task request"))
		return
	}

	task, err := s.sessions.AddTask(c.Request.Context(), c.Param("id"), authedUser(c), session.Task{
		ID:          req.ID,
		Description: req.Description,
		Priority:    req.Priority,
	})
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) handleRequestVeto(c *gin.Context) {
	result, err := s.sessions.RequestVeto(c.Request.Context(), c.Param("id"), authedUser(c), c.Param("taskID"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type handshakeRequest struct {
	Initiator string `json:"initiator" binding:"required"`
	Responder string `json:"responder" binding:"required"`
	Protocol  string `json:"protocol" binding:"required"`
}

func (s *Server) handleHandshake(c *gin.Context) {
	var req handshakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, fault.Wrap(fault.KindInvalidArgument, err, "malformed handshake request"))
		return
	}

	rec, err := s.sessions.InitiateA2AHandshake(c.Request.Context(), c.Param("id"), req.Initiator, req.Responder, req.Protocol)
	if err != nil && rec == nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleCompleteHandshake(c *gin.Context) {
	rec, err := s.sessions.CompleteHandshake(c.Request.Context(), c.Param("id"), c.Param("handshakeID"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Delegation endpoints

type delegateRequest struct {
	Task    delegate.Task          `json:"task"`
	Context map[string]interface{} `json:"context"`
}

func (s *Server) handleDelegate(c *gin.Context) {
	if s.delegates == nil {
		abortWith(c, fault.New(fault.KindUnavailable, "delegation is not configured"))
		return
	}

	var req delegateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, fault.Wrap(fault.KindInvalidArgument, err, "malformed delegation request"))
		return
	}

	result := s.delegates.DelegateTask(c.Request.Context(), req.Task, req.Context)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
		if result.ErrorKind != "" {
			status = statusFor(fault.New(result.ErrorKind, "%s", result.Error))
		}
	}
	c.JSON(status, result)
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	if s.delegates == nil {
		abortWith(c, fault.New(fault.KindUnavailable, "delegation is not configured"))
		return
	}

	var agent delegate.Agent
	if err := c.ShouldBindJSON(&agent); err != nil {
		abortWith(c, fault.Wrap(fault.KindInvalidArgument, err, "malformed agent registration"))
		return
	}
	if err := s.delegates.RegisterAgent(agent); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// Snapshot endpoints

func (s *Server) handleListSnapshots(c *gin.Context) {
	if s.snapshots == nil {
		abortWith(c, fault.New(fault.KindUnavailable, "snapshot store is not configured"))
		return
	}

	summaries, err := s.snapshots.ListSummaries(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": summaries, "count": len(summaries)})
}

func (s *Server) handleGetSnapshot(c *gin.Context) {
	if s.snapshots == nil {
		abortWith(c, fault.New(fault.KindUnavailable, "snapshot store is not configured"))
		return
	}

	snap, err := s.snapshots.Latest(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
