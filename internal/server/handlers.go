package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"taskflow/internal/core"
	"taskflow/internal/graph"
	"taskflow/internal/protocol"
	"taskflow/internal/session"
	"taskflow/internal/storage"
	"taskflow/pkg"
)

const principalKey = "principal"

type createProjectRequest struct {
	Name string `json:"name"`
}

type createTaskRequest struct {
	ProjectID   string         `json:"projectId"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      pkg.TaskStatus `json:"status"`
}

type updateTaskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

type changeStatusRequest struct {
	Status pkg.TaskStatus `json:"status"`
}

type addDependencyRequest struct {
	BlockerID string `json:"blockerId"`
}

type addCommentRequest struct {
	Body string `json:"body"`
}

// requireMember resolves the caller and checks workspace membership
func (s *Server) requireMember(c *gin.Context) {
	principal := c.GetHeader(protocol.PrincipalHeader)
	if principal == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "missing " + protocol.PrincipalHeader + " header",
		})
		return
	}
	if err := s.deps.Auth.Authorize(c.Request.Context(), principal, c.Param("ws")); err != nil {
		s.fail(c, err)
		c.Abort()
		return
	}
	c.Set(principalKey, principal)
	c.Next()
}

func (s *Server) handleSnapshot(c *gin.Context) {
	snap, err := s.svc.Snapshot(c.Request.Context(), c.Param("ws"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    snap,
	})
}

func (s *Server) handleCreateProject(c *gin.Context) {
	var req createProjectRequest
	if !s.bind(c, &req) {
		return
	}
	res, err := s.svc.CreateProject(c.Request.Context(), c.GetString(principalKey), c.Param("ws"), req.Name)
	s.respond(c, http.StatusCreated, res, err, func(r *core.MutationResult) any { return r.Project })
}

func (s *Server) handleDeleteProject(c *gin.Context) {
	res, err := s.svc.DeleteProject(c.Request.Context(), c.GetString(principalKey), c.Param("ws"), c.Param("id"))
	s.respond(c, http.StatusOK, res, err, func(r *core.MutationResult) any { return r.Project })
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if !s.bind(c, &req) {
		return
	}
	res, err := s.svc.CreateTask(c.Request.Context(), c.GetString(principalKey), c.Param("ws"), core.CreateTaskInput{
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
	})
	s.respond(c, http.StatusCreated, res, err, taskOf)
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.svc.GetTask(c.Request.Context(), c.Param("ws"), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    task,
	})
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	var req updateTaskRequest
	if !s.bind(c, &req) {
		return
	}
	res, err := s.svc.UpdateTask(c.Request.Context(), c.GetString(principalKey), c.Param("ws"), c.Param("id"), core.UpdateTaskInput{
		Title:       req.Title,
		Description: req.Description,
	})
	s.respond(c, http.StatusOK, res, err, taskOf)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	res, err := s.svc.DeleteTask(c.Request.Context(), c.GetString(principalKey), c.Param("ws"), c.Param("id"))
	s.respond(c, http.StatusOK, res, err, taskOf)
}

func (s *Server) handleChangeStatus(c *gin.Context) {
	var req changeStatusRequest
	if !s.bind(c, &req) {
		return
	}
	res, err := s.svc.ChangeStatus(c.Request.Context(), c.GetString(principalKey), c.Param("ws"), c.Param("id"), req.Status)
	s.respond(c, http.StatusOK, res, err, taskOf)
}

func (s *Server) handleAddDependency(c *gin.Context) {
	var req addDependencyRequest
	if !s.bind(c, &req) {
		return
	}
	res, err := s.svc.AddDependency(c.Request.Context(), c.GetString(principalKey), c.Param("ws"), c.Param("id"), req.BlockerID)
	s.respond(c, http.StatusOK, res, err, taskOf)
}

func (s *Server) handleRemoveDependency(c *gin.Context) {
	res, err := s.svc.RemoveDependency(c.Request.Context(), c.GetString(principalKey), c.Param("ws"), c.Param("id"), c.Param("blocker"))
	s.respond(c, http.StatusOK, res, err, taskOf)
}

func (s *Server) handleAddComment(c *gin.Context) {
	var req addCommentRequest
	if !s.bind(c, &req) {
		return
	}
	res, err := s.svc.AddComment(c.Request.Context(), c.GetString(principalKey), c.Param("ws"), c.Param("id"), req.Body)
	s.respond(c, http.StatusCreated, res, err, func(r *core.MutationResult) any { return r.Comment })
}

func taskOf(r *core.MutationResult) any { return r.Task }

func (s *Server) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return false
	}
	return true
}

// respond writes a mutation result with the sequence of its last envelope
func (s *Server) respond(c *gin.Context, status int, res *core.MutationResult, err error, data func(*core.MutationResult) any) {
	if err != nil {
		s.fail(c, err)
		return
	}
	var seq uint64
	if n := len(res.Envelopes); n > 0 {
		seq = res.Envelopes[n-1].Seq
	}
	c.JSON(status, gin.H{
		"success": true,
		"data":    data(res),
		"seq":     seq,
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{
		"success": false,
		"error":   err.Error(),
	}
	var ge *graph.GraphError
	if errors.As(err, &ge) && len(ge.Path) > 0 {
		body["cycle"] = ge.Path
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("route", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidInput),
		errors.Is(err, core.ErrCrossProject):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSubscriptionDenied):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, graph.ErrUnknownTask),
		errors.Is(err, graph.ErrEdgeNotFound):
		return http.StatusNotFound
	case errors.Is(err, graph.ErrCycleRejected),
		errors.Is(err, graph.ErrEdgeExists),
		errors.Is(err, graph.ErrTaskExists),
		errors.Is(err, core.ErrProjectNotEmpty),
		errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
