// Package api implements the document-metadata HTTP surface consumed by the
// editor frontend. The collaboration core does not depend on it.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/collab-docs/syncserver/internal/auth"
	"github.com/collab-docs/syncserver/internal/models"
	"github.com/collab-docs/syncserver/internal/store"
)

// Handler holds the dependencies for API handlers
type Handler struct {
	db *store.DB
}

// NewHandler creates a new API handler
func NewHandler(database *store.DB) *Handler {
	return &Handler{db: database}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.HealthCheck)

	r.POST("/api/auth/login", h.Login)
	r.GET("/api/auth/me", auth.Middleware(h.db), h.GetCurrentUser)

	docs := r.Group("/api/docs")
	docs.Use(auth.Middleware(h.db))
	{
		docs.GET("", h.ListDocuments)
		docs.POST("", h.CreateDocument)
		docs.GET("/:id", h.RequireRole(models.RoleView), h.GetDocument)
		docs.PUT("/:id", h.RequireRole(models.RoleEdit), h.UpdateDocument)
		docs.DELETE("/:id", h.RequireRole(models.RoleOwner), h.DeleteDocument)

		docs.GET("/:id/access", h.RequireRole(models.RoleOwner), h.ListAccessGrants)
		docs.PUT("/:id/access", h.RequireRole(models.RoleOwner), h.SetAccessGrant)
		docs.DELETE("/:id/access/:userId", h.RequireRole(models.RoleOwner), h.RemoveAccessGrant)

		docs.GET("/:id/sessions", h.RequireRole(models.RoleView), h.ListSessions)
	}
}

var roleHierarchy = map[string]int{
	models.RoleView:  1,
	models.RoleEdit:  2,
	models.RoleOwner: 3,
}

// RequireRole checks that the caller holds at least minRole on the document
// named by the :id path parameter.
func (h *Handler) RequireRole(minRole string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := auth.UserFromContext(c)
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			c.Abort()
			return
		}

		docID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid document ID"})
			c.Abort()
			return
		}

		grant, err := h.db.CheckDocumentAccess(c.Request.Context(), docID, user.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			c.Abort()
			return
		}
		if grant == nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "No access to this document"})
			c.Abort()
			return
		}
		if roleHierarchy[grant.Role] < roleHierarchy[minRole] {
			c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Login resolves a user by email and issues a bearer token.
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.db.GetUserByEmail(c.Request.Context(), req.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}

	token, err := auth.GenerateToken(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"user":  user,
	})
}

// GetCurrentUser returns the current authenticated user
func (h *Handler) GetCurrentUser(c *gin.Context) {
	user := auth.UserFromContext(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// ListDocuments returns all documents accessible by the user
func (h *Handler) ListDocuments(c *gin.Context) {
	user := auth.UserFromContext(c)
	docs, err := h.db.ListDocuments(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list documents"})
		return
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	c.JSON(http.StatusOK, docs)
}

// CreateDocument creates a new document
func (h *Handler) CreateDocument(c *gin.Context) {
	user := auth.UserFromContext(c)

	var req models.CreateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	doc, err := h.db.CreateDocument(c.Request.Context(), req.Title, user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create document"})
		return
	}

	c.JSON(http.StatusCreated, doc)
}

// GetDocument returns a single document
func (h *Handler) GetDocument(c *gin.Context) {
	docID, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	doc, err := h.db.GetDocument(c.Request.Context(), docID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get document"})
		return
	}
	if doc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
		return
	}

	c.JSON(http.StatusOK, doc)
}

// UpdateDocument updates a document
func (h *Handler) UpdateDocument(c *gin.Context) {
	docID, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	var req models.UpdateDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	doc, err := h.db.UpdateDocument(c.Request.Context(), docID, req.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update document"})
		return
	}
	if doc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Document not found"})
		return
	}

	c.JSON(http.StatusOK, doc)
}

// DeleteDocument deletes a document
func (h *Handler) DeleteDocument(c *gin.Context) {
	docID, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	if err := h.db.DeleteDocument(c.Request.Context(), docID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete document"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Document deleted"})
}

// ListAccessGrants returns all grants for a document
func (h *Handler) ListAccessGrants(c *gin.Context) {
	docID, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	grants, err := h.db.ListAccessGrants(c.Request.Context(), docID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list grants"})
		return
	}
	if grants == nil {
		grants = []*models.AccessGrant{}
	}
	c.JSON(http.StatusOK, grants)
}

// SetAccessGrant grants a user a role on a document
func (h *Handler) SetAccessGrant(c *gin.Context) {
	docID, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	var req models.SetAccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.db.SetAccessGrant(c.Request.Context(), docID, req.UserID, req.Role); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to set grant"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Access granted"})
}

// RemoveAccessGrant removes a user's non-owner grant
func (h *Handler) RemoveAccessGrant(c *gin.Context) {
	docID, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	if err := h.db.RemoveAccessGrant(c.Request.Context(), docID, userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove grant"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Access removed"})
}

// ListSessions returns the live session records for a document
func (h *Handler) ListSessions(c *gin.Context) {
	docID, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	sessions, err := h.db.ListSessions(c.Request.Context(), docID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sessions"})
		return
	}
	if sessions == nil {
		sessions = []*models.SessionRecord{}
	}
	c.JSON(http.StatusOK, sessions)
}
