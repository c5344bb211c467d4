package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	issuer *Issuer
	// devTokens enables POST /auth/token, which mints a token for any subject
	devTokens bool
}

func NewHandler(issuer *Issuer, devTokens bool) *Handler {
	return &Handler{issuer: issuer, devTokens: devTokens}
}

// Ping endpoint
func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "auth service alive!"})
}

type tokenRequest struct {
	Subject string `json:"subject" binding:"required"`
}

// Token issues a token for the requested subject. Development only.
func (h *Handler) Token(c *gin.Context) {
	if !h.devTokens {
		c.JSON(http.StatusNotFound, gin.H{"error": "token issuance disabled"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, expires, err := h.issuer.Issue(req.Subject)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token, "token_type": "Bearer", "expires_at": expires})
}

// Me echoes the authenticated principal
func (h *Handler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"principal": Principal(c)})
}
