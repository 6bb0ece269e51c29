package controllers

import (
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lfglabs-dev/api.calorily.com/utils"
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,255}$`)

type AuthController struct {
	Secret     []byte
	SessionTTL time.Duration
	Dev        bool
}

func NewAuthController(secret []byte, ttl time.Duration, dev bool) *AuthController {
	return &AuthController{Secret: secret, SessionTTL: ttl, Dev: dev}
}

type devSessionReq struct {
	UserID string `json:"user_id"`
}

// POST /auth/dev issues a session for any user id. Only enabled in dev mode.
func (ac *AuthController) DevSession(c *gin.Context) {
	if !ac.Dev {
		c.JSON(http.StatusForbidden, gin.H{"error": "dev sessions are disabled"})
		return
	}

	var req devSessionReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}
	if req.UserID == "" {
		req.UserID = uuid.NewString()
	} else if !userIDPattern.MatchString(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	token, err := utils.GenerateJWT(req.UserID, ac.Secret, ac.SessionTTL)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jwt": token, "user_id": req.UserID})
}
