package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"famcal-api/repository"
	"famcal-api/types"
)

// Cookie names shared with the live websocket endpoint.
const (
	AccessCookieName  = "famcal_access"
	RefreshCookieName = "famcal_refresh"
)

const (
	accessTTL  = 15 * time.Minute
	refreshTTL = 30 * 24 * time.Hour
)

type AuthHandler struct {
	repo      *repository.AuthRepository
	jwtSecret string
}

func NewAuthHandler(repo *repository.AuthRepository, jwtSecret string) *AuthHandler {
	return &AuthHandler{repo: repo, jwtSecret: jwtSecret}
}

// AuthMiddleware authenticates via the access cookie, falling back to a
// Bearer header, and stores the user id in the gin context under "userId".
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := ""
		if cookie, err := c.Cookie(AccessCookieName); err == nil {
			raw = cookie
		} else if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			raw = strings.TrimPrefix(header, "Bearer ")
		}
		if raw == "" {
			c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.ErrorCodeUnauthorized, "Authentication required"))
			c.Abort()
			return
		}
		token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.ErrorCodeInvalidToken, "Invalid token"))
			c.Abort()
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.ErrorCodeInvalidToken, "Invalid token claims"))
			c.Abort()
			return
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.ErrorCodeInvalidToken, "Subject not found in token"))
			c.Abort()
			return
		}
		c.Set("userId", sub)
		c.Next()
	}
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, err.Error()))
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 50 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, "Username must be between 3 and 50 characters"))
		return
	}
	if len(req.Password) < 8 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, "Password must be at least 8 characters"))
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}
	user, err := h.repo.CreateUser(req.Username, req.Password, req.DisplayName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to register user"))
		return
	}
	c.JSON(http.StatusCreated, types.NewSuccessResponse(gin.H{
		"id":          user.ID,
		"username":    user.Username,
		"displayName": user.DisplayName,
	}))
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, err.Error()))
		return
	}
	user, err := h.repo.UserByUsername(req.Username)
	if err != nil || user == nil {
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.ErrorCodeUnauthorized, "Invalid username or password"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.ErrorCodeUnauthorized, "Invalid username or password"))
		return
	}
	if err := h.issueSession(c, user.ID); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to create session"))
		return
	}
	c.JSON(http.StatusOK, types.NewSuccessResponse(gin.H{"userId": user.ID}))
}

// Refresh rotates the refresh session and re-issues the access cookie.
// Credentials are ambient (the refresh cookie); the body carries no input
// and the response is success/failure only, which is all the live client
// needs to decide between redialing and giving up.
func (h *AuthHandler) Refresh(c *gin.Context) {
	raw, err := c.Cookie(RefreshCookieName)
	if err != nil || raw == "" {
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.ErrorCodeUnauthorized, "No refresh session"))
		return
	}
	session, err := h.repo.RefreshSessionByHash(hashToken(raw))
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to load session"))
		return
	}
	if session == nil {
		c.JSON(http.StatusUnauthorized, types.NewErrorResponse(types.ErrorCodeUnauthorized, "Refresh session expired"))
		return
	}
	// Rotation: the presented token is single-use.
	if err := h.repo.RevokeRefreshSession(session.ID); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to rotate session"))
		return
	}
	if err := h.issueSession(c, session.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, "Failed to create session"))
		return
	}
	c.JSON(http.StatusOK, types.NewSuccessResponse(gin.H{"refreshed": true}))
}

// issueSession mints a fresh access token and refresh session and sets both
// cookies. The access token also doubles as a Bearer credential; it is
// returned in the Authorization response header for non-browser clients.
func (h *AuthHandler) issueSession(c *gin.Context, userID string) error {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(accessTTL).Unix(),
	})
	signed, err := token.SignedString([]byte(h.jwtSecret))
	if err != nil {
		return err
	}

	rawRefresh := uuid.NewString() + uuid.NewString()
	if _, err := h.repo.CreateRefreshSession(userID, hashToken(rawRefresh), now.Add(refreshTTL)); err != nil {
		return err
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(AccessCookieName, signed, int(accessTTL.Seconds()), "/", "", false, true)
	c.SetCookie(RefreshCookieName, rawRefresh, int(refreshTTL.Seconds()), "/", "", false, true)
	c.Header("Authorization", "Bearer "+signed)
	return nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
