package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/syllabus/internal/auth"
	"github.com/MarcoPoloResearchLab/syllabus/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalContextKey = "syllabus_principal"

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingProfiles      = errors.New("profile directory dependency required")
)

// Authenticator resolves an Authorization header into a principal. A nil
// principal with a nil error means the request continues anonymously.
type Authenticator interface {
	Authenticate(ctx context.Context, authorizationHeader string) (*auth.Principal, error)
}

// ProfileDirectory answers username queries.
type ProfileDirectory interface {
	FindByUsername(ctx context.Context, username string) (users.Profile, error)
	ValidateUsernames(ctx context.Context, usernames []string) (map[string]bool, error)
}

type Dependencies struct {
	Authenticator  Authenticator
	Profiles       ProfileDirectory
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Profiles == nil {
		return nil, errMissingProfiles
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		profiles:      deps.Profiles,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	api := router.Group("/api")
	api.Use(handler.authenticate)

	protected := api.Group("/users")
	protected.Use(requirePrincipal)
	protected.GET("/me", handler.handleCurrentUser)
	protected.GET("/username/:username", handler.handleUsernameLookup)
	protected.POST("/validate", handler.handleValidateUsernames)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	authenticator Authenticator
	profiles      ProfileDirectory
	logger        *zap.Logger
}

type profilePayload struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type validateUsernamesRequest struct {
	Usernames []string `json:"usernames"`
}

type validateUsernamesResponse struct {
	Usernames map[string]bool `json:"usernames"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authenticate attaches a principal when the bearer token checks out and lets
// every other request through anonymously. It only stops a request when the
// profile store cannot be reached.
func (h *httpHandler) authenticate(c *gin.Context) {
	principal, err := h.authenticator.Authenticate(c.Request.Context(), c.GetHeader("Authorization"))
	if err != nil {
		if errors.Is(err, users.ErrPersistence) {
			h.logger.Error("identity store unavailable", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "identity_store_unavailable"})
			return
		}
		h.logger.Debug("authentication aborted", zap.Error(err))
	}
	if principal != nil {
		c.Set(principalContextKey, principal)
		c.Request = c.Request.WithContext(auth.ContextWithPrincipal(c.Request.Context(), principal))
	}
	c.Next()
}

func requirePrincipal(c *gin.Context) {
	if _, ok := principalFromGin(c); !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func principalFromGin(c *gin.Context) (*auth.Principal, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return nil, false
	}
	principal, ok := value.(*auth.Principal)
	return principal, ok && principal != nil
}

func (h *httpHandler) handleCurrentUser(c *gin.Context) {
	principal, _ := principalFromGin(c)
	c.JSON(http.StatusOK, principal)
}

func (h *httpHandler) handleUsernameLookup(c *gin.Context) {
	username := strings.TrimSpace(c.Param("username"))
	profile, err := h.profiles.FindByUsername(c.Request.Context(), username)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, profilePayload{
			ID:          profile.ID,
			Username:    profile.Username,
			DisplayName: profile.DisplayName,
			Role:        profile.Role.String(),
		})
	case errors.Is(err, users.ErrProfileNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("username lookup failed", zap.String("username", username), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "identity_store_unavailable"})
	}
}

func (h *httpHandler) handleValidateUsernames(c *gin.Context) {
	var request validateUsernamesRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Usernames) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.profiles.ValidateUsernames(c.Request.Context(), request.Usernames)
	if err != nil {
		h.logger.Error("username validation failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "identity_store_unavailable"})
		return
	}
	c.JSON(http.StatusOK, validateUsernamesResponse{Usernames: result})
}
