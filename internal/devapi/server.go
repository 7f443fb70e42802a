package devapi

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-authgate/authfetch/session"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Server serves the authentication API.
type Server struct {
	cfg    Config
	users  *Users
	grants GrantStore
	logger *zap.Logger
	engine *gin.Engine

	refreshes atomic.Int64
}

type authResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type registerRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required,min=8"`
	Username  string `json:"username" binding:"required,alphanum,min=3"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type valueField struct {
	Value string `json:"value"`
}

type roleField struct {
	Name string `json:"name"`
}

// meResponse is the backend user shape of the "me" endpoint.
type meResponse struct {
	Username  valueField  `json:"username"`
	Email     valueField  `json:"email"`
	FirstName string      `json:"firstName,omitempty"`
	LastName  string      `json:"lastName,omitempty"`
	Roles     []roleField `json:"roles"`
	UserType  string      `json:"userType"`
}

var jsonFieldNames sync.Once

// NewServer wires the routes. A nil logger disables request logging.
func NewServer(cfg Config, users *Users, grants GrantStore, logger *zap.Logger) (*Server, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if users == nil {
		users = NewUsers()
	}
	if grants == nil {
		grants = NewMemoryGrantStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	jsonFieldNames.Do(func() {
		if engine, ok := binding.Validator.Engine().(*validator.Validate); ok {
			engine.RegisterTagNameFunc(func(field reflect.StructField) string {
				name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
				if name == "-" {
					return ""
				}
				return name
			})
		}
	})

	s := &Server{cfg: cfg, users: users, grants: grants, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Authorization", "Content-Type", session.RequestIDHeader},
			ExposeHeaders:    []string{"Content-Type"},
			AllowCredentials: true,
		}))
	}

	api := router.Group(cfg.BasePath)
	api.POST(session.DefaultEndpoints.Login, s.handleLogin)
	api.POST(session.DefaultEndpoints.Register, s.handleRegister)
	api.POST(session.DefaultEndpoints.Refresh, s.handleRefresh)
	api.POST(session.DefaultEndpoints.Logout, s.requireAccess, s.handleLogout)
	api.GET(session.DefaultEndpoints.Me, s.requireAccess, s.handleMe)

	s.engine = router
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.engine }

// Users exposes the account registry, mostly for seeding.
func (s *Server) Users() *Users { return s.users }

// RefreshCount reports how many refresh grants were rotated successfully.
func (s *Server) RefreshCount() int64 { return s.refreshes.Load() }

func (s *Server) handleLogin(contextGin *gin.Context) {
	var inbound loginRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		s.abortValidation(contextGin, err)
		return
	}

	user, err := s.users.Authenticate(inbound.Username, inbound.Password)
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Invalid username or password"})
		return
	}
	s.issueSession(contextGin, http.StatusOK, user)
}

func (s *Server) handleRegister(contextGin *gin.Context) {
	var inbound registerRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		s.abortValidation(contextGin, err)
		return
	}

	user, err := s.users.Add(User{
		Username:  inbound.Username,
		Email:     inbound.Email,
		FirstName: inbound.FirstName,
		LastName:  inbound.LastName,
	}, inbound.Password)
	if errors.Is(err, ErrUsernameTaken) {
		contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"message": "Username already taken",
			"errors":  gin.H{"username": []string{"is already taken"}},
		})
		return
	}
	if err != nil {
		s.logger.Error("register failed", zap.Error(err))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	s.issueSession(contextGin, http.StatusCreated, user)
}

func (s *Server) issueSession(contextGin *gin.Context, status int, user *User) {
	access, _, err := mintAccessToken(s.cfg, user)
	if err != nil {
		s.logger.Error("mint access token failed", zap.Error(err))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	_, refresh, err := s.grants.Issue(contextGin, user.ID, s.cfg.Now().UTC().Add(s.cfg.RefreshTTL), "")
	if err != nil {
		s.logger.Error("issue refresh grant failed", zap.Error(err))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(status, authResponse{
		Token:        access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.cfg.AccessTTL.Seconds()),
	})
}

func (s *Server) handleRefresh(contextGin *gin.Context) {
	var inbound refreshRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID, grantID, err := s.grants.Validate(contextGin, inbound.RefreshToken, s.cfg.Now().UTC())
	if err != nil {
		s.logger.Info("refresh rejected", zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_grant"})
		return
	}
	user, err := s.users.Get(userID)
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_grant"})
		return
	}

	access, _, err := mintAccessToken(s.cfg, user)
	if err != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	_, rotated, err := s.grants.Issue(contextGin, user.ID, s.cfg.Now().UTC().Add(s.cfg.RefreshTTL), grantID)
	if err != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if err := s.grants.Revoke(contextGin, grantID); err != nil {
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	s.refreshes.Add(1)
	contextGin.JSON(http.StatusOK, refreshResponse{
		AccessToken:  access,
		RefreshToken: rotated,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.cfg.AccessTTL.Seconds()),
	})
}

func (s *Server) handleLogout(contextGin *gin.Context) {
	claims := contextGin.MustGet(claimsContextKey).(*accessClaims)
	if err := s.grants.RevokeUser(contextGin, claims.Subject); err != nil {
		s.logger.Warn("revoke grants failed", zap.Error(err))
	}
	contextGin.SetCookie(accessCookieName, "", -1, "/", "", false, true)
	contextGin.Status(http.StatusNoContent)
}

func (s *Server) handleMe(contextGin *gin.Context) {
	claims := contextGin.MustGet(claimsContextKey).(*accessClaims)
	user, err := s.users.Get(claims.Subject)
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unknown user"})
		return
	}

	out := meResponse{
		Username:  valueField{Value: user.Username},
		Email:     valueField{Value: user.Email},
		FirstName: user.FirstName,
		LastName:  user.LastName,
		UserType:  user.UserType,
	}
	for _, role := range user.Roles {
		out.Roles = append(out.Roles, roleField{Name: role})
	}
	contextGin.JSON(http.StatusOK, out)
}

// abortValidation answers 400 with field-level messages keyed by JSON field name.
func (s *Server) abortValidation(contextGin *gin.Context, err error) {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "Invalid JSON body"})
		return
	}
	fields := make(map[string][]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = append(fields[fe.Field()], describeRule(fe))
	}
	contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"message": "Validation failed",
		"errors":  fields,
	})
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "alphanum":
		return "must contain only letters and digits"
	default:
		return "is invalid"
	}
}
