package api

import (
	"fmt"
	"net/http"
	"strings"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	userKey      = "user"
	tokenIssuer  = "coolantctl"
	operatorName = "operator"
)

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password" binding:"required"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (s *Server) issueToken(c *gin.Context) {
	errFactory := errors.New()

	if !s.cfg.authEnabled() {
		s.abort(c, http.StatusNotFound, errFactory.WithData(ErrInvalidRequest, "authentication is not configured"))
		return
	}

	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abort(c, http.StatusBadRequest, errFactory.Wrap(ErrInvalidRequest, err))
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.PasswordHash), []byte(req.Password)); err != nil {
		s.log.Warn().Str("client", c.ClientIP()).Msg("Rejected API login")
		s.abort(c, http.StatusUnauthorized, errFactory.New(ErrUnauthorized))
		return
	}

	user := req.Username
	if user == "" {
		user = operatorName
	}

	token, expires, err := s.signToken(user)
	if err != nil {
		s.abort(c, http.StatusInternalServerError, err)
		return
	}

	s.log.Info().Str("user", user).Str("client", c.ClientIP()).Msg("API token issued")
	c.JSON(http.StatusOK, tokenResponse{Token: token, ExpiresAt: expires.Unix()})
}

func (s *Server) signToken(user string) (string, jwt.NumericDate, error) {
	now := s.now()
	expires := jwt.NewNumericDate(now.Add(s.cfg.TokenTTL))

	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    tokenIssuer,
		Subject:   user,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: expires,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", jwt.NumericDate{}, errors.New().Wrap(errors.ErrInternal, err)
	}
	return signed, *expires, nil
}

func (s *Server) parseToken(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}

	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", errors.New().Wrap(ErrInvalidToken, err)
	}
	return claims.Subject, nil
}

// authMiddleware requires a valid bearer token when a JWT secret is
// configured. Without one, every request passes.
func (s *Server) authMiddleware(c *gin.Context) {
	if !s.cfg.authEnabled() {
		c.Next()
		return
	}

	header := c.GetHeader("Authorization")
	if header == "" {
		s.abort(c, http.StatusUnauthorized, errors.New().WithData(ErrInvalidToken, "missing Authorization header"))
		return
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		s.abort(c, http.StatusUnauthorized, errors.New().WithData(ErrInvalidToken, "invalid Authorization header format"))
		return
	}

	user, err := s.parseToken(parts[1])
	if err != nil {
		s.log.Debug().Err(err).Str("client", c.ClientIP()).Msg("Rejected API token")
		s.abort(c, http.StatusUnauthorized, err)
		return
	}

	c.Set(userKey, user)
	c.Next()
}
