// Package auth handles operator authentication.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/investblog/spintax-domain-manager-sub000/internal/domain"
	"github.com/investblog/spintax-domain-manager-sub000/internal/repository"
	"github.com/investblog/spintax-domain-manager-sub000/pkg/config"
	"github.com/investblog/spintax-domain-manager-sub000/pkg/crypto"
	jwtpkg "github.com/investblog/spintax-domain-manager-sub000/pkg/jwt"
)

// ErrInvalidCredentials is returned for unknown users and wrong passwords
// alike, so the response does not leak which one it was.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, logger: logger, cfg: cfg}
}

// Session is an issued login session: the bearer token plus the anti-forgery
// token derived from it.
type Session struct {
	AccessToken string
	CSRFToken   string
	ExpiresIn   time.Duration
}

// Register creates an operator account.
func (s Service) Register(ctx context.Context, email, password string, isAdmin bool) (*domain.User, error) {
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: hash,
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "user_id", user.ID, "is_admin", isAdmin)
	return user, nil
}

// Login authenticates a user and issues a session.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, Session, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Session{}, ErrInvalidCredentials
		}
		return nil, Session{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, Session{}, ErrInvalidCredentials
	}
	session, err := s.issueSession(user)
	if err != nil {
		return nil, Session{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, session, nil
}

// Authorize validates a bearer token and returns the user and claims.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, errors.New("auth: token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, claims, nil
}

// VerifyCSRF checks the anti-forgery token presented by a mutating request
// against the session's claims.
func (s Service) VerifyCSRF(claims *jwtpkg.Claims, presented string) bool {
	return s.VerifyCSRFBySession(claims.ID, presented)
}

// VerifyCSRFBySession is VerifyCSRF for callers that only kept the session id.
func (s Service) VerifyCSRFBySession(sessionID, presented string) bool {
	return jwtpkg.ValidCSRF(presented, sessionID, s.cfg.JWTSecret)
}

func (s Service) issueSession(user *domain.User) (Session, error) {
	access, err := jwtpkg.GenerateToken(user.ID, user.IsAdmin, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return Session{}, err
	}
	claims, err := jwtpkg.Parse(access, s.cfg.JWTSecret)
	if err != nil {
		return Session{}, err
	}
	return Session{
		AccessToken: access,
		CSRFToken:   jwtpkg.CSRFToken(claims.ID, s.cfg.JWTSecret),
		ExpiresIn:   s.cfg.AccessTokenTTL,
	}, nil
}
