package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/config"
	"github.com/KevinKickass/OpenShotCore/internal/storage"
	"go.uber.org/zap"
)

type Permission string

const (
	// PermOperator reads state, drives lifecycles and runs shots.
	PermOperator Permission = "operator"
	// PermAdmin creates instances and writes parameters.
	PermAdmin Permission = "admin"
)

// ErrInvalidCredentials hides whether the user or the password was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthService authenticates the operators listed in the config file.
type AuthService struct {
	users          map[string]config.UserConfig
	events         storage.Store
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	logger         *zap.Logger
}

func NewAuthService(cfg config.AuthConfig, events storage.Store, logger *zap.Logger) *AuthService {
	users := make(map[string]config.UserConfig, len(cfg.Users))
	for _, u := range cfg.Users {
		users[u.Username] = u
	}
	return &AuthService{
		users:          users,
		events:         events,
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher: NewPasswordHasher(),
		logger:         logger,
	}
}

// Enabled reports whether any operator is configured. Without operators
// the API runs unauthenticated.
func (a *AuthService) Enabled() bool {
	return len(a.users) > 0
}

// LoginUser checks the credentials and returns a signed access token.
func (a *AuthService) LoginUser(ctx context.Context, username, password, ipAddress, userAgent string) (string, time.Time, error) {
	user, ok := a.users[username]
	if !ok {
		a.logAuthEvent(ctx, "user_login_failed", username, ipAddress, userAgent, false, "user not found")
		return "", time.Time{}, ErrInvalidCredentials
	}

	valid, err := a.passwordHasher.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		a.logger.Error("Stored password hash is unusable", zap.String("username", username), zap.Error(err))
	}
	if err != nil || !valid {
		a.logAuthEvent(ctx, "user_login_failed", username, ipAddress, userAgent, false, "invalid password")
		return "", time.Time{}, ErrInvalidCredentials
	}

	token, expires, err := a.jwtHandler.GenerateAccessToken(user.Username, user.Role)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
	}

	a.logAuthEvent(ctx, "user_login_success", username, ipAddress, userAgent, true, "")
	return token, expires, nil
}

// ValidateToken returns the permissions granted by an access token.
func (a *AuthService) ValidateToken(token string) (*JWTClaims, []Permission, error) {
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := a.users[claims.Username]; !ok {
		return nil, nil, fmt.Errorf("user %s no longer configured", claims.Username)
	}
	return claims, roleToPermissions(claims.Role), nil
}

func roleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermAdmin}
	default:
		return []Permission{PermOperator}
	}
}

func (a *AuthService) logAuthEvent(ctx context.Context, eventType, username, ip, userAgent string, success bool, reason string) {
	if a.events == nil {
		return
	}
	err := a.events.LogAuthEvent(ctx, storage.AuthEvent{
		Type:      eventType,
		Username:  username,
		IPAddress: ip,
		UserAgent: userAgent,
		Success:   success,
		Reason:    reason,
	})
	if err != nil {
		a.logger.Warn("Failed to record auth event", zap.String("type", eventType), zap.Error(err))
	}
}
