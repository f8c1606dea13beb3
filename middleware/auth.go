package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apishield/admission-control/abuse"
	"github.com/apishield/admission-control/models"
	"github.com/apishield/admission-control/repository"
)

type contextKey string

const (
	principalContextKey contextKey = "principal"
)

// Principal is the resolved identity a request is admitted as: an
// API key, an authenticated user, or (neither present) the client IP.
type Principal struct {
	Key    string
	UserID string
	Limits models.RateLimits
}

type AuthMiddleware struct {
	jwtSecret  string
	apiKeyRepo *repository.APIKeyRepository
	userRepo   *repository.UserRepository
	detector   *abuse.Detector
	log        *zap.Logger
}

func NewAuthMiddleware(jwtSecret string, apiKeyRepo *repository.APIKeyRepository, userRepo *repository.UserRepository, detector *abuse.Detector, log *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret:  jwtSecret,
		apiKeyRepo: apiKeyRepo,
		userRepo:   userRepo,
		detector:   detector,
		log:        log,
	}
}

// Resolve attaches a Principal to the request context when a valid
// credential is presented. A presented-but-invalid credential is a
// FAILED_AUTH abuse signal for the client IP; requests with no
// credential at all pass through anonymous and are limited by IP
// downstream.
func (m *AuthMiddleware) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := ClientIP(r)

		if secret := r.Header.Get("X-API-Key"); secret != "" {
			if m.apiKeyRepo == nil {
				// No key storage configured: a presented key can never
				// be valid.
				writeAuthError(w, models.ErrInvalidKey)
				return
			}
			key, err := m.apiKeyRepo.Validate(ctx, secret)
			if err != nil {
				m.recordFailedAuth(ctx, ip, r.URL.Path, err)
				writeAuthError(w, err)
				return
			}
			principal := &Principal{
				Key:    key.PrincipalKey(),
				UserID: key.OwnerUserID.String(),
				Limits: key.Limits(),
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(ctx, principal)))
			return
		}

		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			principal, err := m.resolveToken(ctx, strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				m.recordFailedAuth(ctx, ip, r.URL.Path, err)
				writeAuthError(w, models.ErrInvalidKey)
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(ctx, principal)))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *AuthMiddleware) resolveToken(ctx context.Context, tokenString string) (*Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(m.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, models.ErrInvalidKey
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, models.ErrInvalidKey
	}
	userIDStr, ok := claims["user_id"].(string)
	if !ok {
		return nil, models.ErrInvalidKey
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, models.ErrInvalidKey
	}
	if m.userRepo == nil {
		return nil, models.ErrInvalidKey
	}
	user, err := m.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, models.ErrInvalidKey
	}
	return &Principal{
		Key:    "user:" + userIDStr,
		UserID: userIDStr,
		Limits: models.LimitsForTier(user.Tier),
	}, nil
}

func (m *AuthMiddleware) recordFailedAuth(ctx context.Context, ip, endpoint string, cause error) {
	m.log.Info("authentication failed",
		zap.String("ip", ip),
		zap.String("endpoint", endpoint),
		zap.Error(cause))
	if m.detector == nil {
		return
	}
	meta := map[string]string{"endpoint": endpoint}
	if _, err := m.detector.RecordAbuse(ctx, ip, models.AbuseFailedAuth, meta); err != nil {
		m.log.Warn("failed to record auth failure", zap.Error(err))
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case errors.Is(err, models.ErrKeyExpired):
		http.Error(w, `{"error": "api key expired"}`, http.StatusUnauthorized)
	case errors.Is(err, models.ErrKeyRevoked):
		http.Error(w, `{"error": "api key revoked"}`, http.StatusUnauthorized)
	default:
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
	}
}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// GetPrincipal returns the resolved principal, or nil for anonymous
// requests.
func GetPrincipal(ctx context.Context) *Principal {
	if val := ctx.Value(principalContextKey); val != nil {
		return val.(*Principal)
	}
	return nil
}

// ClientIP extracts the originating client address, preferring proxy
// headers over the socket peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if colonIdx := strings.LastIndex(ip, ":"); colonIdx != -1 {
		ip = ip[:colonIdx]
	}
	return strings.Trim(ip, "[]")
}
