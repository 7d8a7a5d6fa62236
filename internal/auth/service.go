package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"shopfloor.dev/internal/ids"
	"shopfloor.dev/internal/obs"
)

const (
	defaultIssuer      = "shopfloor"
	defaultAccessTTL   = 15 * time.Minute
	defaultRefreshTTL  = 24 * time.Hour * 14
	defaultRememberTTL = 24 * time.Hour * 30
)

// Service is the credential store: it issues, validates, rotates and revokes
// session token pairs, and administers user records.
type Service struct {
	store Store
	now   func() time.Time

	secret      []byte
	issuer      string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	rememberTTL time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithSigningKey sets the HS256 key used for access tokens. Required.
func WithSigningKey(secret string) ServiceOption {
	return func(s *Service) error {
		secret = strings.TrimSpace(secret)
		if len(secret) < 32 {
			return errors.New("auth: signing key must be at least 32 bytes")
		}
		s.secret = []byte(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithRememberTTL configures refresh token lifetime for remember-me logins.
func WithRememberTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.rememberTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:       store,
		now:         time.Now,
		issuer:      defaultIssuer,
		accessTTL:   defaultAccessTTL,
		refreshTTL:  defaultRefreshTTL,
		rememberTTL: defaultRememberTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if len(svc.secret) == 0 {
		return nil, errors.New("auth: signing key is required")
	}
	if svc.rememberTTL < svc.refreshTTL {
		svc.rememberTTL = svc.refreshTTL
	}
	return svc, nil
}

// Login authenticates credentials and opens a new token family.
func (s *Service) Login(ctx context.Context, creds Credentials) (TokenPair, error) {
	username := NormalizeUsername(creds.Username)
	if username == "" || creds.Password == "" {
		obs.AuthEvent("login", "invalid_credentials")
		return TokenPair{}, ErrInvalidCredentials
	}
	user, err := s.store.Users().FindByUsername(ctx, username)
	if errors.Is(err, ErrNotFound) {
		burnPasswordCheck(creds.Password)
		obs.AuthEvent("login", "invalid_credentials")
		return TokenPair{}, ErrInvalidCredentials
	}
	if err != nil {
		return TokenPair{}, err
	}
	if err := VerifyPassword(user.PasswordHash, creds.Password); err != nil {
		obs.AuthEvent("login", "invalid_credentials")
		return TokenPair{}, ErrInvalidCredentials
	}
	if !user.Active {
		obs.AuthEvent("login", "inactive")
		return TokenPair{}, ErrAccountInactive
	}

	now := s.now().UTC()
	if err := s.store.Users().TouchLastLogin(ctx, user.ID, now); err != nil {
		return TokenPair{}, err
	}
	user.LastLoginAt = &now

	family := TokenFamily{
		ID:         ids.New(ids.Family),
		UserID:     user.ID,
		Generation: 1,
		RememberMe: creds.RememberMe,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	refresh, record, err := s.generateRefreshToken(family, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.Sessions().CreateFamily(ctx, family, record); err != nil {
		return TokenPair{}, err
	}
	pair, err := s.pair(user, family, refresh, record, now)
	if err != nil {
		return TokenPair{}, err
	}
	obs.AuthEvent("login", "success")
	return pair, nil
}

// Refresh exchanges a refresh token for the next pair of its family. Presenting
// a token that was already exchanged revokes the whole family.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		obs.AuthEvent("refresh", "invalid")
		return TokenPair{}, ErrTokenInvalid
	}
	sessions := s.store.Sessions()
	record, err := sessions.FindToken(ctx, tokenID)
	if err != nil {
		return TokenPair{}, s.lookupError("refresh", err)
	}
	if !secureCompareHash(record.TokenHash, secret) {
		obs.AuthEvent("refresh", "invalid")
		return TokenPair{}, ErrTokenInvalid
	}
	family, err := sessions.FindFamily(ctx, record.FamilyID)
	if err != nil {
		return TokenPair{}, s.lookupError("refresh", err)
	}
	if record.Generation < family.Generation {
		return TokenPair{}, s.revokeOnReuse(ctx, family, record)
	}
	if family.Revoked(record.Generation) {
		obs.AuthEvent("refresh", "revoked")
		return TokenPair{}, ErrTokenInvalid
	}
	now := s.now().UTC()
	if !now.Before(record.ExpiresAt) {
		obs.AuthEvent("refresh", "expired")
		return TokenPair{}, ErrTokenExpired
	}
	user, err := s.store.Users().Find(ctx, record.UserID)
	if err != nil {
		return TokenPair{}, s.lookupError("refresh", err)
	}
	if !user.Active {
		obs.AuthEvent("refresh", "inactive")
		return TokenPair{}, ErrTokenInvalid
	}

	next := family
	next.Generation = record.Generation + 1
	next.UpdatedAt = now
	refresh, nextRecord, err := s.generateRefreshToken(next, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := sessions.Rotate(ctx, family.ID, record.Generation, nextRecord); err != nil {
		if errors.Is(err, ErrStaleGeneration) {
			// A concurrent exchange of the same token won; this presentation is a replay.
			return TokenPair{}, s.revokeOnReuse(ctx, family, record)
		}
		return TokenPair{}, err
	}
	pair, err := s.pair(user, next, refresh, nextRecord, now)
	if err != nil {
		return TokenPair{}, err
	}
	obs.AuthEvent("refresh", "success")
	return pair, nil
}

// Revoke invalidates the refresh token and all of its descendants. Unknown or
// malformed tokens are ignored.
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return nil
	}
	record, err := s.store.Sessions().FindToken(ctx, tokenID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !secureCompareHash(record.TokenHash, secret) {
		return nil
	}
	if err := s.store.Sessions().RevokeFamily(ctx, record.FamilyID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	obs.AuthEvent("revoke", "success")
	return nil
}

// Authorize validates an access token and returns the identity it was issued to.
// It never mutates state.
func (s *Service) Authorize(ctx context.Context, accessToken string) (User, error) {
	claims, err := s.parseAccessToken(accessToken)
	if err != nil {
		return User{}, err
	}
	family, err := s.store.Sessions().FindFamily(ctx, claims.Family)
	if err != nil {
		return User{}, s.lookupError("authorize", err)
	}
	if !family.Current(claims.Generation) || family.UserID != claims.Subject {
		return User{}, ErrTokenInvalid
	}
	user, err := s.store.Users().Find(ctx, claims.Subject)
	if err != nil {
		return User{}, s.lookupError("authorize", err)
	}
	if !user.Active {
		return User{}, ErrTokenInvalid
	}
	return user, nil
}

func (s *Service) revokeOnReuse(ctx context.Context, family TokenFamily, record RefreshToken) error {
	if err := s.store.Sessions().RevokeFamily(ctx, family.ID); err != nil {
		return fmt.Errorf("revoke reused family %s: %w", family.ID, err)
	}
	obs.AuthEvent("refresh", "reused")
	obs.Logger().Warn().
		Str("family_id", family.ID).
		Str("user_id", family.UserID).
		Int64("presented_generation", record.Generation).
		Int64("current_generation", family.Generation).
		Msg("refresh token reuse detected, family revoked")
	return fmt.Errorf("%w: family %s revoked", ErrTokenReused, family.ID)
}

func (s *Service) lookupError(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		obs.AuthEvent(op, "invalid")
		return ErrTokenInvalid
	}
	return err
}

func (s *Service) pair(user User, family TokenFamily, refresh string, record RefreshToken, now time.Time) (TokenPair, error) {
	access, accessExp, err := s.signAccessToken(user, family, now)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}

func (s *Service) refreshLifetime(family TokenFamily) time.Duration {
	if family.RememberMe {
		return s.rememberTTL
	}
	return s.refreshTTL
}

func (s *Service) generateRefreshToken(family TokenFamily, now time.Time) (string, RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", RefreshToken{}, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	sum := sha256.Sum256([]byte(secret))
	rec := RefreshToken{
		ID:         ids.New(ids.Refresh),
		FamilyID:   family.ID,
		UserID:     family.UserID,
		Generation: family.Generation,
		TokenHash:  hex.EncodeToString(sum[:]),
		ExpiresAt:  now.Add(s.refreshLifetime(family)),
		CreatedAt:  now,
	}
	return rec.ID + "." + secret, rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash string, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
