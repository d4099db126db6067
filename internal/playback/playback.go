// Package playback issues and validates signed playback tokens. Tokens are
// self-contained: assetId, subjectId, and expiry under an HMAC-SHA256
// signature, verified on every manifest and segment fetch.
package playback

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"mediaforge/internal/media"
	"mediaforge/internal/status"
)

// Authorization failures, ordered by validation priority.
var (
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrExpired          = errors.New("token expired")
	ErrSubjectMismatch  = errors.New("token subject mismatch")
	ErrAssetNotReady    = errors.New("asset not ready for playback")
	ErrNotEntitled      = errors.New("subject not entitled")
)

const (
	tokenVersion      = "v1"
	DefaultTTL        = 10 * time.Minute
	keyDerivationSalt = "mediaforge-playback-token"
	keyIterations     = 4096
	keyLength         = 32
)

// Entitlement is the external collaborator confirming a subject may watch a
// course.
type Entitlement interface {
	IsEntitled(ctx context.Context, subjectID, courseID string) (bool, error)
}

// EntitlementFunc adapts a function to the Entitlement interface.
type EntitlementFunc func(ctx context.Context, subjectID, courseID string) (bool, error)

func (f EntitlementFunc) IsEntitled(ctx context.Context, subjectID, courseID string) (bool, error) {
	return f(ctx, subjectID, courseID)
}

// Claims are the verified contents of a playback token.
type Claims struct {
	AssetID   string
	SubjectID string
	ExpiresAt time.Time
}

// IssuedToken is returned to the caller requesting playback.
type IssuedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Service signs and verifies playback tokens and gates issuance on asset
// readiness plus entitlement.
type Service struct {
	store        status.Store
	entitlements Entitlement
	key          []byte
	ttl          time.Duration
	now          func() time.Time
}

// ServiceOption mutates Service configuration.
type ServiceOption func(*Service)

// WithTTL overrides the default token lifetime.
func WithTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the service clock for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService derives the signing key from the configured secret and wires the
// service over the status store and entitlement collaborator.
func NewService(secret string, store status.Store, entitlements Entitlement, opts ...ServiceOption) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("playback token secret is required")
	}
	s := &Service{
		store:        store,
		entitlements: entitlements,
		key:          pbkdf2.Key([]byte(secret), []byte(keyDerivationSalt), keyIterations, keyLength, sha256.New),
		ttl:          DefaultTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueToken returns a signed token when the subject is entitled to the
// course owning the asset and the asset has finished processing.
func (s *Service) IssueToken(ctx context.Context, assetID, subjectID string, ttl time.Duration) (IssuedToken, error) {
	assetID = strings.TrimSpace(assetID)
	subjectID = strings.TrimSpace(subjectID)
	if assetID == "" {
		return IssuedToken{}, media.Validationf("assetId is required")
	}
	if subjectID == "" {
		return IssuedToken{}, media.Validationf("subject is required")
	}
	if strings.ContainsAny(assetID, "\n\r") || strings.ContainsAny(subjectID, "\n\r") {
		return IssuedToken{}, media.Validationf("identifiers must not contain control characters")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	asset, err := s.store.Get(ctx, assetID)
	if errors.Is(err, media.ErrNotFound) {
		return IssuedToken{}, media.ErrNotFound
	}
	if err != nil {
		return IssuedToken{}, err
	}

	entitled, err := s.entitlements.IsEntitled(ctx, subjectID, asset.CourseID)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("entitlement check: %w", err)
	}
	if !entitled {
		return IssuedToken{}, ErrNotEntitled
	}
	if asset.Status != media.StatusCompleted {
		return IssuedToken{}, ErrAssetNotReady
	}

	expiresAt := s.now().Add(ttl).Truncate(time.Second)
	token := s.encode(Claims{AssetID: assetID, SubjectID: subjectID, ExpiresAt: expiresAt})
	return IssuedToken{Token: token, ExpiresAt: expiresAt}, nil
}

// ValidateToken verifies a token against the claimed subject. Failures are
// reported in strict priority order: SignatureInvalid for anything malformed
// or tampered, then Expired, then SubjectMismatch.
func (s *Service) ValidateToken(token, claimedSubjectID string) (Claims, error) {
	claims, signature, err := decodeToken(token)
	if err != nil {
		return Claims{}, ErrSignatureInvalid
	}
	expected := s.sign(canonicalize(claims))
	if !hmac.Equal(signature, expected) {
		return Claims{}, ErrSignatureInvalid
	}
	if s.now().After(claims.ExpiresAt) {
		return Claims{}, ErrExpired
	}
	if claims.SubjectID != strings.TrimSpace(claimedSubjectID) {
		return Claims{}, ErrSubjectMismatch
	}
	return claims, nil
}

func (s *Service) encode(claims Claims) string {
	payload := strings.Join([]string{
		tokenVersion,
		claims.AssetID,
		claims.SubjectID,
		strconv.FormatInt(claims.ExpiresAt.Unix(), 10),
	}, "\n")
	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	signature := s.sign(canonicalize(claims))
	return encodedPayload + "." + base64.RawURLEncoding.EncodeToString(signature)
}

func (s *Service) sign(canonical string) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(canonical))
	return mac.Sum(nil)
}

// canonicalize produces an unambiguous, explicitly ordered encoding of the
// signed fields. Fields are length-prefixed so no separator inside a value
// can forge a different triple.
func canonicalize(claims Claims) string {
	return fmt.Sprintf("%s:%d:%s:%d:%s:%d",
		tokenVersion,
		len(claims.AssetID), claims.AssetID,
		len(claims.SubjectID), claims.SubjectID,
		claims.ExpiresAt.Unix())
}

func decodeToken(token string) (Claims, []byte, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 2 {
		return Claims{}, nil, fmt.Errorf("token must have two segments")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, nil, fmt.Errorf("decode payload: %w", err)
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, nil, fmt.Errorf("decode signature: %w", err)
	}
	fields := strings.Split(string(payload), "\n")
	if len(fields) != 4 || fields[0] != tokenVersion {
		return Claims{}, nil, fmt.Errorf("unexpected payload shape")
	}
	expires, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Claims{}, nil, fmt.Errorf("decode expiry: %w", err)
	}
	claims := Claims{
		AssetID:   fields[1],
		SubjectID: fields[2],
		ExpiresAt: time.Unix(expires, 0).UTC(),
	}
	if claims.AssetID == "" || claims.SubjectID == "" {
		return Claims{}, nil, fmt.Errorf("empty claim fields")
	}
	return claims, signature, nil
}
