package tracking

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// pixelGIF is a 1x1 transparent GIF
const pixelGIF = "R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7"

var pixel, _ = base64.StdEncoding.DecodeString(pixelGIF)

// Pixel returns the image served for every tracking request
func Pixel() []byte {
	out := make([]byte, len(pixel))
	copy(out, pixel)
	return out
}

// ErrInvalidToken is returned by Verify for malformed, forged or expired tokens
var ErrInvalidToken = errors.New("invalid tracking token")

// Store applies an open event to the persisted job history
type Store interface {
	TrackOpen(ctx context.Context, campaignID, jobID, recipient string, at time.Time) (bool, error)
}

// Claims identifies the email a tracking token was minted for
type Claims struct {
	CampaignID string `json:"campaign_id"`
	JobID      string `json:"job_id"`
	Recipient  string `json:"recipient"`
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Claims
}

// Config configures token signing and the marker URL
type Config struct {
	Secret  string
	BaseURL string
	// TTL bounds token validity; zero means tokens never expire
	TTL time.Duration
}

// Service mints tracking tokens and applies tracking hits
type Service struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	store   Store
	logger  *slog.Logger
	now     func() time.Time
	onHit   func(found bool)
}

// NewService creates a tracking service
func NewService(cfg Config, store Store, logger *slog.Logger) (*Service, error) {
	if cfg.Secret == "" {
		return nil, errors.New("tracking secret is required")
	}
	return &Service{
		secret:  []byte(cfg.Secret),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		ttl:     cfg.TTL,
		store:   store,
		logger:  logger.With("component", "tracking"),
		now:     time.Now,
	}, nil
}

// OnHit registers a callback invoked after every applied hit
func (s *Service) OnHit(fn func(found bool)) {
	s.onHit = fn
}

// Issue returns a signed token for (campaignID, jobID, recipient)
func (s *Service) Issue(campaignID, jobID, recipient string) (string, error) {
	claims := tokenClaims{Claims: Claims{CampaignID: campaignID, JobID: jobID, Recipient: recipient}}
	if s.ttl > 0 {
		now := s.now()
		claims.IssuedAt = jwt.NewNumericDate(now)
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign tracking token: %w", err)
	}
	return token, nil
}

// Verify checks the token signature and expiry and returns its claims
func (s *Service) Verify(token string) (Claims, error) {
	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &parsed, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed.JobID == "" || parsed.Recipient == "" {
		return Claims{}, fmt.Errorf("%w: missing job or recipient", ErrInvalidToken)
	}
	return parsed.Claims, nil
}

// Marker returns the invisible image tag appended to sent content
func (s *Service) Marker(token string) string {
	return fmt.Sprintf(`<img src="%s/action/read_receipt/?email=%s"/>`, s.baseURL, url.QueryEscape(token))
}

// RecordHit applies a tracking hit. Invalid tokens and unknown jobs or
// recipients are ignored; nothing is ever reported to the caller.
func (s *Service) RecordHit(ctx context.Context, token string) {
	claims, err := s.Verify(token)
	if err != nil {
		s.logger.Debug("ignoring tracking hit", "error", err)
		return
	}

	found, err := s.store.TrackOpen(ctx, claims.CampaignID, claims.JobID, claims.Recipient, s.now())
	if err != nil {
		s.logger.Error("failed to record tracking hit",
			"campaign_id", claims.CampaignID,
			"job_id", claims.JobID,
			"error", err,
		)
		return
	}
	if !found {
		s.logger.Debug("tracking hit for unknown email", "campaign_id", claims.CampaignID, "job_id", claims.JobID)
	}
	if s.onHit != nil {
		s.onHit(found)
	}
}
