// Package identity turns a Google Sign-In credential, or the demo sign-in,
// into the Identity stored on the Document.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"

	"payflow/internal/core"
	"payflow/internal/log"
)

const (
	DemoUserID      = "demo-user"
	DemoDisplayName = "Demo Account"
	DemoEmail       = "demo@payflow.pro"
	DemoAvatarURL   = "https://api.dicebear.com/7.x/avataaars/svg?seed=Felix"
)

var (
	ErrNotConfigured     = errors.New("google sign-in not configured")
	ErrDemoDisabled      = errors.New("demo sign-in disabled")
	ErrInvalidCredential = errors.New("invalid credential")
)

// Validator checks a Google ID token for audience.
type Validator interface {
	Validate(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)
}

type Config struct {
	// ClientID is the OAuth client the credential must be issued for.
	ClientID    string
	DemoEnabled bool
}

type Service struct {
	cfg       Config
	validator Validator
	logger    *log.Logger
}

// NewService builds a Service. When ClientID is set and validator is nil, a
// validator backed by Google's published keys is created.
func NewService(ctx context.Context, cfg Config, validator Validator, logger *log.Logger) (*Service, error) {
	if logger == nil {
		logger = log.Default(log.ComponentIdentity)
	}
	if cfg.ClientID != "" && validator == nil {
		v, err := idtoken.NewValidator(ctx)
		if err != nil {
			return nil, fmt.Errorf("id token validator: %w", err)
		}
		validator = v
	}
	return &Service{cfg: cfg, validator: validator, logger: logger}, nil
}

// GoogleEnabled reports whether credential sign-in is available.
func (s *Service) GoogleEnabled() bool {
	return s.cfg.ClientID != "" && s.validator != nil
}

// DemoEnabled reports whether the demo identity may be used.
func (s *Service) DemoEnabled() bool {
	return s.cfg.DemoEnabled
}

// Demo returns the fixed demo identity.
func (s *Service) Demo() (*core.Identity, error) {
	if !s.cfg.DemoEnabled {
		return nil, ErrDemoDisabled
	}
	return DemoIdentity(), nil
}

func DemoIdentity() *core.Identity {
	return &core.Identity{
		ID:          DemoUserID,
		DisplayName: DemoDisplayName,
		Email:       DemoEmail,
		AvatarURL:   DemoAvatarURL,
	}
}

// Verify validates a Google ID token and extracts the profile claims.
func (s *Service) Verify(ctx context.Context, credential string) (*core.Identity, error) {
	if !s.GoogleEnabled() {
		return nil, ErrNotConfigured
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, fmt.Errorf("%w: empty credential", ErrInvalidCredential)
	}

	payload, err := s.validator.Validate(ctx, credential, s.cfg.ClientID)
	if err != nil {
		s.logger.WarnContext(ctx, "Credential rejected", log.FieldError, err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if payload.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}

	return &core.Identity{
		ID:          payload.Subject,
		DisplayName: claim(payload, "name"),
		Email:       claim(payload, "email"),
		AvatarURL:   claim(payload, "picture"),
	}, nil
}

func claim(p *idtoken.Payload, key string) string {
	if v, ok := p.Claims[key].(string); ok {
		return v
	}
	return ""
}
