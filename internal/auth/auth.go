package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"vm-broker/backend/internal/config"
	"vm-broker/backend/pkg/models"

	"github.com/coreos/go-oidc"
)

// DevUserHeader names the caller when the dev bypass is active.
const DevUserHeader = "X-User"

const defaultDevUser = "dev"

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type actorKey struct{}

// Auth identifies the caller of every API request, either from an OpenID
// Connect bearer token or, in DEV with the bypass enabled, from a header.
type Auth struct {
	verifier   *oidc.IDTokenVerifier
	approvers  []string
	logger     Logger
	authBypass bool
}

// New creates a new Auth object using values from the application
// configuration. Outside the bypass it discovers the issuer and prepares an
// access token verifier.
func New(ctx context.Context, cfg *config.Config, logger Logger) (*Auth, error) {
	shouldBypass := cfg.IsDev() && cfg.Auth.DevModeBypass

	var verifier *oidc.IDTokenVerifier
	if !shouldBypass {
		if cfg.Auth.Issuer == "" {
			return nil, errors.New("auth configuration is incomplete")
		}

		provider, err := oidc.NewProvider(ctx, cfg.Auth.Issuer)
		if err != nil {
			return nil, err
		}

		// Access tokens usually carry an API audience rather than the client ID.
		verifier = provider.Verifier(&oidc.Config{
			ClientID:          cfg.Auth.ClientID,
			SkipClientIDCheck: cfg.Auth.ClientID == "",
		})
	}

	if shouldBypass && logger != nil {
		logger.Info("auth bypass enabled", "header", DevUserHeader)
	}

	return &Auth{
		verifier:   verifier,
		approvers:  cfg.Auth.Approvers,
		logger:     logger,
		authBypass: shouldBypass,
	}, nil
}

// RequireAuth is middleware that resolves the caller and stores it in the
// request context. Requests without a valid bearer token are rejected.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var actor models.Actor

		if a.authBypass {
			username := strings.TrimSpace(r.Header.Get(DevUserHeader))
			if username == "" {
				username = defaultDevUser
			}
			actor = models.Actor{
				Username: username,
				Approver: len(a.approvers) == 0 || slices.Contains(a.approvers, username),
			}
		} else {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token, err := a.verifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				a.debug("token rejected", "error", err)
				http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
				return
			}

			var claims struct {
				PreferredUsername string `json:"preferred_username"`
				Email             string `json:"email"`
				Scp               any    `json:"scp"`
				Scope             any    `json:"scope"`
			}
			if err := token.Claims(&claims); err != nil {
				http.Error(w, "failed to parse token claims", http.StatusUnauthorized)
				return
			}

			username := claims.PreferredUsername
			if username == "" {
				username = claims.Email
			}
			if username == "" {
				http.Error(w, "token does not identify a user", http.StatusUnauthorized)
				return
			}
			actor = models.Actor{
				Username: username,
				Approver: hasScope(claims.Scp, ScopeApprove) ||
					hasScope(claims.Scope, ScopeApprove) ||
					slices.Contains(a.approvers, username),
			}
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// WithActor returns a context carrying the caller.
func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// FromContext returns the caller stored by RequireAuth.
func FromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(models.Actor)
	return actor, ok
}

func (a *Auth) debug(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Debug(msg, args...)
	}
}
