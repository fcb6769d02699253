// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/tombee/mbaas/internal/log"
)

type claimsKey struct{}

// ClaimsFromContext returns the claims attached by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Service holds the live auth configuration of a worker.
type Service struct {
	cfg    atomic.Pointer[Config]
	logger *slog.Logger
}

// NewService returns an uninitialized Service that rejects nothing
// until Init runs.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{logger: log.WithComponent(logger, "auth")}
	s.cfg.Store(&Config{})
	return s
}

// Init installs cfg. It fails when auth is enabled without a secret.
func (s *Service) Init(_ context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	s.cfg.Store(&cfg)
	s.logger.Info("service auth initialized", slog.Bool("enabled", cfg.Enabled))
	return nil
}

// Update swaps in cfg after a config reload. An invalid cfg is rejected
// and the current one kept.
func (s *Service) Update(cfg Config) error {
	if err := cfg.validate(); err != nil {
		s.logger.Error("service auth config rejected", log.Error(err))
		return err
	}
	s.cfg.Store(&cfg)
	return nil
}

// Config returns the active configuration.
func (s *Service) Config() Config {
	return *s.cfg.Load()
}

// Validate checks tokenString against the active configuration.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	return ValidateToken(tokenString, s.Config())
}

// Issue signs a token for service with the given scopes.
func (s *Service) Issue(service string, scopes ...string) (string, error) {
	return GenerateToken(Claims{Service: service, Scopes: scopes}, s.Config())
}

// Middleware rejects requests without a valid bearer token unless auth
// is disabled or the path is public.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.Config()
		if !cfg.Enabled || isPublic(r.URL.Path, cfg.PublicPaths) {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := ValidateToken(bearerToken(r), cfg)
		if err != nil {
			s.logger.Debug("rejected request",
				slog.String("path", r.URL.Path),
				log.Error(err))
			w.Header().Set("WWW-Authenticate", `Bearer realm="mbaas"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func isPublic(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
