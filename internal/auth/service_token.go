package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"droneFoodDelivery/models"
)

// ServiceTokenSource mints and caches the JWT a service presents to its peers. Concurrent
// callers share one refresh.
type ServiceTokenSource struct {
	secret string
	name   string
	ttl    time.Duration
	now    func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewServiceTokenSource builds a source for the named service. ttl <= 0 defaults to 10m.
func NewServiceTokenSource(secret, name string, ttl time.Duration) *ServiceTokenSource {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ServiceTokenSource{secret: secret, name: name, ttl: ttl, now: time.Now}
}

// Token returns a valid token, refreshing it when less than a fifth of its lifetime remains.
func (s *ServiceTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && s.now().Add(s.ttl/5).Before(s.expires) {
		tok := s.token
		s.mu.Unlock()
		return tok, nil
	}
	s.mu.Unlock()

	ch := s.group.DoChan("token", func() (any, error) {
		now := s.now()
		tok, err := IssueToken(s.secret, Principal{Subject: s.name, Role: models.RoleService}, now, s.ttl)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.token, s.expires = tok, now.Add(s.ttl)
		s.mu.Unlock()
		return tok, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}
