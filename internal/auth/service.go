package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/clasicc/salesmargin/internal/shared"
)

// ErrInvalidKey covers every authentication failure. Callers get no detail
// about which part of the credential was wrong.
var ErrInvalidKey = errors.New("invalid api key")

// Service verifies bearer tokens of the form "<keyID>.<secret>".
type Service struct {
	repo Repository
}

// NewService returns an auth service over the given key store.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Authenticate resolves a bearer token to a principal.
func (s *Service) Authenticate(ctx context.Context, token string) (*shared.Principal, error) {
	idPart, secret, ok := strings.Cut(token, ".")
	if !ok || secret == "" {
		return nil, ErrInvalidKey
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return nil, ErrInvalidKey
	}

	key, err := s.repo.GetKey(ctx, id)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, err
	}
	if !key.Active {
		return nil, ErrInvalidKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)); err != nil {
		return nil, ErrInvalidKey
	}

	return &shared.Principal{UserID: key.UserID, Label: key.Label}, nil
}
