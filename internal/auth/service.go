package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/icarus-drones/storefront-api/internal/common"
)

// Identity carries the authenticated principal extracted from a token.
type Identity struct {
	UserID   string
	Username string
}

// Service verifies access tokens minted by the external identity provider.
// This API never issues tokens itself.
type Service struct {
	Secret    []byte
	Validator TokenValidator
}

// ParseAccessToken verifies the signature and claims of an access token and
// returns the identity it asserts.
func (s *Service) ParseAccessToken(raw string) (Identity, error) {
	if s == nil || len(s.Secret) == 0 {
		return Identity{}, fmt.Errorf("auth: service not configured")
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Identity{}, errNoToken
	}

	msg, err := jws.Parse([]byte(trimmed))
	if err != nil {
		return Identity{}, invalidToken("malformed token", err)
	}
	algorithm := tokenAlgorithm(msg)

	tok, err := jwt.Parse([]byte(trimmed),
		jwt.WithKey(jwa.HS256, s.Secret),
		jwt.WithValidate(false),
	)
	if err != nil {
		return Identity{}, invalidToken("signature verification failed", err)
	}
	if err := s.Validator.Validate(tok, algorithm, time.Now()); err != nil {
		return Identity{}, invalidToken("token validation failed", err)
	}

	sub := strings.TrimSpace(tok.Subject())
	if sub == "" {
		return Identity{}, invalidToken("token missing subject", nil)
	}
	identity := Identity{UserID: sub}
	if v, ok := tok.Get("username"); ok {
		if username, ok := v.(string); ok {
			identity.Username = strings.TrimSpace(username)
		}
	}
	return identity, nil
}

func tokenAlgorithm(msg *jws.Message) jwa.SignatureAlgorithm {
	for _, sig := range msg.Signatures() {
		if sig.ProtectedHeaders() != nil {
			return sig.ProtectedHeaders().Algorithm()
		}
	}
	return ""
}

func invalidToken(message string, err error) error {
	return &common.AppError{
		Code:       "UNAUTHORIZED",
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
		Err:        err,
	}
}
