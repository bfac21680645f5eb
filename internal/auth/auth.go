// Package auth owns the local admin account and its sessions. The
// account lives in the auth document; sessions are signed JWTs carried
// in a cookie or a bearer header. Nothing here replicates: each node
// has its own operator.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/amaydixit11/meshd/internal/audit"
	"github.com/amaydixit11/meshd/internal/config"
	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/store"
)

const docName = "auth"

// CookieName carries the session token in browsers
const CookieName = "meshd_session"

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired session token")
)

// Doc is the persisted admin account plus the session signing secret
type Doc struct {
	Username     string  `json:"username"`
	PasswordHash string  `json:"password_hash"` // salt:sha256(salt:password)
	Secret       string  `json:"secret"`        // base64 HMAC key for session tokens
	CreatedAt    float64 `json:"created_at"`
}

// Service issues and validates admin sessions
type Service struct {
	st     *store.Store
	aud    *audit.Log
	log    *zap.Logger
	doc    Doc
	secret []byte
	ttl    time.Duration
}

// NewService loads or creates the admin account. When no password is
// configured on first boot, one is generated and logged exactly once;
// it is never recoverable afterwards.
func NewService(st *store.Store, cfg *config.Config, aud *audit.Log, log *zap.Logger) (*Service, error) {
	var doc Doc
	found, err := st.Read(docName, &doc)
	if err != nil {
		return nil, fmt.Errorf("auth document unreadable: %w", err)
	}

	if !found {
		password := cfg.Security.AdminPassword
		generated := password == ""
		if generated {
			password = randomToken(12)
		}
		doc = Doc{
			Username:     cfg.Security.AdminUser,
			PasswordHash: HashPassword(password),
			Secret:       randomToken(32),
			CreatedAt:    core.Now(),
		}
		if err := st.Write(docName, doc); err != nil {
			return nil, fmt.Errorf("persist auth document: %w", err)
		}
		if generated {
			log.Info("generated admin password, change it after first login",
				zap.String("username", doc.Username),
				zap.String("password", password))
		}
	}

	secret, err := base64.StdEncoding.DecodeString(doc.Secret)
	if err != nil {
		return nil, fmt.Errorf("auth document corrupt: %w", err)
	}

	return &Service{
		st:     st,
		aud:    aud,
		log:    log,
		doc:    doc,
		secret: secret,
		ttl:    cfg.SessionTTL(),
	}, nil
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// HashPassword produces a salted hash in salt:digest form
func HashPassword(password string) string {
	var salt [8]byte
	if _, err := rand.Read(salt[:]); err != nil {
		panic(err)
	}
	saltHex := hex.EncodeToString(salt[:])
	sum := sha256.Sum256([]byte(saltHex + ":" + password))
	return saltHex + ":" + hex.EncodeToString(sum[:])
}

// VerifyPassword checks a password against a salt:digest hash in
// constant time
func VerifyPassword(hash, password string) bool {
	salt, digest, ok := strings.Cut(hash, ":")
	if !ok {
		return false
	}
	sum := sha256.Sum256([]byte(salt + ":" + password))
	return hmac.Equal([]byte(hex.EncodeToString(sum[:])), []byte(digest))
}

// Username returns the admin account name
func (s *Service) Username() string {
	return s.doc.Username
}

// Login verifies credentials and issues a session token
func (s *Service) Login(username, password string) (string, error) {
	if username != s.doc.Username || !VerifyPassword(s.doc.PasswordHash, password) {
		if s.aud != nil {
			_ = s.aud.Record(username, "auth.login_failed", "", "")
		}
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}

	if s.aud != nil {
		_ = s.aud.Record(username, "auth.login", "", "")
	}
	return signed, nil
}

// Validate parses a session token and returns the username it was
// issued to
func (s *Service) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// SessionTTL returns the issued token lifetime
func (s *Service) SessionTTL() time.Duration {
	return s.ttl
}

type contextKey struct{}

// UserFrom returns the authenticated username, if any
func UserFrom(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(contextKey{}).(string)
	return user, ok
}

// TokenFromRequest extracts the session token from the cookie, the
// bearer header or the token query parameter, in that order
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid session
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.Validate(TokenFromRequest(r))
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, user)))
	})
}
