// Package access models how browsers are allowed to reach the server:
// unrestricted on a loopback interface, or gated behind a pre-shared token
// with a JWT signing secret for the session cookies.
package access

import (
	"errors"
	"net"

	"github.com/google/uuid"
)

// insecureSecret signs session cookies when no token gate is configured.
// Cookies are still issued so requests stay session-stable, but they are
// not an authentication measure in this mode.
var insecureSecret = []byte("insecure")

var (
	// ErrTokenRequired is returned when a non-loopback bind address is
	// combined with an empty pre-shared token.
	ErrTokenRequired = errors.New("access: non-loopback address requires a pre-shared token")
	// ErrEmptyToken is returned by WithToken when the token is empty.
	ErrEmptyToken = errors.New("access: pre-shared token must not be empty")
)

// Control describes the access mode for the HTTP surface. The zero value is
// not valid; use Insecure, WithToken, or New.
type Control struct {
	addr   string
	token  string // empty means no token gate
	secret []byte
}

// Insecure allows unrestricted access. Intended for loopback addresses.
func Insecure(addr string) Control {
	return Control{addr: addr, secret: insecureSecret}
}

// WithToken gates access behind a pre-shared token and signs session
// cookies with jwtSecret.
func WithToken(addr, token string, jwtSecret []byte) (Control, error) {
	if token == "" {
		return Control{}, ErrEmptyToken
	}
	return Control{addr: addr, token: token, secret: jwtSecret}, nil
}

// New selects the access mode for addr: loopback addresses may omit the
// token, anything else requires one.
func New(addr, token string, jwtSecret []byte) (Control, error) {
	if token == "" {
		if !IsLoopback(addr) {
			return Control{}, ErrTokenRequired
		}
		return Insecure(addr), nil
	}
	return WithToken(addr, token, jwtSecret)
}

// GenerateRandomAuth gates access behind a freshly generated random token.
func GenerateRandomAuth(addr string, jwtSecret []byte) (Control, error) {
	return WithToken(addr, GenerateToken(), jwtSecret)
}

// GenerateToken returns a random token suitable for use as a pre-shared
// access token.
func GenerateToken() string {
	return uuid.NewString()
}

// BindAddr is the address the server binds to, e.g. "localhost:3410".
func (c Control) BindAddr() string {
	return c.addr
}

// Token returns the pre-shared token. ok is false when access is open.
func (c Control) Token() (token string, ok bool) {
	return c.token, c.token != ""
}

// TokenMatches reports whether s grants access: always true in insecure
// mode, an exact match otherwise.
func (c Control) TokenMatches(s string) bool {
	if c.token == "" {
		return true
	}
	return c.token == s
}

// JWTSecret is the secret used to sign session cookies. In insecure mode a
// fixed sentinel is used.
func (c Control) JWTSecret() []byte {
	if c.token == "" {
		return insecureSecret
	}
	return c.secret
}

// IsLoopback reports whether addr (a "host:port" pair or bare host) refers
// to a loopback interface.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
