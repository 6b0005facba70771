package httpapi

import (
	"errors"
	"net/http"
	"strings"
)

// Authenticator resolves the calling user. Real deployments put the
// identity provider in front of the server and plug it in here.
type Authenticator interface {
	UserID(r *http.Request) (string, error)
}

var ErrUnauthenticated = errors.New("authentication required")

const DefaultUserHeader = "X-User-ID"

// HeaderAuth trusts a request header. It is meant for development and for
// deployments behind a proxy that sets the header itself.
type HeaderAuth struct {
	Header string
}

func (a HeaderAuth) UserID(r *http.Request) (string, error) {
	h := a.Header
	if h == "" {
		h = DefaultUserHeader
	}
	id := strings.TrimSpace(r.Header.Get(h))
	if id == "" || len(id) > 128 {
		return "", ErrUnauthenticated
	}
	return id, nil
}
