package agent

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/guseggert/procprovider/agent/channel"
	"github.com/julienschmidt/httprouter"
	"gopkg.in/yaml.v3"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Identity = channel.Identity

// Authenticator identifies the user making a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// User is an entry of the users file.
type User struct {
	Name   string   `yaml:"name"`
	Token  string   `yaml:"token"`
	Groups []string `yaml:"groups"`
}

type usersFile struct {
	Users []User `yaml:"users"`
}

// LoadUsers reads a YAML users file of the form:
//
//	users:
//	  - name: alice
//	    token: s3cret
//	    groups: [admin]
func LoadUsers(path string) ([]User, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading users file: %w", err)
	}
	var f usersFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing users file %q: %w", path, err)
	}
	return f.Users, nil
}

// TokenAuthenticator authenticates requests with a static bearer token per user.
// The token is taken from the Authorization header, or from the "token" query parameter for browser WebSockets.
type TokenAuthenticator struct {
	users []User
}

func NewTokenAuthenticator(users []User) (*TokenAuthenticator, error) {
	seen := map[string]bool{}
	for i, u := range users {
		if u.Name == "" {
			return nil, fmt.Errorf("user %d has no name", i)
		}
		if u.Token == "" {
			return nil, fmt.Errorf("user %q has no token", u.Name)
		}
		if seen[u.Token] {
			return nil, fmt.Errorf("user %q reuses another user's token", u.Name)
		}
		seen[u.Token] = true
	}
	return &TokenAuthenticator{users: users}, nil
}

func (t *TokenAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	for _, u := range t.users {
		if subtle.ConstantTimeCompare([]byte(token), []byte(u.Token)) == 1 {
			return Identity{Username: u.Name, Groups: u.Groups}, nil
		}
	}
	return Identity{}, ErrUnauthenticated
}

// CertAuthenticator authenticates requests by their verified TLS client certificate.
// The username is the certificate's common name and the groups are its organizational units.
type CertAuthenticator struct{}

func (CertAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	if r.TLS == nil || len(r.TLS.VerifiedChains) == 0 || len(r.TLS.VerifiedChains[0]) == 0 {
		return Identity{}, ErrUnauthenticated
	}
	cert := r.TLS.VerifiedChains[0][0]
	if cert.Subject.CommonName == "" {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{
		Username: cert.Subject.CommonName,
		Groups:   cert.Subject.OrganizationalUnit,
	}, nil
}

// FirstOf tries each authenticator in turn and returns the first identity found.
type FirstOf []Authenticator

func (f FirstOf) Authenticate(r *http.Request) (Identity, error) {
	for _, a := range f {
		id, err := a.Authenticate(r)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrUnauthenticated) {
			return Identity{}, err
		}
	}
	return Identity{}, ErrUnauthenticated
}

type authenticatedHandle func(w http.ResponseWriter, r *http.Request, params httprouter.Params, id Identity)

// route registers an authenticated route. If groups are given, the user must belong to at least one of them.
func (a *Agent) route(router *httprouter.Router, method, path string, handle authenticatedHandle, groups ...string) {
	router.Handle(method, path, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		id, err := a.auth.Authenticate(r)
		if err != nil {
			a.logger.Debugw("rejecting unauthenticated request", "Path", path, "Error", err)
			writeError(a.logger, w, http.StatusUnauthorized, ErrUnauthenticated.Error())
			return
		}
		if id.Username == "" {
			writeError(a.logger, w, http.StatusUnauthorized, ErrUnauthenticated.Error())
			return
		}
		if len(groups) > 0 && !id.InGroup(groups...) {
			a.logger.Debugw("rejecting unauthorized request", "Path", path, "User", id.Username, "Groups", id.Groups)
			writeError(a.logger, w, http.StatusForbidden, fmt.Sprintf("user %q is not in any of the groups %v", id.Username, groups))
			return
		}
		handle(w, r, params, id)
	})
}
