package registry

import (
	"github.com/google/go-containerregistry/pkg/authn"
)

// Auth carries registry credentials as they arrive over CRI.
type Auth struct {
	Username      string
	Password      string
	Auth          string // base64 "user:password"
	IdentityToken string
	RegistryToken string
}

// IsAnonymous reports whether no credential is set.
func (a Auth) IsAnonymous() bool {
	return a == Auth{}
}

// Authenticator converts a into the authenticator used by remote calls.
// Absent credentials fall back to anonymous access.
func (a Auth) Authenticator() authn.Authenticator {
	if a.IsAnonymous() {
		return authn.Anonymous
	}
	return authn.FromConfig(authn.AuthConfig{
		Username:      a.Username,
		Password:      a.Password,
		Auth:          a.Auth,
		IdentityToken: a.IdentityToken,
		RegistryToken: a.RegistryToken,
	})
}
