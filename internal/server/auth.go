package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/zeusync/syncplant/internal/core/protocol"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

// Authenticator maps a connect request to the user it acts as.
type Authenticator interface {
	Authenticate(ctx context.Context, req *protocol.Connect) (syncable.Ref, error)
}

// TrustAuthenticator believes the user named in the request. It suits
// development and deployments behind an authenticating proxy.
type TrustAuthenticator struct {
	UserType string
}

func (a TrustAuthenticator) Authenticate(_ context.Context, req *protocol.Connect) (syncable.Ref, error) {
	user := strings.TrimSpace(req.User)
	if user == "" {
		return syncable.Ref{}, fmt.Errorf("%w: empty user", ErrUnauthorized)
	}
	return syncable.NewRef(a.UserType, user), nil
}

// TokenAuthenticator accepts a fixed set of tokens, each bound to a user id.
type TokenAuthenticator struct {
	UserType string
	Tokens   map[string]string
}

func (a TokenAuthenticator) Authenticate(_ context.Context, req *protocol.Connect) (syncable.Ref, error) {
	user, ok := a.Tokens[req.Token]
	if !ok || req.Token == "" {
		return syncable.Ref{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	if req.User != "" && req.User != user {
		return syncable.Ref{}, fmt.Errorf("%w: token does not belong to %s", ErrUnauthorized, req.User)
	}
	return syncable.NewRef(a.UserType, user), nil
}
