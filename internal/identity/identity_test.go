package identity_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TriviaNFT/trivianft/internal/domain"
	"github.com/TriviaNFT/trivianft/internal/errors"
	"github.com/TriviaNFT/trivianft/internal/identity"
)

func TestHTTPClient_Resolve(t *testing.T) {
	tests := map[string]struct {
		handler http.HandlerFunc
		assert  func(t *testing.T, id domain.Identity, err error)
	}{
		"wallet-backed identity resolves as connected": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"player_id":"alice","wallet_address":"addr1"}`))
			},
			assert: func(t *testing.T, id domain.Identity, err error) {
				require.NoError(t, err)
				require.Equal(t, domain.Identity{ID: "alice", Type: domain.IdentityConnected}, id)
			},
		},
		"identity without a wallet resolves as anonymous": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"player_id":"alice"}`))
			},
			assert: func(t *testing.T, id domain.Identity, err error) {
				require.NoError(t, err)
				require.Equal(t, domain.IdentityAnonymous, id.Type)
			},
		},
		"rejected token surfaces unauthenticated": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			assert: func(t *testing.T, _ domain.Identity, err error) {
				require.True(t, errors.IsCode(err, errors.CodeUnauthenticated), "got: %v", err)
			},
		},
		"upstream failure is an opaque error": {
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			assert: func(t *testing.T, _ domain.Identity, err error) {
				require.Error(t, err)
				require.False(t, errors.IsCode(err, errors.CodeUnauthenticated))
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/v1/identity", r.URL.Path)
				require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				require.Equal(t, "svc-secret", r.Header.Get("X-Service-Token"))
				tc.handler(w, r)
			}))
			defer srv.Close()

			c := identity.NewHTTPClient(srv.URL, "svc-secret")
			id, err := c.Resolve(context.Background(), "tok")
			tc.assert(t, id, err)
		})
	}
}
