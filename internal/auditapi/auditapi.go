// Package auditapi exposes an append-only auditor's view of a server's
// checksum chains over HTTP: GET /chains lists the chain names a store
// maintains, and GET /chains/{name} returns its current checksum and
// checkpoint. Grounded on walletserver/routes/routes.go's router/controller
// split, adapted from gorilla/mux's route registration to chi's idiom.
package auditapi

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pep-core/pep/internal/pepfault"
)

// ChecksumSource is the subset of the Access Manager, Transcryptor, and
// Storage Facility stores this surface audits.
type ChecksumSource interface {
	ChecksumChainNames() []string
	ComputeChecksumChain(name string) (sum [32]byte, checkpoint uint64, err error)
}

// ErrUnauthorized is returned by Authenticator to signal a missing or
// incorrect bearer token.
var ErrUnauthorized = errors.New("auditapi: unauthorized")

// Authenticator validates the bearer token presented in an Authorization
// header. A constant-time comparison against a configured token is the
// expected production implementation (see NewStaticBearerAuthenticator).
type Authenticator func(token string) error

// NewStaticBearerAuthenticator returns an Authenticator that accepts exactly
// one fixed token, compared in constant time.
func NewStaticBearerAuthenticator(expected string) Authenticator {
	expectedBytes := []byte(expected)
	return func(token string) error {
		tokenBytes := []byte(token)
		if len(tokenBytes) == len(expectedBytes) && subtle.ConstantTimeCompare(tokenBytes, expectedBytes) == 1 {
			return nil
		}
		return ErrUnauthorized
	}
}

type chainListResponse struct {
	Chains []string `json:"chains"`
}

type chainDetailResponse struct {
	Name       string `json:"name"`
	Checksum   string `json:"checksum"`
	Checkpoint uint64 `json:"checkpoint"`
}

// NewRouter builds the audit HTTP surface over source, gated by auth.
func NewRouter(source ChecksumSource, auth Authenticator) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(bearerAuth(auth))

	r.Get("/chains", listChains(source))
	r.Get("/chains/{name}", getChain(source))
	return r
}

func bearerAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			token := bearerToken(req.Header.Get("Authorization"))
			if err := auth(token); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return ""
	}
	return header[len(prefix):]
}

func listChains(source ChecksumSource) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, chainListResponse{Chains: source.ChecksumChainNames()})
	}
}

func getChain(source ChecksumSource) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		sum, checkpoint, err := source.ComputeChecksumChain(name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chainDetailResponse{
			Name:       name,
			Checksum:   hex.EncodeToString(sum[:]),
			Checkpoint: checkpoint,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var pf *pepfault.Error
	if errors.As(err, &pf) && pf.Kind == pepfault.KindNotFound {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
