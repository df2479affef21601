package auditapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pep-core/pep/internal/chainsum"
	"github.com/pep-core/pep/internal/pepfault"
)

type fakeSource struct {
	chain *chainsum.Chain
}

func (f *fakeSource) ChecksumChainNames() []string { return []string{"files"} }

func (f *fakeSource) ComputeChecksumChain(name string) (sum [32]byte, checkpoint uint64, err error) {
	if name != "files" {
		return [32]byte{}, 0, pepfault.New(pepfault.KindNotFound, "auditapi.test", "unknown chain: "+name)
	}
	seqNo, accumulator := f.chain.Current()
	return accumulator, seqNo, nil
}

func newTestSource() *fakeSource {
	c := chainsum.New("files")
	c.Append([]byte("record-1"))
	return &fakeSource{chain: c}
}

func TestListChainsRequiresBearerToken(t *testing.T) {
	router := NewRouter(newTestSource(), NewStaticBearerAuthenticator("secret"))
	req := httptest.NewRequest(http.MethodGet, "/chains", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestListChainsReturnsNames(t *testing.T) {
	router := NewRouter(newTestSource(), NewStaticBearerAuthenticator("secret"))
	req := httptest.NewRequest(http.MethodGet, "/chains", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "files") {
		t.Fatalf("expected chain name in body, got %s", rec.Body.String())
	}
}

func TestGetChainReturnsChecksum(t *testing.T) {
	router := NewRouter(newTestSource(), NewStaticBearerAuthenticator("secret"))
	req := httptest.NewRequest(http.MethodGet, "/chains/files", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "\"checkpoint\":1") {
		t.Fatalf("expected checkpoint 1, got %s", rec.Body.String())
	}
}

func TestGetChainUnknownNameReturnsNotFound(t *testing.T) {
	router := NewRouter(newTestSource(), NewStaticBearerAuthenticator("secret"))
	req := httptest.NewRequest(http.MethodGet, "/chains/nonexistent", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWrongTokenRejected(t *testing.T) {
	router := NewRouter(newTestSource(), NewStaticBearerAuthenticator("secret"))
	req := httptest.NewRequest(http.MethodGet, "/chains", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong token, got %d", rec.Code)
	}
}
