package accessmanager

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pep-core/pep/internal/curve"
	"github.com/pep-core/pep/internal/elgamal"
	"github.com/pep-core/pep/ticket"
)

func wireRequestFrom(req TicketRequest) wireTicketRequest {
	pps := make([]string, len(req.PolymorphicPseudonyms))
	for i, e := range req.PolymorphicPseudonyms {
		pps[i] = hex.EncodeToString(packCiphertext(&e.Ciphertext))
	}
	modes := make([]string, len(req.Modes))
	for i, m := range req.Modes {
		modes[i] = string(m)
	}
	return wireTicketRequest{
		UserGroup:                  req.UserGroup,
		SignerPublicKeyHex:         hex.EncodeToString(req.SignerPublicKey),
		SignatureHex:               hex.EncodeToString(req.Signature),
		Columns:                    req.Columns,
		ColumnGroups:               req.ColumnGroups,
		ParticipantGroups:          req.ParticipantGroups,
		PolymorphicPseudonymsHex:   pps,
		Modes:                      modes,
		RequestIndexedTicket:       req.RequestIndexedTicket,
		IncludeUserGroupPseudonyms: req.IncludeUserGroupPseudonyms,
	}
}

func TestHandleTicketRequestHTTPIssuesTicketForGrantedRead(t *testing.T) {
	pipeline, store, _, globalPublic := setupPipeline(t)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	must(store.CreateColumn(DataAdmin, "Age"))
	must(store.CreateColumnGroup(DataAdmin, "Clin"))
	must(store.AddColumnToGroup(DataAdmin, "Clin", "Age"))
	must(store.CreateColumnGroupAccessRule(AccessAdmin, "Clin", "Researcher", ticket.ModeRead))
	must(store.CreateParticipantGroup(DataAdmin, "AllPatients"))
	must(store.CreateParticipantGroupAccessRule(AccessAdmin, "AllPatients", "Researcher", ticket.ModeAccess))

	msgScalar := randomScalarForPipelineTest(20)
	var m curve.Element
	m.ScalarMultBase(&msgScalar)
	pp, _, err := elgamal.Encrypt(&globalPublic, &m)
	if err != nil {
		t.Fatalf("encrypt pseudonym: %v", err)
	}

	req := signedRequest(t, TicketRequest{
		UserGroup:             "Researcher",
		ColumnGroups:          []string{"Clin"},
		PolymorphicPseudonyms: []PPEntry{{Ciphertext: pp}},
		Modes:                 []ticket.Mode{ticket.ModeRead},
	})

	body, err := json.Marshal(wireRequestFrom(req))
	if err != nil {
		t.Fatalf("marshal wire request: %v", err)
	}

	handler := NewHandler(pipeline)
	mux := http.NewServeMux()
	handler.Routes(mux)

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/ticket", strings.NewReader(string(body)))
	mux.ServeHTTP(rec, httpReq)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var signed ticket.SignedTicket2
	if err := json.Unmarshal(rec.Body.Bytes(), &signed); err != nil {
		t.Fatalf("decode signed ticket: %v", err)
	}
	opened, err := ticket.Open(&signed, "Researcher", ticket.ModeRead)
	if err != nil {
		t.Fatalf("open issued ticket: %v", err)
	}
	if !opened.HasColumn("Age") {
		t.Fatal("issued ticket missing expected column")
	}
}

func TestHandleTicketRequestHTTPRejectsMalformedBody(t *testing.T) {
	pipeline, _, _, _ := setupPipeline(t)
	handler := NewHandler(pipeline)
	mux := http.NewServeMux()
	handler.Routes(mux)

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/ticket", strings.NewReader("not json"))
	mux.ServeHTTP(rec, httpReq)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleTicketRequestHTTPRejectsGetMethod(t *testing.T) {
	pipeline, _, _, _ := setupPipeline(t)
	handler := NewHandler(pipeline)
	mux := http.NewServeMux()
	handler.Routes(mux)

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodGet, "/ticket", nil)
	mux.ServeHTTP(rec, httpReq)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleTicketRequestHTTPDeniesMissingColumnRule(t *testing.T) {
	pipeline, store, _, globalPublic := setupPipeline(t)
	if err := store.CreateColumn(DataAdmin, "Age"); err != nil {
		t.Fatalf("create column: %v", err)
	}
	if err := store.CreateColumnGroup(DataAdmin, "Clin"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := store.AddColumnToGroup(DataAdmin, "Clin", "Age"); err != nil {
		t.Fatalf("add column: %v", err)
	}

	msgScalar := randomScalarForPipelineTest(21)
	var m curve.Element
	m.ScalarMultBase(&msgScalar)
	pp, _, err := elgamal.Encrypt(&globalPublic, &m)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	req := signedRequest(t, TicketRequest{
		UserGroup:             "Researcher",
		ColumnGroups:          []string{"Clin"},
		PolymorphicPseudonyms: []PPEntry{{Ciphertext: pp}},
		Modes:                 []ticket.Mode{ticket.ModeRead},
	})

	body, err := json.Marshal(wireRequestFrom(req))
	if err != nil {
		t.Fatalf("marshal wire request: %v", err)
	}

	handler := NewHandler(pipeline)
	mux := http.NewServeMux()
	handler.Routes(mux)

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/ticket", strings.NewReader(string(body)))
	mux.ServeHTTP(rec, httpReq)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleRekeyRequestHTTPRejectsUnknownRecipient(t *testing.T) {
	pipeline, store, _, globalPublic := setupPipeline(t)
	if err := store.CreateColumn(DataAdmin, "Age"); err != nil {
		t.Fatalf("create column: %v", err)
	}

	msgScalar := randomScalarForPipelineTest(22)
	var m curve.Element
	m.ScalarMultBase(&msgScalar)
	pp, _, err := elgamal.Encrypt(&globalPublic, &m)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	wire := wireKeyRequest{
		TicketColumns: []string{"Age"},
		Recipient:     "NoSuchRecipient",
		Descriptors: []wireKeyDescriptor{{
			Column:           "Age",
			LocalPseudonymSF: hex.EncodeToString(make([]byte, 32)),
			KeyHex:           hex.EncodeToString(packCiphertext(&pp)),
			Operation:        string(OpUnblind),
		}},
	}
	body, err := json.Marshal(wire)
	if err != nil {
		t.Fatalf("marshal wire request: %v", err)
	}

	handler := NewHandler(pipeline)
	mux := http.NewServeMux()
	handler.Routes(mux)

	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/rekey", strings.NewReader(string(body)))
	mux.ServeHTTP(rec, httpReq)

	if rec.Code == http.StatusOK {
		t.Fatalf("expected rekey to an unknown recipient to fail, got 200: %s", rec.Body.String())
	}
}
