package accessmanager

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/pep-core/pep/internal/pepfault"
	"github.com/pep-core/pep/ticket"
)

// wireKeyDescriptor is the JSON encoding of one KeyDescriptor: the
// polymorphic key ciphertext travels hex-encoded.
type wireKeyDescriptor struct {
	Column           string `json:"column"`
	LocalPseudonymSF string `json:"localPseudonymSF"`
	KeyHex           string `json:"key"`
	Operation        string `json:"operation"`
}

// wireKeyRequest is a rekey request: the ticket's granted columns (the sole
// authorization check) plus the descriptors to rekey.
type wireKeyRequest struct {
	TicketColumns []string            `json:"ticketColumns"`
	Recipient     string              `json:"recipient"`
	Descriptors   []wireKeyDescriptor `json:"descriptors"`
}

// wireTicketRequest is the JSON encoding of a client's SignedTicketRequest2:
// byte fields travel as hex strings since JSON has no native byte type.
type wireTicketRequest struct {
	UserGroup                  string   `json:"userGroup"`
	SignerPublicKeyHex         string   `json:"signerPublicKey"`
	SignatureHex               string   `json:"signature"`
	Columns                    []string `json:"columns"`
	ColumnGroups               []string `json:"columnGroups"`
	ParticipantGroups          []string `json:"participantGroups"`
	PolymorphicPseudonymsHex   []string `json:"polymorphicPseudonyms"`
	Modes                      []string `json:"modes"`
	RequestIndexedTicket       bool     `json:"requestIndexedTicket"`
	IncludeUserGroupPseudonyms bool     `json:"includeUserGroupPseudonyms"`
}

// Handler exposes the Access Manager's ticket pipeline and rekey handler
// over HTTP, JSON-encoded. Grounded on walletserver/controllers'
// decode-call-respond shape.
type Handler struct {
	pipeline *Pipeline
	rekeyer  *Rekeyer
}

// NewHandler builds an HTTP handler over pipeline, with its rekey surface
// gated by the same pipeline's ticket pipeline.
func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{pipeline: pipeline, rekeyer: NewRekeyer(pipeline)}
}

// Routes mounts the handler's endpoints onto mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ticket", h.handleTicketRequest)
	mux.HandleFunc("/rekey", h.handleRekeyRequest)
}

func (h *Handler) handleRekeyRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var wire wireKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	descriptors := make([]KeyDescriptor, len(wire.Descriptors))
	for i, d := range wire.Descriptors {
		raw, err := hex.DecodeString(d.KeyHex)
		if err != nil {
			http.Error(w, "malformed key ciphertext", http.StatusBadRequest)
			return
		}
		ct, err := unpackCiphertext(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		lp, err := hex.DecodeString(d.LocalPseudonymSF)
		if err != nil {
			http.Error(w, "malformed local pseudonym", http.StatusBadRequest)
			return
		}
		descriptors[i] = KeyDescriptor{
			Column:           d.Column,
			LocalPseudonymSF: lp,
			Key:              ct,
			Operation:        KeyOperation(d.Operation),
		}
	}

	rekeyed, err := h.rekeyer.HandleEncryptionKeyRequest(wire.TicketColumns, wire.Recipient, descriptors)
	if err != nil {
		writeHandlerError(w, err)
		return
	}

	out := make([]string, len(rekeyed))
	for i := range rekeyed {
		out[i] = hex.EncodeToString(packCiphertext(&rekeyed[i]))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Keys []string `json:"keys"`
	}{Keys: out})
}

func (h *Handler) handleTicketRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var wire wireTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	req, err := decodeTicketRequest(wire)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	signed, indexed, err := h.pipeline.HandleTicketRequest(req)
	if err != nil {
		writeHandlerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if indexed != nil {
		json.NewEncoder(w).Encode(indexed)
		return
	}
	json.NewEncoder(w).Encode(signed)
}

func decodeTicketRequest(wire wireTicketRequest) (TicketRequest, error) {
	pubKey, err := hex.DecodeString(wire.SignerPublicKeyHex)
	if err != nil {
		return TicketRequest{}, pepfault.New(pepfault.KindInvalid, "accessmanager.decodeTicketRequest", "malformed signer public key")
	}
	sig, err := hex.DecodeString(wire.SignatureHex)
	if err != nil {
		return TicketRequest{}, pepfault.New(pepfault.KindInvalid, "accessmanager.decodeTicketRequest", "malformed signature")
	}

	pps := make([]PPEntry, len(wire.PolymorphicPseudonymsHex))
	for i, entryHex := range wire.PolymorphicPseudonymsHex {
		raw, err := hex.DecodeString(entryHex)
		if err != nil {
			return TicketRequest{}, pepfault.New(pepfault.KindInvalid, "accessmanager.decodeTicketRequest", "malformed polymorphic pseudonym")
		}
		ct, err := unpackCiphertext(raw)
		if err != nil {
			return TicketRequest{}, err
		}
		pps[i] = PPEntry{Ciphertext: ct}
	}

	modes := make([]ticket.Mode, len(wire.Modes))
	for i, m := range wire.Modes {
		mode, err := ticket.ParseMode(m)
		if err != nil {
			return TicketRequest{}, pepfault.New(pepfault.KindInvalid, "accessmanager.decodeTicketRequest", "unknown mode: "+m)
		}
		modes[i] = mode
	}

	return TicketRequest{
		UserGroup:                  wire.UserGroup,
		SignerPublicKey:            ed25519.PublicKey(pubKey),
		Signature:                  sig,
		Columns:                    wire.Columns,
		ColumnGroups:               wire.ColumnGroups,
		ParticipantGroups:          wire.ParticipantGroups,
		PolymorphicPseudonyms:      pps,
		Modes:                      modes,
		RequestIndexedTicket:       wire.RequestIndexedTicket,
		IncludeUserGroupPseudonyms: wire.IncludeUserGroupPseudonyms,
	}, nil
}

func writeHandlerError(w http.ResponseWriter, err error) {
	switch pepfault.KindOf(err) {
	case pepfault.KindAccessDenied:
		http.Error(w, err.Error(), http.StatusForbidden)
	case pepfault.KindNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case pepfault.KindInvalid:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
