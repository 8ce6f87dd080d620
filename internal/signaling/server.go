// Package signaling hosts the measurement core: HTTP offer/answer exchange,
// an ICE-lite connectivity responder on each session's UDP socket, and the
// assembly of the per-session transport stack.
package signaling

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"

	"github.com/jonboulle/clockwork"
	"github.com/rs/xid"

	"github.com/malbeclabs/netpoke/internal/session"
)

const masterSecretLen = 32

// ServerConfig configures the signalling server.
type ServerConfig struct {
	Logger   *slog.Logger
	Registry *session.Registry // required
	Clock    clockwork.Clock

	// PublicIP is the address advertised in answer candidates. Defaults to
	// the unspecified address, which only works for same-host testing.
	PublicIP net.IP

	// SessionOptions tunes the per-session stack.
	SessionOptions SessionOptions
}

func (cfg *ServerConfig) Validate() error {
	if cfg.Registry == nil {
		return fmt.Errorf("registry is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PublicIP == nil {
		cfg.PublicIP = net.IPv4zero
	}
	return nil
}

// Server terminates the signalling API and owns session construction.
type Server struct {
	log *slog.Logger
	cfg ServerConfig
	mux *http.ServeMux
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /api/signaling/start", s.handleStart)
	s.mux.HandleFunc("POST /api/signaling/ice", s.handleICE)
	return s, nil
}

// Handler returns the HTTP handler; authentication middleware wraps it
// outside the core.
func (s *Server) Handler() http.Handler { return s.mux }

type startRequest struct {
	SDP      string `json:"sdp"`
	ParentID string `json:"parent_id,omitempty"`
}

type startResponse struct {
	ClientID string `json:"client_id"`
	SDP      string `json:"sdp"`
}

type iceRequest struct {
	ClientID  string          `json:"client_id"`
	Candidate json.RawMessage `json:"candidate"`
}

// handleStart creates a session for an offer and returns the answer.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	offer, err := parseOffer(req.SDP)
	if err != nil {
		http.Error(w, fmt.Sprintf("bad offer: %v", err), http.StatusBadRequest)
		return
	}
	if req.ParentID != "" {
		if _, ok := s.cfg.Registry.LookupByID(req.ParentID); !ok {
			http.Error(w, "unknown parent session", http.StatusNotFound)
			return
		}
	}

	id := xid.New().String()
	secret := make([]byte, masterSecretLen)
	if _, err := rand.Read(secret); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	var vtagBuf [4]byte
	if _, err := rand.Read(vtagBuf[:]); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	vtag := binary.BigEndian.Uint32(vtagBuf[:])

	sess, port, err := buildSession(s.log, buildConfig{
		ID:           id,
		ParentID:     req.ParentID,
		Registry:     s.cfg.Registry,
		Clock:        s.cfg.Clock,
		MasterSecret: secret,
		VTag:         vtag,
		Options:      s.cfg.SessionOptions,
	})
	if err != nil {
		if s.log != nil {
			s.log.Error("failed to build session", "error", err)
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.cfg.Registry.Insert(sess)

	answer, err := buildAnswer(answerParams{
		Offer:        offer,
		SessionID:    id,
		IP:           s.cfg.PublicIP,
		Port:         port,
		VTag:         vtag,
		MasterSecret: hex.EncodeToString(secret),
	})
	if err != nil {
		s.cfg.Registry.Remove(id)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if s.log != nil {
		s.log.Info("session created", "client_id", id, "parent_id", req.ParentID, "port", port)
	}
	writeJSON(w, startResponse{ClientID: id, SDP: answer})
}

// handleICE accepts a trickled remote candidate. The server is ICE-lite: it
// never initiates checks, so candidates only validate the session and are
// otherwise satisfied by the binding responder on the session socket.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	var req iceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	sess, ok := s.cfg.Registry.LookupByID(req.ClientID)
	if !ok {
		http.Error(w, "unknown client", http.StatusNotFound)
		return
	}
	sess.Touch(s.cfg.Clock.Now())
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// peerFromUDPAddr converts a socket address for the registry's peer index.
func peerFromUDPAddr(addr *net.UDPAddr) (netip.AddrPort, bool) {
	a, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(a.Unmap(), uint16(addr.Port)), true
}
