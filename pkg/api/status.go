package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NebulaChat/nebula-node/pkg/crypto"
	"github.com/NebulaChat/nebula-node/pkg/lifecycle"
	"github.com/NebulaChat/nebula-node/pkg/network"
	"github.com/NebulaChat/nebula-node/pkg/protocol"
)

// Onion service states reported by /api/v1/status
const (
	OnionDisabled = "disabled"
	OnionStarting = "starting"
)

// OnionStatus describes the hidden service
type OnionStatus struct {
	State   string     `json:"state"` // "disabled", "starting", "running", "failed"
	Address string     `json:"address,omitempty"`
	Error   string     `json:"error,omitempty"`
	Since   *time.Time `json:"since,omitempty"`
}

// StatusResponse contains information about this node
type StatusResponse struct {
	Success     bool        `json:"success"`
	PublicKey   string      `json:"publicKey"`
	Fingerprint string      `json:"fingerprint"`
	Onion       OnionStatus `json:"onion"`
	Sessions    int         `json:"sessions"`
	Peers       int         `json:"peers"`
	Uptime      string      `json:"uptime"`
}

// PeerInfo is one directory entry
type PeerInfo struct {
	PublicKey   string `json:"publicKey"`
	Fingerprint string `json:"fingerprint"`
	Address     string `json:"address"`
	Connected   bool   `json:"connected"`
}

// PeersResponse lists the peer directory
type PeersResponse struct {
	Success bool       `json:"success"`
	Count   int        `json:"count"`
	Peers   []PeerInfo `json:"peers"`
}

// PeerResponse is a single directory entry
type PeerResponse struct {
	Success bool     `json:"success"`
	Peer    PeerInfo `json:"peer"`
}

// SessionView describes an active session
type SessionView struct {
	PeerKey    string    `json:"peerKey,omitempty"`
	RemoteAddr string    `json:"remoteAddr"`
	Role       string    `json:"role"`
	State      string    `json:"state"`
	Since      time.Time `json:"since"`
	LastSeen   time.Time `json:"lastSeen"`
}

// SessionsResponse lists active sessions
type SessionsResponse struct {
	Success  bool          `json:"success"`
	Count    int           `json:"count"`
	Sessions []SessionView `json:"sessions"`
}

// HealthResponse contains a liveness check
type HealthResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(c *gin.Context) {
	pk := s.relay.PublicKey()
	c.JSON(http.StatusOK, StatusResponse{
		Success:     true,
		PublicKey:   pk.String(),
		Fingerprint: crypto.Fingerprint(pk),
		Onion:       s.onionStatus(),
		Sessions:    len(s.relay.Sessions()),
		Peers:       s.relay.Directory().Len(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) onionStatus() OnionStatus {
	if s.events == nil {
		return OnionStatus{State: OnionDisabled}
	}
	ev, ok := s.events.Latest()
	if !ok {
		return OnionStatus{State: OnionStarting}
	}

	at := ev.At
	status := OnionStatus{State: ev.Kind.String(), Since: &at}
	switch ev.Kind {
	case lifecycle.Running:
		status.Address = ev.OnionAddress
	case lifecycle.Failed:
		if ev.Err != nil {
			status.Error = ev.Err.Error()
		}
	}
	return status
}

// handlePeers handles GET /api/v1/peers
func (s *Server) handlePeers(c *gin.Context) {
	connected := s.connectedKeys()
	snapshot := s.relay.Directory().Snapshot()

	peers := make([]PeerInfo, 0, len(snapshot))
	for _, p := range snapshot {
		peers = append(peers, peerInfo(p, connected))
	}

	c.JSON(http.StatusOK, PeersResponse{
		Success: true,
		Count:   len(peers),
		Peers:   peers,
	})
}

// handlePeer handles GET /api/v1/peers/:key
func (s *Server) handlePeer(c *gin.Context) {
	key, err := protocol.PublicKeyFromHex(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid public key",
			Message: "Public key must be 64 hex characters",
		})
		return
	}

	p, ok := s.relay.Directory().Lookup(key)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "Peer not found",
		})
		return
	}

	c.JSON(http.StatusOK, PeerResponse{
		Success: true,
		Peer:    peerInfo(p, s.connectedKeys()),
	})
}

// handleSessions handles GET /api/v1/sessions
func (s *Server) handleSessions(c *gin.Context) {
	infos := s.relay.Sessions()

	sessions := make([]SessionView, 0, len(infos))
	for _, info := range infos {
		view := SessionView{
			RemoteAddr: info.RemoteAddr,
			Role:       info.Role.String(),
			State:      info.State.String(),
			Since:      info.Since,
			LastSeen:   info.LastSeen,
		}
		if !info.PeerKey.IsZero() {
			view.PeerKey = info.PeerKey.String()
		}
		sessions = append(sessions, view)
	}

	c.JSON(http.StatusOK, SessionsResponse{
		Success:  true,
		Count:    len(sessions),
		Sessions: sessions,
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Success: true, Status: "ok"})
}

func (s *Server) connectedKeys() map[protocol.PublicKey]bool {
	keys := make(map[protocol.PublicKey]bool)
	for _, info := range s.relay.Sessions() {
		if info.State == network.StateActive {
			keys[info.PeerKey] = true
		}
	}
	return keys
}

func peerInfo(p protocol.PeerInformation, connected map[protocol.PublicKey]bool) PeerInfo {
	return PeerInfo{
		PublicKey:   p.PublicKey.String(),
		Fingerprint: crypto.Fingerprint(p.PublicKey),
		Address:     p.Address,
		Connected:   connected[p.PublicKey],
	}
}
