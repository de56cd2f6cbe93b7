package media

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Session is the media half of one call: a single RTP+RTCP socket pair
// and the relay bridging the call's two legs across it.
type Session struct {
	CallID    string
	CreatedAt time.Time

	mgr         *Manager
	pair        *SocketPair
	relay       *Relay
	releaseOnce sync.Once
}

// Relay returns the session's packet relay.
func (s *Session) Relay() *Relay {
	return s.relay
}

// Port returns the local RTP port both legs send to.
func (s *Session) Port() int {
	return s.pair.Ports.RTP
}

// RTCPPort returns the local RTCP port.
func (s *Session) RTCPPort() int {
	return s.pair.Ports.RTCP
}

// Release stops the relay and returns the port pair to the pool. Safe to
// call more than once.
func (s *Session) Release() {
	s.releaseOnce.Do(func() {
		s.relay.Stop()
		s.mgr.retire(s)
	})
}

// Manager allocates media sessions out of the RTP port pool and tracks
// the active set.
type Manager struct {
	pool    *PortPool
	mediaIP net.IP
	logger  *slog.Logger

	mu          sync.RWMutex
	sessions    map[string]*Session
	donePackets uint64
	doneBytes   uint64
}

// NewManager creates a session manager with a port pool spanning
// [portMin, portMax]. mediaIP is the address advertised in SDP.
func NewManager(mediaIP net.IP, portMin, portMax int, logger *slog.Logger) (*Manager, error) {
	pool, err := NewPortPool(portMin, portMax, logger)
	if err != nil {
		return nil, err
	}
	return &Manager{
		pool:     pool,
		mediaIP:  mediaIP,
		logger:   logger.With("subsystem", "media-sessions"),
		sessions: make(map[string]*Session),
	}, nil
}

// MediaIP is the address the relay is reachable at, used when building
// SDP toward either leg.
func (m *Manager) MediaIP() net.IP {
	return m.mediaIP
}

// Capacity returns the total number of port pairs in the pool.
func (m *Manager) Capacity() int {
	return m.pool.Capacity()
}

// Allocate binds a socket pair for a new call and registers its session.
// ErrPoolExhausted is returned unwrapped in the chain so callers can map
// it to a busy response.
func (m *Manager) Allocate(callID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[callID]; exists {
		return nil, fmt.Errorf("media session for call %q already exists", callID)
	}

	pair, err := m.pool.Allocate()
	if err != nil {
		return nil, err
	}

	s := &Session{
		CallID:    callID,
		CreatedAt: time.Now(),
		mgr:       m,
		pair:      pair,
		relay:     NewRelay(callID, pair, m.logger),
	}
	m.sessions[callID] = s

	m.logger.Info("media session allocated",
		"call_id", callID,
		"rtp_port", pair.Ports.RTP,
	)
	return s, nil
}

// Get returns the session for a call, or nil.
func (m *Manager) Get(callID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[callID]
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// retire removes a released session and folds its counters into the
// lifetime totals before the ports go back to the pool.
func (m *Manager) retire(s *Session) {
	st := s.relay.Stats()

	m.mu.Lock()
	delete(m.sessions, s.CallID)
	m.donePackets += st.AToB.Packets + st.BToA.Packets
	m.doneBytes += st.AToB.Bytes + st.BToA.Bytes
	m.mu.Unlock()

	m.pool.Release(s.pair)

	m.logger.Info("media session released",
		"call_id", s.CallID,
		"rtp_port", s.pair.Ports.RTP,
	)
}

// Totals reports packets and bytes relayed over the manager's lifetime,
// including live sessions.
func (m *Manager) Totals() (packets, bytes uint64) {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	packets = m.donePackets
	bytes = m.doneBytes
	m.mu.RUnlock()

	for _, s := range live {
		st := s.relay.Stats()
		packets += st.AToB.Packets + st.BToA.Packets
		bytes += st.AToB.Bytes + st.BToA.Bytes
	}
	return packets, bytes
}

// SessionInfo is a point-in-time view of one active session.
type SessionInfo struct {
	CallID    string
	RTPPort   int
	CreatedAt time.Time
	Stats     RelayStats
}

// Snapshot lists all active sessions with their counters.
func (m *Manager) Snapshot() []SessionInfo {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(live))
	for _, s := range live {
		infos = append(infos, SessionInfo{
			CallID:    s.CallID,
			RTPPort:   s.Port(),
			CreatedAt: s.CreatedAt,
			Stats:     s.relay.Stats(),
		})
	}
	return infos
}

// ReleaseAll tears down every active session. Used during shutdown.
func (m *Manager) ReleaseAll() {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()

	for _, s := range live {
		s.Release()
	}

	m.logger.Info("all media sessions released", "count", len(live))
}
