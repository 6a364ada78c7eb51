// Package manager is the process-wide entry point: it holds every active
// session keyed by info-hash, runs the inbound TCP listener that
// dispatches accepted sockets to the right session by handshake
// info-hash, and bounds outbound connection attempts with a global
// semaphore on top of each session's own per-swarm cap.
package manager

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/prxssh/peerwire/pkg/config"
	"github.com/prxssh/peerwire/pkg/session"
)

// Manager owns every session this process participates in and the
// inbound listener that fans new sockets out to them.
type Manager struct {
	log      *slog.Logger
	clientID [sha1.Size]byte

	mu       sync.RWMutex
	sessions map[[sha1.Size]byte]*session.Session

	dialSem chan struct{}

	ln net.Listener

	wg sync.WaitGroup
}

// New constructs a Manager for clientID, the 20-byte peer id advertised
// on every handshake this process performs.
func New(clientID [sha1.Size]byte, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	cfg := config.Load()

	return &Manager{
		log:      log.With("component", "manager"),
		clientID: clientID,
		sessions: make(map[[sha1.Size]byte]*session.Session),
		dialSem:  make(chan struct{}, cfg.MaxPeers),
	}
}

// AddSession registers sess under its info-hash. Returns an error if a
// session for that info-hash is already registered.
func (m *Manager) AddSession(sess *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ih := sess.InfoHash()
	if _, exists := m.sessions[ih]; exists {
		return fmt.Errorf("manager: session for info-hash already registered")
	}
	m.sessions[ih] = sess
	return nil
}

// RemoveSession stops and unregisters the session for infoHash, if any.
func (m *Manager) RemoveSession(infoHash [sha1.Size]byte) {
	m.mu.Lock()
	sess, ok := m.sessions[infoHash]
	if ok {
		delete(m.sessions, infoHash)
	}
	m.mu.Unlock()

	if ok {
		sess.Stop()
	}
}

func (m *Manager) sessionFor(infoHash [sha1.Size]byte) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[infoHash]
	return sess, ok
}

// Listen opens the inbound TCP listener on addr (host:port, empty host
// for all interfaces). ServeInbound must be called to start accepting.
func (m *Manager) Listen(addr string) (netip.AddrPort, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("manager: listen: %w", err)
	}
	m.ln = ln

	bound, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return netip.AddrPort{}, fmt.Errorf("manager: parse listener addr: %w", err)
	}
	return bound, nil
}

// ServeInbound accepts connections on the listener opened by Listen and
// dispatches each to the registered session matching its handshake
// info-hash, via a bounded pool of accept workers. It blocks until ctx is
// canceled or the listener errors.
func (m *Manager) ServeInbound(ctx context.Context, maxConcurrentAccepts int) error {
	if m.ln == nil {
		return fmt.Errorf("manager: Listen must be called before ServeInbound")
	}

	go func() {
		<-ctx.Done()
		m.ln.Close()
	}()

	sockets := make(chan net.Conn, maxConcurrentAccepts)
	for i := 0; i < maxConcurrentAccepts; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for nc := range sockets {
				m.dispatchInbound(ctx, nc)
			}
		}()
	}

	var acceptErr error
	for {
		nc, err := m.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			acceptErr = err
			break
		}
		select {
		case sockets <- nc:
		case <-ctx.Done():
			nc.Close()
		}
	}

	close(sockets)
	m.wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return acceptErr
}

// dispatchInbound resolves an inbound socket's handshake to the session
// that claims its info-hash and hands it off. Sockets claimed by no
// session are closed.
func (m *Manager) dispatchInbound(ctx context.Context, nc net.Conn) {
	infoHash, wrapped, err := peekInfoHash(nc)
	if err != nil {
		nc.Close()
		return
	}

	sess, ok := m.sessionFor(infoHash)
	if !ok {
		m.log.Debug("inbound connection for unknown info-hash, closing", "addr", nc.RemoteAddr())
		nc.Close()
		return
	}

	if err := sess.Accept(ctx, wrapped, m.clientID); err != nil {
		m.log.Debug("inbound session accept failed", "addr", nc.RemoteAddr(), "error", err)
	}
}

// Connect dials addr under the session registered for infoHash,
// respecting the process-wide outbound connection semaphore. Returns an
// error immediately if no such session is registered.
func (m *Manager) Connect(ctx context.Context, infoHash [sha1.Size]byte, addr netip.AddrPort) error {
	sess, ok := m.sessionFor(infoHash)
	if !ok {
		return fmt.Errorf("manager: no session registered for info-hash")
	}

	select {
	case m.dialSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.dialSem }()

	return sess.Connect(ctx, addr)
}

// AdmitPeers enqueues candidate addresses for outbound connection under
// the session registered for infoHash. A no-op if no such session exists.
func (m *Manager) AdmitPeers(infoHash [sha1.Size]byte, addrs []netip.AddrPort) {
	if sess, ok := m.sessionFor(infoHash); ok {
		sess.AdmitPeers(addrs)
	}
}

// Close stops every registered session and the inbound listener.
func (m *Manager) Close() {
	if m.ln != nil {
		m.ln.Close()
	}

	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[[sha1.Size]byte]*session.Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *session.Session) {
			defer wg.Done()
			sess.Stop()
		}(sess)
	}
	wg.Wait()
}
