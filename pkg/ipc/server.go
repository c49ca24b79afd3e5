// Package ipc implements the socket server: a poll-driven event loop
// over non-blocking Unix-domain sockets that accepts CI connections,
// parses inbound wire frames, routes them through the registry, and
// tracks pending outbound requests with timeout eviction.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"argo/pkg/cierrors"
	"argo/pkg/logx"
	"argo/pkg/metrics"
	"argo/pkg/proto"
	"argo/pkg/registry"
)

const (
	// DefaultSocketDir holds the per-CI socket files.
	DefaultSocketDir = "/tmp"
	// Backlog bounds the listen queue.
	Backlog = 5
	// MaxClients bounds the poll set, listener included.
	MaxClients = 50
	// MaxPendingRequests bounds the outbound-request table.
	MaxPendingRequests = 50
	// DefaultRequestTimeout applies when a message carries no timeout.
	DefaultRequestTimeout = 30 * time.Second
)

// SocketPath returns the socket file path for a CI name.
func SocketPath(dir, name string) string {
	return filepath.Join(dir, fmt.Sprintf("argo_ci_%s.sock", name))
}

// Response is the outcome delivered to a Send callback.
type Response struct {
	Success bool
	Content string
	Err     error
}

// Callback receives the reply or timeout for a tracked request.
type Callback func(Response)

type pendingRequest struct {
	id       string
	target   string
	callback Callback
	created  time.Time
	timeout  time.Duration
}

type client struct {
	fd   int
	name string // CI name for dialed connections, "" for accepted ones
}

// Stats is the server's traffic summary.
type Stats struct {
	Sent     uint64
	Received uint64
	Errors   uint64
	Pending  int
	Clients  int
}

// Server is one socket server instance. Construct with NewServer and
// pass the handle explicitly; there is no process-wide singleton. The
// caller drives the event loop by invoking RunOnce at its own cadence.
type Server struct {
	mu       sync.Mutex
	name     string
	path     string
	dir      string
	listenFD int
	clients  []client
	pending  []pendingRequest
	reg      *registry.Registry
	rec      *metrics.Recorder
	log      *logx.Logger

	sent     uint64
	received uint64
	errors   uint64
}

// NewServer creates and binds a socket server for the named CI under
// the default socket directory.
func NewServer(name string) (*Server, error) {
	return NewServerAt(DefaultSocketDir, name)
}

// NewServerAt creates and binds a socket server with its socket file in
// dir. A stale socket file from a previous run is removed.
func NewServerAt(dir, name string) (*Server, error) {
	if name == "" {
		return nil, cierrors.New(cierrors.KindInput, "ipc.new_server", "name is required")
	}

	s := &Server{
		name:     name,
		dir:      dir,
		path:     SocketPath(dir, name),
		listenFD: -1,
		log:      logx.NewLogger("ipc"),
	}
	if err := s.listen(); err != nil {
		return nil, err
	}

	s.log.Info("Socket server initialized at %s", s.path)
	return s, nil
}

func (s *Server) listen() error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return cierrors.Wrap(cierrors.KindTransport, "ipc.listen", err, "socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return cierrors.Wrap(cierrors.KindTransport, "ipc.listen", err, "set nonblock")
	}

	// Stale socket file from a crashed run.
	os.Remove(s.path)

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: s.path}); err != nil {
		unix.Close(fd)
		return cierrors.Wrap(cierrors.KindTransport, "ipc.listen", err, "bind "+s.path)
	}
	if err := unix.Listen(fd, Backlog); err != nil {
		unix.Close(fd)
		os.Remove(s.path)
		return cierrors.Wrap(cierrors.KindTransport, "ipc.listen", err, "listen")
	}

	s.listenFD = fd
	return nil
}

// SetRegistry attaches the registry used for routing inbound messages
// and resolving outbound descriptors. Without one the server only logs
// inbound traffic, which keeps it testable in isolation.
func (s *Server) SetRegistry(reg *registry.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reg = reg
}

// SetMetrics attaches a metrics recorder. Optional.
func (s *Server) SetMetrics(rec *metrics.Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = rec
}

// Path returns the server's socket file path.
func (s *Server) Path() string {
	return s.path
}

// RunOnce executes one poll cycle: wait up to timeout for socket
// readiness, then accept, read, and route whatever is ready. An idle
// cycle sweeps the pending-request table for expired entries. Transport
// errors on one connection drop only that connection.
func (s *Server) RunOnce(timeout time.Duration) error {
	started := time.Now()
	defer func() {
		if s.rec != nil {
			s.rec.ObservePollCycle(time.Since(started))
		}
	}()

	s.mu.Lock()
	pollfds := make([]unix.PollFd, 0, len(s.clients)+1)
	pollfds = append(pollfds, unix.PollFd{Fd: int32(s.listenFD), Events: unix.POLLIN})
	for _, c := range s.clients {
		pollfds = append(pollfds, unix.PollFd{Fd: int32(c.fd), Events: unix.POLLIN})
	}
	s.mu.Unlock()

	n, err := unix.Poll(pollfds, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return cierrors.Wrap(cierrors.KindTransport, "ipc.run_once", err, "poll")
	}

	if n == 0 {
		s.sweepTimeouts()
		return nil
	}

	for i := range pollfds {
		pfd := &pollfds[i]
		if pfd.Revents == 0 {
			continue
		}

		if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			if int(pfd.Fd) == s.listenFD {
				return cierrors.New(cierrors.KindTransport, "ipc.run_once", "server socket error")
			}
			s.log.Debug("Client fd=%d disconnected", pfd.Fd)
			s.dropClient(int(pfd.Fd))
			continue
		}

		if pfd.Revents&unix.POLLIN != 0 {
			if int(pfd.Fd) == s.listenFD {
				if err := s.acceptClient(); err != nil {
					s.log.Warn("Failed to accept client: %v", err)
				}
			} else if err := s.handleClientData(int(pfd.Fd)); err != nil {
				s.log.Debug("Dropping client fd=%d: %v", pfd.Fd, err)
				s.dropClient(int(pfd.Fd))
			}
		}
	}
	return nil
}

func (s *Server) acceptClient() error {
	fd, _, err := unix.Accept(s.listenFD)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		return cierrors.Wrap(cierrors.KindTransport, "ipc.accept", err, "accept")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return cierrors.Wrap(cierrors.KindTransport, "ipc.accept", err, "set nonblock")
	}

	s.mu.Lock()
	if len(s.clients)+1 >= MaxClients {
		s.mu.Unlock()
		unix.Close(fd)
		return cierrors.Newf(cierrors.KindResourceExhausted, "ipc.accept",
			"poll set full (%d descriptors)", MaxClients)
	}
	s.clients = append(s.clients, client{fd: fd})
	s.mu.Unlock()

	s.log.Debug("Client connected: fd=%d", fd)
	return nil
}

// handleClientData reads one frame from a client. A returned error
// means the connection is dead and should be dropped; a parse failure
// is counted but keeps the connection.
func (s *Server) handleClientData(fd int) error {
	buf := make([]byte, proto.MaxMessageSize)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		return cierrors.Wrap(cierrors.KindTransport, "ipc.read", err, "read")
	}
	if n == 0 {
		return cierrors.New(cierrors.KindTransport, "ipc.read", "peer closed connection")
	}

	msg, err := proto.ParseWire(buf[:n])
	if err != nil {
		s.log.Warn("Failed to parse message, dropping %d bytes: %v", n, err)
		s.mu.Lock()
		s.errors++
		s.mu.Unlock()
		if s.rec != nil {
			s.rec.IncProtocolError()
		}
		return nil
	}

	s.mu.Lock()
	s.received++
	reg := s.reg
	s.mu.Unlock()

	if s.resolvePending(msg) {
		return nil
	}

	if reg == nil {
		s.log.Debug("Received message from %s to %s (no registry): %s",
			msg.From, msg.To, msg.Content)
		return nil
	}

	data, err := msg.ToJSON()
	if err != nil {
		s.log.Warn("Failed to re-encode message: %v", err)
		return nil
	}
	if err := reg.SendMessage(msg.From, msg.To, data); err != nil {
		s.log.Warn("Failed to route message: %v", err)
		if s.rec != nil {
			s.rec.ObserveMessage(msg.Type, false)
		}
		return nil
	}
	if s.rec != nil {
		s.rec.ObserveMessage(msg.Type, true)
	}
	return nil
}

// resolvePending matches an inbound response to a tracked request: by
// thread id when the reply carries one, otherwise the oldest request
// targeting the sender. Returns true when a request was resolved.
func (s *Server) resolvePending(msg *proto.Message) bool {
	if msg.Type != proto.TypeResponse {
		return false
	}

	s.mu.Lock()
	idx := -1
	for i, req := range s.pending {
		if msg.ThreadID != "" {
			if req.id == msg.ThreadID {
				idx = i
				break
			}
			continue
		}
		if req.target == msg.From {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	req := s.pending[idx]
	s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
	pendingCount := len(s.pending)
	s.mu.Unlock()

	if s.rec != nil {
		s.rec.SetPendingRequests(pendingCount)
	}
	req.callback(Response{Success: true, Content: msg.Content})
	return true
}

// Send serializes msg to the wire form and writes it to the recipient's
// live descriptor in one non-blocking write; a short write is a hard
// failure. A non-nil callback registers a pending request that resolves
// on reply or timeout; a full pending table rejects the send outright.
func (s *Server) Send(msg *proto.Message, cb Callback) error {
	if msg == nil {
		return cierrors.New(cierrors.KindInput, "ipc.send", "message is required")
	}

	s.mu.Lock()
	if cb != nil && len(s.pending) >= MaxPendingRequests {
		s.mu.Unlock()
		return cierrors.Newf(cierrors.KindResourceExhausted, "ipc.send",
			"pending table full (%d requests)", MaxPendingRequests)
	}
	reg := s.reg
	s.mu.Unlock()

	fd := -1
	if reg != nil {
		if entry, err := reg.FindCI(msg.To); err == nil {
			fd = entry.SocketFD()
		}
	}
	if fd < 0 {
		return cierrors.Newf(cierrors.KindTransport, "ipc.send",
			"target CI %q not connected", msg.To)
	}

	// Reserve the pending slot before writing so concurrent sends
	// cannot overshoot the table bound between check and append.
	var reqID string
	if cb != nil {
		reqID = uuid.NewString()
		msg = msg.Clone()
		msg.ThreadID = reqID

		s.mu.Lock()
		if len(s.pending) >= MaxPendingRequests {
			s.mu.Unlock()
			return cierrors.Newf(cierrors.KindResourceExhausted, "ipc.send",
				"pending table full (%d requests)", MaxPendingRequests)
		}
		s.pending = append(s.pending, pendingRequest{
			id:       reqID,
			target:   msg.To,
			callback: cb,
			created:  time.Now(),
			timeout:  msg.Timeout(DefaultRequestTimeout),
		})
		s.mu.Unlock()
	}

	if err := s.writeWire(fd, msg); err != nil {
		if cb != nil {
			s.removePending(reqID)
		}
		return err
	}

	s.mu.Lock()
	s.sent++
	pendingCount := len(s.pending)
	s.mu.Unlock()

	if s.rec != nil {
		s.rec.SetPendingRequests(pendingCount)
	}
	return nil
}

// removePending drops the reserved entry for a send whose write failed.
func (s *Server) removePending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pending {
		if s.pending[i].id == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// Deliver implements registry.Transport: one non-blocking write of the
// wire frame to fd.
func (s *Server) Deliver(fd int, msg *proto.Message) error {
	if fd < 0 {
		return cierrors.Newf(cierrors.KindTransport, "ipc.deliver",
			"target CI %q not connected", msg.To)
	}
	if err := s.writeWire(fd, msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return nil
}

func (s *Server) writeWire(fd int, msg *proto.Message) error {
	data, err := msg.ToWire()
	if err != nil {
		return err
	}
	n, err := unix.Write(fd, data)
	if err != nil {
		return cierrors.Wrap(cierrors.KindTransport, "ipc.write", err, "write")
	}
	if n != len(data) {
		return cierrors.Newf(cierrors.KindTransport, "ipc.write",
			"short write: %d of %d bytes", n, len(data))
	}
	return nil
}

// sweepTimeouts evicts pending requests older than their budget,
// invoking each callback exactly once with a timeout failure. Runs on
// the idle branch of the poll cycle, so notification latency is bounded
// by poll cadence.
func (s *Server) sweepTimeouts() {
	now := time.Now()

	s.mu.Lock()
	var expired []pendingRequest
	kept := s.pending[:0]
	for _, req := range s.pending {
		if now.Sub(req.created) > req.timeout {
			expired = append(expired, req)
		} else {
			kept = append(kept, req)
		}
	}
	s.pending = kept
	pendingCount := len(s.pending)
	s.mu.Unlock()

	for _, req := range expired {
		s.log.Debug("Request %s to %s timed out", req.id, req.target)
		if s.rec != nil {
			s.rec.IncRequestTimeout()
		}
		req.callback(Response{
			Success: false,
			Content: "Request timed out",
			Err: cierrors.Newf(cierrors.KindTimeout, "ipc.pending",
				"request %s to %q expired", req.id, req.target),
		})
	}
	if len(expired) > 0 && s.rec != nil {
		s.rec.SetPendingRequests(pendingCount)
	}
}

// ConnectCI dials the named CI's socket and binds the resulting
// descriptor into its registry entry so outbound sends can reach it.
// The connection joins the poll set to receive replies.
func (s *Server) ConnectCI(name string) error {
	s.mu.Lock()
	reg := s.reg
	full := len(s.clients)+1 >= MaxClients
	s.mu.Unlock()

	if reg == nil {
		return cierrors.New(cierrors.KindInput, "ipc.connect_ci", "no registry attached")
	}
	if full {
		return cierrors.Newf(cierrors.KindResourceExhausted, "ipc.connect_ci",
			"poll set full (%d descriptors)", MaxClients)
	}
	if _, err := reg.FindCI(name); err != nil {
		return err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return cierrors.Wrap(cierrors.KindTransport, "ipc.connect_ci", err, "socket")
	}
	path := SocketPath(s.dir, name)
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return cierrors.Wrap(cierrors.KindTransport, "ipc.connect_ci", err, "connect "+path)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return cierrors.Wrap(cierrors.KindTransport, "ipc.connect_ci", err, "set nonblock")
	}

	if err := reg.BindTransport(name, fd); err != nil {
		unix.Close(fd)
		return err
	}

	// The poll set may have filled while the lock was released for the
	// dial; re-check before joining it.
	s.mu.Lock()
	if len(s.clients)+1 >= MaxClients {
		s.mu.Unlock()
		reg.ReleaseTransport(name, fd)
		unix.Close(fd)
		return cierrors.Newf(cierrors.KindResourceExhausted, "ipc.connect_ci",
			"poll set full (%d descriptors)", MaxClients)
	}
	s.clients = append(s.clients, client{fd: fd, name: name})
	s.mu.Unlock()

	s.log.Info("Connected to CI %s at %s (fd=%d)", name, path, fd)
	return nil
}

// DisconnectCI closes the dialed connection to the named CI and clears
// its registry binding. Unknown names are a no-op.
func (s *Server) DisconnectCI(name string) {
	s.mu.Lock()
	fd := -1
	for i, c := range s.clients {
		if c.name == name {
			fd = c.fd
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
	reg := s.reg
	s.mu.Unlock()

	if fd < 0 {
		return
	}
	unix.Close(fd)
	if reg != nil {
		reg.ReleaseTransport(name, fd)
	}
	s.log.Debug("Disconnected from CI %s (fd=%d)", name, fd)
}

// IsConnected reports whether a dialed connection to the named CI is
// in the poll set.
func (s *Server) IsConnected(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if c.name == name {
			return true
		}
	}
	return false
}

// dropClient reclaims a poll slot: close the descriptor, remove it from
// the set, and release any registry binding.
func (s *Server) dropClient(fd int) {
	s.mu.Lock()
	name := ""
	for i, c := range s.clients {
		if c.fd == fd {
			name = c.name
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
	reg := s.reg
	s.mu.Unlock()

	unix.Close(fd)
	if name != "" && reg != nil {
		reg.ReleaseTransport(name, fd)
	}
}

// Stats returns the server's traffic counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Sent:     s.sent,
		Received: s.received,
		Errors:   s.errors,
		Pending:  len(s.pending),
		Clients:  len(s.clients),
	}
}

// Close shuts the server down: all client connections and the listener
// are closed and the socket file removed. Safe to call more than once.
func (s *Server) Close() {
	s.mu.Lock()
	clients := s.clients
	s.clients = nil
	listenFD := s.listenFD
	s.listenFD = -1
	stats := Stats{Sent: s.sent, Received: s.received, Errors: s.errors}
	reg := s.reg
	s.mu.Unlock()

	for _, c := range clients {
		unix.Close(c.fd)
		if c.name != "" && reg != nil {
			reg.ReleaseTransport(c.name, c.fd)
		}
	}
	if listenFD >= 0 {
		unix.Close(listenFD)
		os.Remove(s.path)
	}

	s.log.Info("Socket server cleanup complete. Messages: sent=%d recv=%d errors=%d",
		stats.Sent, stats.Received, stats.Errors)
}
