// Package control provides a Unix socket server for CLI-to-daemon communication.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/ipfilter/internal/blocklist"
	"github.com/tunnelmesh/ipfilter/internal/gate"
	"github.com/tunnelmesh/ipfilter/internal/ipfilter"
	"github.com/tunnelmesh/ipfilter/internal/logging/audit"
	"github.com/tunnelmesh/ipfilter/internal/session"
)

// DefaultSocketPath returns the default control socket path.
func DefaultSocketPath() string {
	return "/var/run/ipfilter.sock"
}

// Request types for control commands.
const (
	CmdFilterList       = "ipfilter.list"
	CmdFilterAdd        = "ipfilter.add"
	CmdFilterCheck      = "ipfilter.check"
	CmdFilterClear      = "ipfilter.clear"
	CmdFilterImport     = "ipfilter.import"
	CmdTorrentList      = "torrent.list"
	CmdTorrentSetFilter = "torrent.set_filter"
)

// Timeouts for control socket operations.
const (
	// SocketDialTimeout is the timeout for connecting to the control socket.
	SocketDialTimeout = 5 * time.Second
	// SocketReadWriteTimeout is the timeout for reading/writing on the socket.
	// Imports of large blocklists run inside it.
	SocketReadWriteTimeout = 30 * time.Second
)

// Request is a control command from the CLI.
type Request struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is a response to a control command.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// FilterAddRequest is the payload for ipfilter.add command.
type FilterAddRequest struct {
	Range  string `json:"range"`  // "a-b", single address or CIDR
	Access string `json:"access"` // "allowed" or "blocked"
}

// FilterCheckRequest is the payload for ipfilter.check command.
type FilterCheckRequest struct {
	Addr    string `json:"addr"`
	Torrent string `json:"torrent,omitempty"` // Evaluate with this torrent's flag
}

// FilterCheckResponse reports what the policy gate decides for an address.
type FilterCheckResponse struct {
	Addr           string `json:"addr"`
	Access         string `json:"access"`
	ShouldAnnounce bool   `json:"should_announce"`
	ShouldConnect  bool   `json:"should_connect"`
	ApplyIPFilter  bool   `json:"apply_ip_filter"`
}

// FilterImportRequest is the payload for ipfilter.import command.
type FilterImportRequest struct {
	Path string `json:"path"` // Resolved on the daemon side
}

// FilterImportResponse is the response for ipfilter.import command.
type FilterImportResponse struct {
	Rules  int `json:"rules"`  // Lines read from the file
	Ranges int `json:"ranges"` // Filter size after the import
}

// FilterListResponse is the response for ipfilter.list command.
type FilterListResponse struct {
	IPv4  int                `json:"ipv4"`
	IPv6  int                `json:"ipv6"`
	Rules []FilterRuleDetail `json:"rules"`
}

// FilterRuleDetail is one range of the filter table.
type FilterRuleDetail struct {
	First  string `json:"first"`
	Last   string `json:"last"`
	Access string `json:"access"`
	Family string `json:"family"`
}

// TorrentSetFilterRequest is the payload for torrent.set_filter command.
type TorrentSetFilterRequest struct {
	Torrent string `json:"torrent"`
	Apply   bool   `json:"apply"`
}

// TorrentDetail describes a torrent for display.
type TorrentDetail struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	ApplyIPFilter bool     `json:"apply_ip_filter"`
	Peers         int      `json:"peers"`
	Trackers      []string `json:"trackers"`
}

// Server is a Unix socket control server.
type Server struct {
	socketPath      string
	session         *session.Session
	listener        net.Listener
	onFilterChanged func() // Called after filter changes (for persistence)
	audit           *audit.Logger
	mu              sync.RWMutex
	ctx             context.Context
	cancel          context.CancelFunc
}

// NewServer creates a new control server for sess.
func NewServer(socketPath string, sess *session.Session) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		session:    sess,
		audit:      audit.NewLogger(log.Logger),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetFilterChangedHandler sets the callback for filter changes.
func (s *Server) SetFilterChangedHandler(handler func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFilterChanged = handler
}

// SetAuditLogger replaces the audit logger.
func (s *Server) SetAuditLogger(l *audit.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = l
}

// Start begins listening on the control socket.
func (s *Server) Start() error {
	// Ensure parent directory exists
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	// Remove stale socket
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// Restrict socket permissions
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener
	log.Info().Str("path", s.socketPath).Msg("control socket listening")

	go s.acceptLoop()
	return nil
}

// Stop closes the control server.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	_ = os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Error().Err(err).Msg("control socket accept error")
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(SocketReadWriteTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.sendError(conn, fmt.Errorf("decode request: %w", err))
		return
	}

	resp := s.handleCommand(req)
	_ = json.NewEncoder(conn).Encode(resp)
}

func (s *Server) handleCommand(req Request) Response {
	if s.session == nil {
		return errorResponse(errors.New("session not initialized"))
	}

	switch req.Command {
	case CmdFilterList:
		return s.handleFilterList()
	case CmdFilterAdd:
		return s.handleFilterAdd(req.Payload)
	case CmdFilterCheck:
		return s.handleFilterCheck(req.Payload)
	case CmdFilterClear:
		return s.handleFilterClear()
	case CmdFilterImport:
		return s.handleFilterImport(req.Payload)
	case CmdTorrentList:
		return s.handleTorrentList()
	case CmdTorrentSetFilter:
		return s.handleTorrentSetFilter(req.Payload)
	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

func (s *Server) handleFilterList() Response {
	filter := s.session.IPFilter()
	rules := filter.ExportRules()

	resp := FilterListResponse{Rules: make([]FilterRuleDetail, 0, len(rules))}
	resp.IPv4, resp.IPv6 = filter.RuleCountByFamily()
	for _, r := range rules {
		resp.Rules = append(resp.Rules, FilterRuleDetail{
			First:  r.First.String(),
			Last:   r.Last.String(),
			Access: r.Access.String(),
			Family: r.Family().String(),
		})
	}
	return dataResponse(resp)
}

func (s *Server) handleFilterAdd(payload json.RawMessage) Response {
	var req FilterAddRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}

	access, err := ipfilter.ParseAccess(req.Access)
	if err == nil {
		var r ipfilter.Range
		if r, err = ipfilter.ParseRange(req.Range, access); err == nil {
			err = s.session.AddRule(r.First, r.Last, r.Access)
		}
	}
	if err != nil {
		s.auditLogger().LogRuleChange("control", "add", req.Range, req.Access, "rejected", err.Error())
		return errorResponse(err)
	}

	s.notifyFilterChanged()
	s.auditLogger().LogRuleChange("control", "add", req.Range, access.String(), "applied", "")
	return Response{Success: true}
}

func (s *Server) handleFilterCheck(payload json.RawMessage) Response {
	var req FilterCheckRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}

	addr, err := netip.ParseAddr(req.Addr)
	if err != nil {
		return errorResponse(fmt.Errorf("%w: %v", ipfilter.ErrInvalidAddress, err))
	}

	apply := true
	if req.Torrent != "" {
		t, ok := s.session.Torrent(req.Torrent)
		if !ok {
			return errorResponse(fmt.Errorf("%w: %s", session.ErrTorrentNotFound, req.Torrent))
		}
		apply = t.ApplyIPFilter()
	}

	filter := s.session.IPFilter()
	return dataResponse(FilterCheckResponse{
		Addr:           addr.String(),
		Access:         filter.Access(addr).String(),
		ShouldAnnounce: gate.ShouldAnnounce(filter, addr),
		ShouldConnect:  gate.ShouldConnect(filter, addr, apply),
		ApplyIPFilter:  apply,
	})
}

func (s *Server) handleFilterClear() Response {
	if err := s.session.SetIPFilter(ipfilter.New()); err != nil {
		return errorResponse(err)
	}
	s.notifyFilterChanged()
	s.auditLogger().LogRuleChange("control", "clear", "", "", "applied", "")
	return Response{Success: true}
}

func (s *Server) handleFilterImport(payload json.RawMessage) Response {
	var req FilterImportRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}
	if req.Path == "" {
		return errorResponse(errors.New("path is required"))
	}

	// Parse before touching the filter so a broken file changes nothing.
	rules, err := blocklist.ReadFile(req.Path)
	if err == nil {
		err = s.session.AddRules(rules)
	}
	if err != nil {
		s.auditLogger().LogRuleChange("control", "import", req.Path, "", "rejected", err.Error())
		return errorResponse(err)
	}

	s.notifyFilterChanged()
	s.auditLogger().LogRuleChange("control", "import", req.Path, "", "applied", fmt.Sprintf("%d rules", len(rules)))
	return dataResponse(FilterImportResponse{Rules: len(rules), Ranges: s.session.IPFilter().RuleCount()})
}

func (s *Server) handleTorrentList() Response {
	torrents := s.session.Torrents()
	details := make([]TorrentDetail, 0, len(torrents))
	for _, t := range torrents {
		details = append(details, TorrentDetail{
			ID:            t.ID(),
			Name:          t.Name(),
			ApplyIPFilter: t.ApplyIPFilter(),
			Peers:         t.PeerCount(),
			Trackers:      t.Trackers(),
		})
	}
	return dataResponse(details)
}

func (s *Server) handleTorrentSetFilter(payload json.RawMessage) Response {
	var req TorrentSetFilterRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid payload: %v", err)}
	}

	t, ok := s.session.Torrent(req.Torrent)
	if !ok {
		return errorResponse(fmt.Errorf("%w: %s", session.ErrTorrentNotFound, req.Torrent))
	}
	t.SetApplyIPFilter(req.Apply)
	s.auditLogger().LogTorrentFilter("control", t.ID(), req.Apply)
	return Response{Success: true}
}

func (s *Server) notifyFilterChanged() {
	s.mu.RLock()
	handler := s.onFilterChanged
	s.mu.RUnlock()
	if handler != nil {
		handler()
	}
}

func (s *Server) auditLogger() *audit.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audit
}

func (s *Server) sendError(conn net.Conn, err error) {
	_ = json.NewEncoder(conn).Encode(errorResponse(err))
}

func errorResponse(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

func dataResponse(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResponse(fmt.Errorf("marshal response: %w", err))
	}
	return Response{Success: true, Data: data}
}
