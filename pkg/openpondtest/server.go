package openpondtest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openpond/openpond-sdk-go/pkg/auth"
	"github.com/openpond/openpond-sdk-go/pkg/logging"
	"github.com/openpond/openpond-sdk-go/pkg/protocol"
	"github.com/openpond/openpond-sdk-go/pkg/transport"
)

// Server is an in-memory OpenPond API served over HTTP.
type Server struct {
	server    *httptest.Server
	logger    logging.Logger
	heartbeat time.Duration
	now       func() time.Time

	mu        sync.RWMutex
	agents    map[string]protocol.Agent
	apiKeys   map[string]string
	mailboxes map[string][]protocol.Message
	seq       int
	noStream  bool

	streamMu sync.RWMutex
	streams  map[string]*streamConn
}

// streamConn is one open /messages/stream response.
type streamConn struct {
	agentID string
	flusher http.Flusher
	writer  http.ResponseWriter
	closeCh chan struct{}
	once    sync.Once

	mu     sync.Mutex // serialises writes
	closed bool       // set once the handler has returned
}

func (c *streamConn) close() {
	c.once.Do(func() { close(c.closeCh) })
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKey lets requests carrying key act as agentID. The agent is
// created if needed.
func WithAPIKey(key, agentID string) Option {
	return func(s *Server) {
		agentID = strings.ToLower(agentID)
		s.apiKeys[key] = agentID
		if _, ok := s.agents[agentID]; !ok {
			s.agents[agentID] = protocol.Agent{ID: agentID}
		}
	}
}

// WithHeartbeat sets how often open streams receive a keep-alive comment.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeat = d
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithClock sets the source of message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer starts a server. Callers must Close it.
func NewServer(opts ...Option) *Server {
	s := &Server{
		heartbeat: 15 * time.Second,
		now:       time.Now,
		agents:    make(map[string]protocol.Agent),
		apiKeys:   make(map[string]string),
		mailboxes: make(map[string][]protocol.Message),
		streams:   make(map[string]*streamConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}
	if s.heartbeat <= 0 {
		s.heartbeat = 15 * time.Second
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+transport.PathRegister, s.handleRegister)
	mux.HandleFunc("GET "+transport.PathAgents, s.handleListAgents)
	mux.HandleFunc("GET "+transport.PathAgents+"/{id}", s.handleGetAgent)
	mux.HandleFunc("POST "+transport.PathMessages, s.handleSend)
	mux.HandleFunc("GET "+transport.PathMessages, s.handlePoll)
	mux.HandleFunc("GET "+transport.PathStream, s.handleStream)
	s.server = httptest.NewServer(mux)
	return s
}

// URL is the base URL to configure clients with.
func (s *Server) URL() string {
	return s.server.URL
}

// Close ends every open stream and shuts the server down.
func (s *Server) Close() {
	s.DropStreams()
	s.server.Close()
}

// Deliver stores msg for its recipient as if another agent had sent it and
// pushes it to the recipient's open streams. Empty ids and timestamps are
// filled in. It returns the stored message.
func (s *Server) Deliver(msg protocol.Message) protocol.Message {
	msg.Recipient = strings.ToLower(msg.Recipient)

	s.mu.Lock()
	s.seq++
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("msg-%06d", s.seq)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	s.mailboxes[msg.Recipient] = append(s.mailboxes[msg.Recipient], msg)
	s.mu.Unlock()

	s.broadcast(msg.Recipient, "message", msg)
	return msg
}

// DropStreams closes every open stream without a close event, as a network
// failure would.
func (s *Server) DropStreams() {
	s.streamMu.RLock()
	defer s.streamMu.RUnlock()
	for _, conn := range s.streams {
		conn.close()
	}
}

// SetStreamAvailable makes the stream endpoint answer 503 when false.
func (s *Server) SetStreamAvailable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noStream = !ok
}

// StreamCount reports how many streams are open.
func (s *Server) StreamCount() int {
	s.streamMu.RLock()
	defer s.streamMu.RUnlock()
	return len(s.streams)
}

// Agent returns a registered agent.
func (s *Server) Agent(id string) (protocol.Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[strings.ToLower(id)]
	return a, ok
}

// Mailbox returns every message stored for recipient.
func (s *Server) Mailbox(recipient string) []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.Message(nil), s.mailboxes[strings.ToLower(recipient)]...)
}

// authenticate returns the agent a request acts for.
func (s *Server) authenticate(r *http.Request, body []byte) (string, error) {
	if key := r.Header.Get(auth.HeaderAPIKey); key != "" {
		s.mu.RLock()
		id, ok := s.apiKeys[key]
		s.mu.RUnlock()
		if !ok {
			return "", fmt.Errorf("unknown API key")
		}
		return id, nil
	}

	agentID := strings.ToLower(r.Header.Get(auth.HeaderAgentID))
	if agentID == "" {
		return "", fmt.Errorf("missing credentials")
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(r.Header.Get(auth.HeaderSignature), "0x"))
	if err != nil {
		return "", fmt.Errorf("malformed signature")
	}
	payload := auth.SigningPayload(body, r.Header.Get(auth.HeaderNonce), r.Header.Get(auth.HeaderTimestamp))
	signer, err := auth.RecoverAddress(payload, sig)
	if err != nil || !strings.EqualFold(signer, agentID) {
		return "", fmt.Errorf("signature does not match agent")
	}
	return agentID, nil
}

func (s *Server) readAuthenticated(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return nil, "", false
	}
	agentID, err := s.authenticate(r, body)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return nil, "", false
	}
	return body, agentID, true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, agentID, ok := s.readAuthenticated(w, r)
	if !ok {
		return
	}
	var req protocol.RegisterRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Address != "" && !strings.EqualFold(req.Address, agentID) {
		writeError(w, http.StatusForbidden, "address does not match signer")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agentID]; exists {
		writeError(w, http.StatusConflict, "agent already registered")
		return
	}
	s.agents[agentID] = protocol.Agent{ID: agentID, Name: req.Name, Metadata: req.Metadata}
	s.logger.Debug("agent registered", logging.String("agent_id", agentID), logging.String("name", req.Name))
	writeJSON(w, http.StatusCreated, s.agents[agentID])
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.readAuthenticated(w, r); !ok {
		return
	}
	s.mu.RLock()
	agents := make([]protocol.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	s.mu.RUnlock()
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := s.readAuthenticated(w, r); !ok {
		return
	}
	agent, ok := s.Agent(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	body, sender, ok := s.readAuthenticated(w, r)
	if !ok {
		return
	}
	var req protocol.SendRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Recipient == "" {
		writeError(w, http.StatusBadRequest, "recipient is required")
		return
	}

	msg := s.Deliver(protocol.Message{
		Sender:    sender,
		Recipient: strings.ToLower(req.Recipient),
		Content:   req.Content,
		ReplyTo:   req.ReplyTo,
		Metadata:  req.Metadata,
	})
	writeJSON(w, http.StatusOK, map[string]string{"messageId": msg.ID})
}

// handlePoll returns the caller's messages after the since id, or all of
// them when since is empty or unknown.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	_, agentID, ok := s.readAuthenticated(w, r)
	if !ok {
		return
	}
	since := r.URL.Query().Get("since")

	s.mu.RLock()
	box := s.mailboxes[agentID]
	start := 0
	for i, m := range box {
		if m.ID == since {
			start = i + 1
			break
		}
	}
	out := append([]protocol.Message{}, box[start:]...)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	_, agentID, ok := s.readAuthenticated(w, r)
	if !ok {
		return
	}
	s.mu.RLock()
	unavailable := s.noStream
	s.mu.RUnlock()
	if unavailable {
		writeError(w, http.StatusServiceUnavailable, "streaming unavailable")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	connectionID := uuid.NewString()
	conn := &streamConn{
		agentID: agentID,
		flusher: flusher,
		writer:  w,
		closeCh: make(chan struct{}),
	}

	s.streamMu.Lock()
	s.streams[connectionID] = conn
	s.streamMu.Unlock()

	defer func() {
		s.streamMu.Lock()
		delete(s.streams, connectionID)
		s.streamMu.Unlock()
		conn.close()
		conn.mu.Lock()
		conn.closed = true
		conn.mu.Unlock()
	}()

	s.logger.Debug("stream opened", logging.String("agent_id", agentID), logging.String("connection_id", connectionID))

	// Keep the connection alive by sending a comment periodically
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.closeCh:
			return
		case <-ticker.C:
			conn.mu.Lock()
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
			conn.mu.Unlock()
		}
	}
}

// broadcast sends an event to every stream open for agentID.
func (s *Server) broadcast(agentID, eventType string, data any) {
	s.streamMu.RLock()
	conns := make([]*streamConn, 0, len(s.streams))
	for _, conn := range s.streams {
		if conn.agentID == agentID {
			conns = append(conns, conn)
		}
	}
	s.streamMu.RUnlock()

	for _, conn := range conns {
		s.sendEvent(conn, eventType, data)
	}
}

func (s *Server) sendEvent(conn *streamConn, eventType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("cannot encode event", logging.ErrorField(err))
		return
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return
	}
	fmt.Fprintf(conn.writer, "event: %s\n", eventType)
	fmt.Fprintf(conn.writer, "data: %s\n\n", payload)
	conn.flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": status, "message": message})
}
