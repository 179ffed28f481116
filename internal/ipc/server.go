package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/austinkregel/local-media/nowplayingd/internal/media"
)

// Version is reported by ping
var Version = "dev"

// pushBuffer is the number of outbound messages queued per client before
// pushes to it are dropped
const pushBuffer = 64

// Backend is the media facade the server exposes
type Backend interface {
	Sessions() []media.AppID
	PlaybackState(app media.AppID) (media.PlaybackState, bool)
	FetchMetadata(ctx context.Context, app media.AppID) (*media.Metadata, error)
	IssueCommand(ctx context.Context, app media.AppID, cmd media.Command) error

	OnSessionsChanged(fn func(media.SessionDelta)) media.SubscriptionID
	OnMetadataAvailable(fn func(media.AppID)) media.SubscriptionID
	OnPlaybackChanged(fn func(media.PlaybackState)) media.SubscriptionID
	Unsubscribe(id media.SubscriptionID) bool
}

// Server handles IPC communication with clients
type Server struct {
	socketPath string
	backend    Backend
	logger     *zap.SugaredLogger

	listener net.Listener

	mu      sync.Mutex
	clients map[string]*client
}

// client is one connection. All writes go through out so that responses
// and pushes never interleave on the wire.
type client struct {
	id         string
	conn       net.Conn
	out        chan []byte
	done       chan struct{}
	subscribed atomic.Bool
}

// NewServer creates a new IPC server
func NewServer(socketPath string, backend Backend, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		socketPath: socketPath,
		backend:    backend,
		logger:     logger.Named("ipc"),
		clients:    make(map[string]*client),
	}
}

// Listen creates the socket
func (s *Server) Listen() error {
	s.logger.Infow("creating socket", "path", s.socketPath)
	l, err := listen(s.socketPath)
	if err != nil {
		return err
	}
	s.listener = l
	return nil
}

// Serve accepts connections until ctx is done. Listen must have succeeded.
func (s *Server) Serve(ctx context.Context) error {
	subs := []media.SubscriptionID{
		s.backend.OnSessionsChanged(func(d media.SessionDelta) { s.broadcast(PushSessions, d) }),
		s.backend.OnMetadataAvailable(func(app media.AppID) { s.broadcast(PushMetadata, MetadataPush{App: app}) }),
		s.backend.OnPlaybackChanged(func(p media.PlaybackState) { s.broadcast(PushPlayback, p) }),
	}
	defer func() {
		for _, id := range subs {
			s.backend.Unsubscribe(id)
		}
	}()

	s.logger.Info("server listening, waiting for connections")
	go s.acceptLoop(ctx)

	<-ctx.Done()

	s.logger.Info("shutting down server")
	s.listener.Close()

	s.mu.Lock()
	clientCount := len(s.clients)
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	cleanupSocket(s.socketPath)
	s.logger.Infow("server stopped", "closedClients", clientCount)
	return nil
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warnw("accept error", "error", err)
			continue
		}

		c := &client{
			id:   uuid.NewString(),
			conn: conn,
			out:  make(chan []byte, pushBuffer),
			done: make(chan struct{}),
		}

		s.mu.Lock()
		s.clients[c.id] = c
		clientCount := len(s.clients)
		s.mu.Unlock()

		s.logger.Debugw("client connected", "client", c.id, "clients", clientCount)

		go s.writeLoop(c)
		go s.handleConnection(ctx, c)
	}
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if _, err := c.conn.Write(append(msg, '\n')); err != nil {
				s.logger.Debugw("write error", "client", c.id, "error", err)
				c.conn.Close()
				return
			}
		}
	}
}

func (s *Server) handleConnection(ctx context.Context, c *client) {
	defer func() {
		close(c.done)
		c.conn.Close()
		s.mu.Lock()
		delete(s.clients, c.id)
		clientCount := len(s.clients)
		s.mu.Unlock()
		s.logger.Debugw("client disconnected", "client", c.id, "clients", clientCount)
	}()

	reader := bufio.NewReader(c.conn)

	for {
		// Read line (newline-delimited JSON)
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.logger.Debugw("read error", "client", c.id, "error", err)
			}
			return
		}

		req, err := DecodeRequest(line)
		if err != nil {
			s.logger.Debugw("invalid request format", "client", c.id, "error", err)
			s.send(ctx, c, NewErrorResponse("invalid request format"))
			continue
		}

		s.logger.Debugw("command", "client", c.id, "cmd", req.Cmd)
		resp := s.handleRequest(ctx, c, req)
		if !resp.Success {
			s.logger.Debugw("command failed", "client", c.id, "cmd", req.Cmd, "error", resp.Error)
		}

		if !s.send(ctx, c, resp) {
			return
		}
	}
}

// send queues a response. It blocks, unlike pushes, so a slow reader only
// slows down its own requests.
func (s *Server) send(ctx context.Context, c *client, resp *Response) bool {
	data, err := EncodeResponse(resp)
	if err != nil {
		s.logger.Errorw("failed to encode response", "error", err)
		return false
	}
	select {
	case c.out <- data:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// broadcast sends a push to every subscribed client. It runs on the media
// registry's goroutine and never blocks.
func (s *Server) broadcast(msgType string, data interface{}) {
	msg, err := NewPushMessage(msgType, data)
	if err != nil {
		s.logger.Errorw("failed to encode push", "type", msgType, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		if !c.subscribed.Load() {
			continue
		}
		select {
		case c.out <- msg:
		default:
			s.logger.Warnw("client too slow, dropping push", "client", c.id, "type", msgType)
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, c *client, req *Request) *Response {
	switch req.Cmd {
	case CmdPing:
		return s.success(PingResponse{Version: Version, Sessions: len(s.backend.Sessions()), Clients: s.ClientCount()})
	case CmdSessions:
		return s.handleSessions()
	case CmdMetadata:
		return s.handleMetadata(ctx, req)
	case CmdCommand:
		return s.handleCommand(ctx, req)
	case CmdSubscribe:
		c.subscribed.Store(true)
		return s.success(nil)
	case CmdUnsubscribe:
		c.subscribed.Store(false)
		return s.success(nil)
	default:
		return NewErrorResponse("unknown command: " + string(req.Cmd))
	}
}

func (s *Server) handleSessions() *Response {
	apps := s.backend.Sessions()
	states := make([]media.PlaybackState, 0, len(apps))
	for _, app := range apps {
		state, ok := s.backend.PlaybackState(app)
		if !ok {
			// removed since the listing
			continue
		}
		states = append(states, state)
	}
	return s.success(states)
}

func (s *Server) handleMetadata(ctx context.Context, req *Request) *Response {
	var appReq AppRequest
	if err := json.Unmarshal(req.Data, &appReq); err != nil || appReq.App == "" {
		return NewErrorResponse("invalid metadata request")
	}

	m, err := s.backend.FetchMetadata(ctx, appReq.App)
	if errors.Is(err, media.ErrNotFound) {
		return NewErrorResponse(ErrNotFoundMessage)
	}
	if err != nil {
		return NewErrorResponse(err.Error())
	}
	return s.success(m)
}

func (s *Server) handleCommand(ctx context.Context, req *Request) *Response {
	var cmdReq CommandRequest
	if err := json.Unmarshal(req.Data, &cmdReq); err != nil || cmdReq.App == "" {
		return NewErrorResponse("invalid command request")
	}
	cmd, err := media.ParseCommand(cmdReq.Action)
	if err != nil {
		return NewErrorResponse(err.Error())
	}

	err = s.backend.IssueCommand(ctx, cmdReq.App, cmd)
	if errors.Is(err, media.ErrNotFound) {
		return NewErrorResponse(ErrNotFoundMessage)
	}
	if err != nil {
		return NewErrorResponse(err.Error())
	}
	return s.success(nil)
}

func (s *Server) success(data interface{}) *Response {
	resp, err := NewSuccessResponse(data)
	if err != nil {
		s.logger.Errorw("failed to encode response data", "error", err)
		return NewErrorResponse("internal error")
	}
	return resp
}
