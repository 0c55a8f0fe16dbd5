package wsserver

import (
	"bufio"
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// json is configured once for the whole package: jsoniter's
// ConfigCompatibleWithStandardLibrary matches encoding/json's field tag
// semantics, so struct types built against encoding/json work unmodified.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OpenHandler is invoked once a Client has completed the opening handshake
// and is registered (spec §4.3 on_open).
type OpenHandler func(*Server, *Client)

// CloseHandler is invoked once a Client's connection has ended, for any
// reason (spec §4.3 on_close).
type CloseHandler func(*Server, *Client, CloseCode, string)

// MessageHandler is invoked for each logically complete inbound message
// (spec §4.3 on_message).
type MessageHandler func(*Server, *Client, Message)

// LoopHandler is invoked repeatedly on a fixed interval for as long as the
// server runs (spec §4.3 loop), independent of any one connection. It mirrors
// the original implementation's main-thread loop that ticks once a second
// regardless of client activity.
type LoopHandler func(*Server)

// Config configures a Server (spec §3, supplemented by §10/§11 ambient
// concerns). The zero value is valid except for Host/Port.
type Config struct {
	// Host and Port are the TCP address to listen on.
	Host string
	Port int

	// TextAsString, if set, decodes TextFrame payloads to Message.Text
	// instead of leaving Message.Data populated. See spec §3.
	TextAsString bool

	// MaxMessageSize caps the total reassembled size of a (possibly
	// fragmented) message. Zero means no cap beyond the implementation's
	// internal per-frame ceiling.
	MaxMessageSize int64

	// LoopInterval is how often LoopHandler fires. Defaults to one second
	// if zero and a LoopHandler has been registered.
	LoopInterval time.Duration

	// Debug enables debug-level zerolog output (connection lifecycle,
	// handshake and write failures). Off by default, matching the teacher's
	// info-level-by-default logging.
	Debug bool
}

// Server accepts TCP connections, performs the WebSocket opening handshake
// on each, and dispatches frames to registered handlers (spec §3).
//
// Unlike the teacher's Hub, which coordinates goroutines over channels and
// a sync.WaitGroup, Server drives its accept loop, per-client workers, and
// optional ticker through a single errgroup.Group tied to one
// context.Context. Stop sends each client a close frame with a read deadline,
// closes the listener to end the accept loop, cancels the context to end the
// ticker, and then waits on the group.
type Server struct {
	cfg Config

	mu       sync.RWMutex
	listener net.Listener
	clients  map[uint64]*Client
	running  bool

	onOpen    OpenHandler
	onClose   CloseHandler
	onMessage MessageHandler
	onLoop    LoopHandler

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewServer constructs a Server from cfg. It does not start listening;
// call Start for that.
func NewServer(cfg Config) *Server {
	return &Server{
		cfg:     cfg,
		clients: make(map[uint64]*Client),
	}
}

// OnOpen registers the handler invoked when a client finishes the opening
// handshake (spec §4.3).
func (s *Server) OnOpen(h OpenHandler) { s.onOpen = h }

// OnClose registers the handler invoked when a client's connection ends
// (spec §4.3).
func (s *Server) OnClose(h CloseHandler) { s.onClose = h }

// OnMessage registers the handler invoked for each complete inbound message
// (spec §4.3).
func (s *Server) OnMessage(h MessageHandler) { s.onMessage = h }

// OnLoop registers the handler invoked on Config.LoopInterval for the life
// of the server (spec §4.3).
func (s *Server) OnLoop(h LoopHandler) { s.onLoop = h }

// SetHandler registers a handler by name, mirroring the original
// implementation's set_special_handler("on_open" | "on_close" |
// "on_message" | "loop", fn). It exists alongside the typed OnOpen/OnClose/
// OnMessage/OnLoop methods for callers that build their handler table from
// a name rather than calling each setter directly.
func (s *Server) SetHandler(name string, fn any) error {
	switch name {
	case "on_open":
		h, ok := fn.(OpenHandler)
		if !ok {
			return fmt.Errorf("wsserver: on_open handler has wrong type")
		}
		s.OnOpen(h)
	case "on_close":
		h, ok := fn.(CloseHandler)
		if !ok {
			return fmt.Errorf("wsserver: on_close handler has wrong type")
		}
		s.OnClose(h)
	case "on_message":
		h, ok := fn.(MessageHandler)
		if !ok {
			return fmt.Errorf("wsserver: on_message handler has wrong type")
		}
		s.OnMessage(h)
	case "loop":
		h, ok := fn.(LoopHandler)
		if !ok {
			return fmt.Errorf("wsserver: loop handler has wrong type")
		}
		s.OnLoop(h)
	default:
		return ErrUnknownHandler
	}
	return nil
}

// Start binds the listener and begins accepting connections. It returns
// once the listener is bound; the accept loop runs in the background until
// Stop is called or the listener fails.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("wsserver: listen %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	s.listener = ln
	s.running = true
	s.cancel = cancel
	s.group = group
	s.mu.Unlock()

	if s.cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Info().Str("addr", addr).Msg("wsserver listening")

	group.Go(func() error {
		return s.acceptLoop(gctx)
	})

	if s.onLoop != nil {
		group.Go(func() error {
			return s.loopTicker(gctx)
		})
	}

	return nil
}

// Stop closes the listener, sends a going-away close frame to every
// connected client, and waits for their read loops to exit before returning.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	ln := s.listener
	cancel := s.cancel
	group := s.group
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.closeIdle(CloseGoingAway, "server shutting down")
	}

	_ = ln.Close()
	cancel()
	err := group.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// acceptLoop accepts connections until ctx is cancelled, handing each off
// to its own goroutine within the same errgroup (spec §3: per-client
// workers).
func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Debug().Err(err).Msg("accept failed")
				return nil
			}
		}

		s.group.Go(func() error {
			s.handleConnection(conn)
			return nil
		})
	}
}

// loopTicker fires onLoop on Config.LoopInterval until ctx is cancelled
// (spec §4.3 loop).
func (s *Server) loopTicker(ctx context.Context) error {
	interval := s.cfg.LoopInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.onLoop(s)
		}
	}
}

// handleConnection performs the opening handshake on conn and, if it
// succeeds, registers a Client and runs its read loop to completion.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	req, err := readHandshake(reader)
	if err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("handshake read failed")
		return
	}

	if err := validateHandshake(req); err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("handshake rejected")
		_, _ = conn.Write(buildRejectionResponse(err))
		return
	}

	accept := computeAcceptKey(req.key)
	if _, err := conn.Write(buildSwitchingProtocolsResponse(accept)); err != nil {
		log.Debug().Err(err).Msg("handshake response write failed")
		return
	}

	client := &Client{
		id:             s.newClientID(),
		conn:           conn,
		reader:         reader,
		writer:         bufio.NewWriter(conn),
		closed:         make(chan struct{}),
		maxMessageSize: s.cfg.MaxMessageSize,
	}

	s.register(client)
	log.Debug().Uint64("client_id", client.id).Str("remote", conn.RemoteAddr().String()).Msg("client connected")

	if s.onOpen != nil {
		s.invokeOpen(client)
	}

	code, reason := client.runReadLoop(s)

	s.unregister(client.id)
	log.Debug().Uint64("client_id", client.id).Uint16("close_code", uint16(code)).Msg("client disconnected")

	if s.onClose != nil {
		s.invokeClose(client, code, reason)
	}
}

// newClientID draws a random, non-zero client_id and retries on a registry
// collision, matching the original implementation's approach of picking a
// random ID rather than a counter (so IDs don't reveal connection order or
// count).
func (s *Server) newClientID() uint64 {
	for {
		id := rand.Uint64()
		if id == 0 {
			continue
		}
		s.mu.RLock()
		_, taken := s.clients[id]
		s.mu.RUnlock()
		if !taken {
			return id
		}
	}
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
}

func (s *Server) unregister(id uint64) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// client looks up a connected Client by ID.
func (s *Server) client(id uint64) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	return c, ok
}

// ListenAddr returns the address the listener is bound to, or "" if the
// server has not been started. Useful with Config.Port 0, which asks the
// kernel to pick an ephemeral port.
func (s *Server) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ClientCount returns the number of currently connected clients (spec §12).
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Clients calls fn for each connected client, stopping early if fn returns
// false (spec §12 supplement, mirroring the teacher's enumeration style
// without exposing the registry map itself).
func (s *Server) Clients(fn func(*Client) bool) {
	s.mu.RLock()
	snapshot := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		snapshot = append(snapshot, c)
	}
	s.mu.RUnlock()

	for _, c := range snapshot {
		if !fn(c) {
			return
		}
	}
}

// SendBytes sends payload to the client identified by id as a single
// unfragmented frame of the given kind (spec §4.4 send_bytes).
func (s *Server) SendBytes(id uint64, payload []byte, kind FrameKind) error {
	if kind != TextFrame && kind != BinaryFrame {
		return ErrInvalidFrameKind
	}
	c, ok := s.client(id)
	if !ok {
		return ErrUnknownClient
	}
	if c.isClosed() {
		return ErrClosed
	}
	return c.writeData(kind.opcode(), payload)
}

// SendText sends a UTF-8 string to the client identified by id (spec §4.4
// send_string).
func (s *Server) SendText(id uint64, text string) error {
	return s.SendBytes(id, []byte(text), TextFrame)
}

// SendJSON marshals v with the package's jsoniter codec and sends it as a
// text frame (spec §4.4 send_json).
func (s *Server) SendJSON(id uint64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsserver: marshal json: %w", err)
	}
	return s.SendBytes(id, data, TextFrame)
}

// Ping sends a ping control frame to the client identified by id (spec §12
// supplement; pong replies are handled automatically by the read loop and
// never reach OnMessage).
func (s *Server) Ping(id uint64, payload []byte) error {
	c, ok := s.client(id)
	if !ok {
		return ErrUnknownClient
	}
	if c.isClosed() {
		return ErrClosed
	}
	return c.writeControl(opcodePing, payload)
}

// Broadcast sends payload to every connected client (spec §4.4
// send_to_all), skipping any that error rather than aborting the loop.
func (s *Server) Broadcast(payload []byte, kind FrameKind) {
	s.Clients(func(c *Client) bool {
		if err := c.writeData(kind.opcode(), payload); err != nil {
			log.Debug().Err(err).Uint64("client_id", c.id).Msg("broadcast write failed")
		}
		return true
	})
}

// BroadcastText sends a UTF-8 string to every connected client.
func (s *Server) BroadcastText(text string) {
	s.Broadcast([]byte(text), TextFrame)
}

// BroadcastJSON marshals v and sends it as a text frame to every connected
// client.
func (s *Server) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsserver: marshal json: %w", err)
	}
	s.Broadcast(data, TextFrame)
	return nil
}

// dispatchMessage applies Config.TextAsString before handing msg to
// onMessage (spec §3).
func (s *Server) dispatchMessage(c *Client, msg Message) {
	if s.cfg.TextAsString && msg.Type == TextFrame {
		msg.Text = string(msg.Data)
		msg.Data = nil
	}
	if s.onMessage == nil {
		return
	}
	s.invokeMessage(c, msg)
}

// invokeOpen, invokeClose and invokeMessage each recover a panicking handler
// so one misbehaving callback cannot take the whole server down (spec §9:
// handler panics are contained to the connection that triggered them).
func (s *Server) invokeOpen(c *Client) {
	defer s.recoverHandler("on_open", c.id)
	s.onOpen(s, c)
}

func (s *Server) invokeClose(c *Client, code CloseCode, reason string) {
	defer s.recoverHandler("on_close", c.id)
	s.onClose(s, c, code, reason)
}

func (s *Server) invokeMessage(c *Client, msg Message) {
	defer s.recoverHandler("on_message", c.id)
	s.onMessage(s, c, msg)
}

func (s *Server) recoverHandler(name string, clientID uint64) {
	if r := recover(); r != nil {
		log.Error().Interface("panic", r).Str("handler", name).Uint64("client_id", clientID).Msg("handler panicked")
	}
}
