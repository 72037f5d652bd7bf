package display

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
)

const (
	// StopMessage is the text message a client sends to stop the fusion loop.
	StopMessage = "stop"

	clientSendBuffer = 4
	writeWait        = time.Second
)

// ErrDisplayClosed denotes that a client tried to connect to a closed websocket display.
var ErrDisplayClosed = errors.New("websocket display is closed")

// Frame is the JSON message broadcast to websocket clients. Map is only set on every
// MapEveryNFrames-th frame and is base64 encoded by encoding/json.
type Frame struct {
	XMeters       float64 `json:"x_m"`
	YMeters       float64 `json:"y_m"`
	ThetaRadians  float64 `json:"theta_rad"`
	MapSizePixels int     `json:"map_size_pixels"`
	Map           []byte  `json:"map,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// WebSocket is a Display that broadcasts every pose to connected websocket clients. Any client
// may ask the fusion loop to stop by sending StopMessage.
type WebSocket struct {
	mapSizePixels   int
	mapEveryNFrames int
	logger          logging.Logger
	upgrader        websocket.Upgrader

	mu      sync.Mutex
	closed  bool
	clients map[*client]struct{}
	frames  int
	stopped atomic.Bool

	server                  *http.Server
	listener                net.Listener
	activeBackgroundWorkers sync.WaitGroup
}

// NewWebSocket returns the websocket display. It serves any request handed to ServeHTTP; call
// Start to listen on a port.
func NewWebSocket(mapSizePixels, mapEveryNFrames int, logger logging.Logger) *WebSocket {
	if mapEveryNFrames <= 0 {
		mapEveryNFrames = 1
	}
	return &WebSocket{
		mapSizePixels:   mapSizePixels,
		mapEveryNFrames: mapEveryNFrames,
		logger:          logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

// Start listens on port and serves the websocket at /ws. Port 0 picks a free port.
func (ws *WebSocket) Start(port int) error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return errors.Wrapf(err, "error listening for websocket clients on port %d", port)
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	ws.listener = listener
	ws.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ws.activeBackgroundWorkers.Add(1)
	go func() {
		defer ws.activeBackgroundWorkers.Done()
		if err := ws.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ws.logger.Warnw("websocket server stopped", "error", err)
		}
	}()
	ws.logger.Infow("serving websocket display", "addr", listener.Addr().String())
	return nil
}

// Addr returns the address the display is listening on, or nil before Start.
func (ws *WebSocket) Addr() net.Addr {
	if ws.listener == nil {
		return nil
	}
	return ws.listener.Addr()
}

// ServeHTTP upgrades the request to a websocket and registers the client. Requests that arrive
// once Close has started are refused.
func (ws *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if ws.isClosed() {
		http.Error(w, ErrDisplayClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		//nolint:errcheck
		conn.Close()
		return
	}
	ws.clients[c] = struct{}{}

	// registered under mu so Close never waits while a client is still being added
	ws.activeBackgroundWorkers.Add(2)
	go func() {
		defer ws.activeBackgroundWorkers.Done()
		ws.writePump(c)
	}()
	go func() {
		defer ws.activeBackgroundWorkers.Done()
		ws.readPump(c)
	}()
}

func (ws *WebSocket) readPump(c *client) {
	defer ws.unregister(c)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if string(msg) == StopMessage {
			ws.logger.Infow("websocket client asked to stop", "remote", c.conn.RemoteAddr().String())
			ws.stopped.Store(true)
		}
	}
}

func (ws *WebSocket) writePump(c *client) {
	for msg := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			ws.logger.Debugw("websocket write failed", "error", err)
			return
		}
	}
}

func (ws *WebSocket) unregister(c *client) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if _, ok := ws.clients[c]; ok {
		delete(ws.clients, c)
		close(c.send)
	}
	//nolint:errcheck
	c.conn.Close()
}

func (ws *WebSocket) isClosed() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.closed
}

// ClientCount returns the number of connected clients.
func (ws *WebSocket) ClientCount() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.clients)
}

// Display broadcasts the frame to every client. Clients that are not keeping up miss frames.
func (ws *WebSocket) Display(ctx context.Context, xMeters, yMeters, thetaRadians float64, mapBuffer []byte) (bool, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	frame := Frame{
		XMeters:       xMeters,
		YMeters:       yMeters,
		ThetaRadians:  thetaRadians,
		MapSizePixels: ws.mapSizePixels,
	}
	if ws.frames%ws.mapEveryNFrames == 0 {
		frame.Map = mapBuffer
	}
	ws.frames++

	msg, err := json.Marshal(frame)
	if err != nil {
		return !ws.stopped.Load(), err
	}
	for c := range ws.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
	return !ws.stopped.Load(), nil
}

// Close stops the server and disconnects every client.
func (ws *WebSocket) Close() error {
	ws.mu.Lock()
	ws.closed = true
	ws.mu.Unlock()

	var err error
	if ws.server != nil {
		err = ws.server.Close()
	}
	ws.mu.Lock()
	for c := range ws.clients {
		err = multierr.Combine(err, c.conn.Close())
	}
	ws.mu.Unlock()
	ws.activeBackgroundWorkers.Wait()
	return err
}
