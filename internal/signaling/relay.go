package signaling

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dchest/uniuri"
	"github.com/gorilla/websocket"
	"github.com/pires/go-proxyproto"
	"github.com/vishalkuo/bimap"

	"github.com/screenrelay/screenrelay/internal/util"
)

//go:embed viewer
var viewerFS embed.FS

const (
	relayPongWait   = 60 * time.Second
	relayPingPeriod = relayPongWait * 9 / 10
	relayMaxMessage = 64 * 1024
	relaySendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type relayClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Relay is the rendezvous server. Every text frame is forwarded to all other
// clients, except frames whose peerId is owned by another client, which go
// to that client only. A client owns the first peerId it sends.
type Relay struct {
	mu      sync.RWMutex
	clients map[string]*relayClient
	owners  *bimap.BiMap[string, string] // peerId -> client id
}

// NewRelay creates an empty relay.
func NewRelay() *Relay {
	return &Relay{
		clients: make(map[string]*relayClient),
		owners:  bimap.NewBiMap[string, string](),
	}
}

// Handler serves the websocket endpoint on /ws and the viewer page on /.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.handleWebSocket)

	static, err := fs.Sub(viewerFS, "viewer")
	if err != nil {
		panic(err)
	}
	mux.Handle("/", http.FileServer(http.FS(static)))
	return mux
}

// ListenAndServe runs the relay until ctx is done. With proxyProtocol set the
// listener accepts PROXY protocol headers from a fronting load balancer.
func (r *Relay) ListenAndServe(ctx context.Context, addr string, proxyProtocol bool) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if proxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}

	srv := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		r.closeAll()
	}()

	util.GetLogger().Info("Signaling relay listening", "addr", ln.Addr().String(), "proxy_protocol", proxyProtocol)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Clients returns the number of connected clients.
func (r *Relay) Clients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Relay) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		util.GetLogger().Warn("Failed to upgrade websocket", "remote", req.RemoteAddr, "error", err)
		return
	}

	c := &relayClient{
		id:   uniuri.NewLen(12),
		conn: conn,
		send: make(chan []byte, relaySendBuffer),
	}
	r.mu.Lock()
	r.clients[c.id] = c
	total := len(r.clients)
	r.mu.Unlock()
	util.GetLogger().Info("Relay client connected", "client", c.id, "remote", req.RemoteAddr, "total", total)

	go r.writePump(c)
	r.readPump(c)
}

func (r *Relay) readPump(c *relayClient) {
	defer r.remove(c)

	c.conn.SetReadLimit(relayMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				util.GetLogger().Debug("Relay read error", "client", c.id, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		r.route(c, data)
	}
}

func (r *Relay) writePump(c *relayClient) {
	ticker := time.NewTicker(relayPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Relay) route(from *relayClient, data []byte) {
	var envelope struct {
		PeerID string `json:"peerId"`
	}
	// unparseable frames are still relayed, receivers drop them
	_ = json.Unmarshal(data, &envelope)

	r.mu.Lock()
	defer r.mu.Unlock()

	if envelope.PeerID != "" {
		owner, owned := r.owners.Get(envelope.PeerID)
		switch {
		case owned && owner != from.id:
			if to, ok := r.clients[owner]; ok {
				r.deliverLocked(to, data)
				return
			}
		case !owned:
			if previous, ok := r.owners.GetInverse(from.id); ok {
				r.owners.Delete(previous)
			}
			r.owners.Insert(envelope.PeerID, from.id)
		}
	}

	for id, to := range r.clients {
		if id != from.id {
			r.deliverLocked(to, data)
		}
	}
}

func (r *Relay) deliverLocked(to *relayClient, data []byte) {
	select {
	case to.send <- data:
	default:
		util.GetLogger().Warn("Relay client too slow, dropping message", "client", to.id)
	}
}

func (r *Relay) remove(c *relayClient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.id]; !ok {
		return
	}
	delete(r.clients, c.id)
	if peerID, ok := r.owners.GetInverse(c.id); ok {
		r.owners.Delete(peerID)
	}
	close(c.send)
	util.GetLogger().Info("Relay client disconnected", "client", c.id, "total", len(r.clients))
}

func (r *Relay) closeAll() {
	r.mu.RLock()
	clients := make([]*relayClient, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}
