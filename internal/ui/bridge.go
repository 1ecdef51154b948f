package ui

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
	backlogSize    = 256
)

// Bridge serves records to browser frontends over a websocket. Each text
// frame out is one record; each text frame in is passed to invoke.
type Bridge struct {
	addr   string
	invoke func(string)
	logger *zap.Logger

	engine   *gin.Engine
	upgrader websocket.Upgrader
	queue    *Queue

	mu      sync.RWMutex
	clients map[string]*wsClient
	backlog []string
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan string
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// NewBridge creates a bridge listening on addr.
func NewBridge(addr string, invoke func(string), logger *zap.Logger) *Bridge {
	gin.SetMode(gin.ReleaseMode)

	b := &Bridge{
		addr:    addr,
		invoke:  invoke,
		logger:  logger,
		engine:  gin.New(),
		clients: make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local frontends are served from a different port.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	b.queue = NewQueue(b.broadcast)

	b.engine.Use(gin.Recovery())
	b.engine.GET("/healthz", b.handleHealth)
	b.engine.GET("/ws", b.handleWS)
	return b
}

// Handler returns the HTTP handler.
func (b *Bridge) Handler() http.Handler {
	return b.engine
}

// Deliver implements domain.Dispatcher.
func (b *Bridge) Deliver(record string) {
	b.queue.Deliver(record)
}

// Run serves until ctx is canceled.
func (b *Bridge) Run(ctx context.Context) error {
	srv := &http.Server{Addr: b.addr, Handler: b.engine, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("websocket bridge listening", zap.String("addr", b.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		b.queue.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	b.queue.Close()
	b.closeClients()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Clients returns the number of connected clients.
func (b *Bridge) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Bridge) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": b.Clients()})
}

func (b *Bridge) handleWS(c *gin.Context) {
	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{id: uuid.New().String(), conn: conn, send: make(chan string, sendBuffer)}

	// Register and replay under one lock so no record is missed or repeated.
	b.mu.Lock()
	for _, rec := range b.backlog {
		client.send <- rec
	}
	b.clients[client.id] = client
	b.mu.Unlock()

	b.logger.Info("websocket client connected", zap.String("client_id", client.id))

	go b.writePump(client)
	b.readPump(client)
}

func (b *Bridge) broadcast(record string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.backlog = append(b.backlog, record)
	if len(b.backlog) > backlogSize {
		b.backlog = b.backlog[len(b.backlog)-backlogSize:]
	}

	for id, client := range b.clients {
		select {
		case client.send <- record:
		default:
			b.logger.Warn("websocket client too slow, dropping", zap.String("client_id", id))
			delete(b.clients, id)
			client.close()
		}
	}
}

func (b *Bridge) unregister(client *wsClient) {
	b.mu.Lock()
	if _, ok := b.clients[client.id]; ok {
		delete(b.clients, client.id)
		client.close()
	}
	b.mu.Unlock()
}

func (b *Bridge) closeClients() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, client := range b.clients {
		delete(b.clients, id)
		client.close()
	}
}

func (b *Bridge) readPump(client *wsClient) {
	defer func() {
		b.unregister(client)
		client.conn.Close()
		b.logger.Info("websocket client disconnected", zap.String("client_id", client.id))
	}()

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug("websocket read error", zap.String("client_id", client.id), zap.Error(err))
			}
			return
		}
		if b.invoke != nil && len(msg) > 0 {
			b.invoke(string(msg))
		}
	}
}

func (b *Bridge) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case rec, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, []byte(rec)); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
