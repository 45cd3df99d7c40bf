package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"c2dagent/internal/logging"
	"c2dagent/internal/recorder"
)

const (
	writeWait = 10 * time.Second
	// sendQueue 是每个连接可积压的消息数，写满即视为慢客户端。
	sendQueue = 16
)

// Update 是推送给 websocket 客户端的消息。
type Update struct {
	Type    string              `json:"type"`
	Job     *recorder.JobRecord `json:"job,omitempty"`
	History recorder.JobHistory `json:"history"`
}

// client 是一个 websocket 连接及其发送队列，由独立的写协程消费。
type client struct {
	conn *websocket.Conn
	send chan any
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan any, sendQueue),
		done: make(chan struct{}),
	}
}

// enqueue 非阻塞入队；连接已关闭或队列已满时返回 false。
func (c *client) enqueue(v any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- v:
		return true
	default:
		return false
	}
}

// close 关闭连接并停止写协程，可重复调用。
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writeLoop 按入队顺序写出消息，写失败或连接关闭时退出。
func (c *client) writeLoop(h *Hub) {
	defer h.remove(c)
	for {
		select {
		case v := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(v); err != nil {
				h.log.Warnf("websocket send: %v", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Hub 管理 websocket 连接，并推送新落盘的作业记录。
type Hub struct {
	history  func(context.Context) (recorder.JobHistory, error)
	upgrader websocket.Upgrader
	log      logging.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub 创建推送中心；history 提供连接建立时发送的快照。
func NewHub(history func(context.Context) (recorder.JobHistory, error), log logging.Logger) *Hub {
	return &Hub{
		history: history,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     logging.Default(log),
		clients: make(map[*client]struct{}),
	}
}

// ServeWS 升级连接，先排入历史快照再登记客户端。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade: %v", err)
		return
	}
	c := newClient(conn)

	if h.history != nil {
		hist, err := h.history(r.Context())
		if err != nil {
			h.log.Warnf("websocket snapshot: %v", err)
		} else {
			c.enqueue(Update{Type: "snapshot", History: hist})
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Infof("websocket client connected, total %d", n)

	go c.writeLoop(h)
	go func() {
		defer h.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	if ok {
		h.log.Infof("websocket client disconnected, total %d", n)
	}
}

// Publish 广播一条落盘记录，可直接注册为记录器的 OnPersist 钩子。
func (h *Hub) Publish(rec recorder.JobRecord, hist recorder.JobHistory) {
	h.Broadcast(Update{Type: "job_persisted", Job: &rec, History: hist})
}

// Broadcast 把消息排入每个客户端的队列，不等待写出；队列已满的客户端被断开。
func (h *Hub) Broadcast(v any) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.enqueue(v) {
			h.log.Warnf("websocket client too slow, disconnecting")
			h.remove(c)
		}
	}
}

// ClientCount 返回当前连接数。
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close 断开所有客户端。
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}
