package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fedmail/node/internal/auth/jwt"
	"fedmail/node/internal/domain"
)

// AddressLookup 根据主体查询其在本节点绑定的邮箱地址。
type AddressLookup interface {
	AddressOf(p domain.Principal) (string, bool)
}

// ConnectionGauge 记录当前活跃的WebSocket连接数。
type ConnectionGauge interface {
	Inc()
	Dec()
}

type nopGauge struct{}

func (nopGauge) Inc() {}
func (nopGauge) Dec() {}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// 如果允许所有来源
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			// 获取请求的 Origin
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 如果没有 Origin，检查是否是同源请求
				return true
			}

			// 检查 Origin 是否在允许列表中
			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}

			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeNewMail     MessageType = "new_mail"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message WebSocket消息
type Message struct {
	Type      MessageType `json:"type"`
	Address   string      `json:"address,omitempty"`
	MailID    string      `json:"mailId,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Client 一个已认证的WebSocket客户端。
type Client struct {
	ID        string
	Principal domain.Principal
	Address   string

	conn      *websocket.Conn
	hub       *Hub
	send      chan []byte
	addresses map[string]bool
	mu        sync.Mutex
	log       *zap.Logger
}

// Hub 管理所有WebSocket客户端，按邮箱地址分组推送新邮件通知。
type Hub struct {
	clients   map[string]*Client
	addresses map[string]map[string]*Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message

	jwtManager     *jwt.Manager
	lookup         AddressLookup
	allowedOrigins []string
	gauge          ConnectionGauge

	mu  sync.RWMutex
	log *zap.Logger
}

// NewHub 创建WebSocket Hub
func NewHub(jwtManager *jwt.Manager, lookup AddressLookup, allowedOrigins []string, log *zap.Logger) *Hub {
	return &Hub{
		clients:        make(map[string]*Client),
		addresses:      make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *Message, 64),
		jwtManager:     jwtManager,
		lookup:         lookup,
		allowedOrigins: allowedOrigins,
		gauge:          nopGauge{},
		log:            log,
	}
}

// WithGauge 设置连接数指标
func (h *Hub) WithGauge(g ConnectionGauge) *Hub {
	h.gauge = g
	return h
}

// Run 运行Hub的主循环，直到上下文取消。
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub shutting down")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.gauge.Inc()
			h.log.Info("client registered",
				zap.String("clientID", client.ID),
				zap.String("principal", client.Principal.String()))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastToAddress(msg)
		}
	}
}

// NotifyNewMail 向订阅了指定地址的客户端推送新邮件通知。
func (h *Hub) NotifyNewMail(address string) {
	msg := &Message{
		Type:      MessageTypeNewMail,
		Address:   strings.ToLower(address),
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("broadcast channel full, dropping notification",
			zap.String("address", address))
	}
}

// broadcastToAddress 把消息发给该地址的所有订阅客户端
func (h *Hub) broadcastToAddress(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.addresses[msg.Address]))
	for _, client := range h.addresses[msg.Address] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			h.log.Warn("client channel blocked, dropping message",
				zap.String("clientID", client.ID))
		}
	}
}

// removeClient 注销客户端并清理订阅
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, exists := h.clients[client.ID]; !exists {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.ID)
	for address := range client.addresses {
		if subs, exists := h.addresses[address]; exists {
			delete(subs, client.ID)
			if len(subs) == 0 {
				delete(h.addresses, address)
			}
		}
	}
	h.mu.Unlock()

	close(client.send)
	h.gauge.Dec()
	h.log.Info("client unregistered", zap.String("clientID", client.ID))
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[string]*Client)
	h.addresses = make(map[string]map[string]*Client)
	h.mu.Unlock()

	for _, client := range clients {
		close(client.send)
		client.conn.Close()
		h.gauge.Dec()
	}
}

// authenticateClient 认证WebSocket客户端并解析其邮箱地址。
// 支持 JWT（查询参数或 Bearer 头）与 x-principal 头两种方式。
func (h *Hub) authenticateClient(c *gin.Context) (*Client, error) {
	var principal domain.Principal

	token := c.Query("token")
	if token == "" {
		auth := c.GetHeader("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}

	if token != "" {
		claims, err := h.jwtManager.ValidateToken(token)
		if err != nil {
			return nil, err
		}
		principal = domain.Principal(claims.Principal)
	} else if p := c.GetHeader("x-principal"); p != "" {
		principal = domain.Principal(p)
	}

	if principal.IsAnonymous() {
		return nil, errors.New("authentication required")
	}

	address, ok := h.lookup.AddressOf(principal)
	if !ok {
		return nil, errors.New("no mailbox bound to caller")
	}

	client := &Client{
		ID:        uuid.New().String(),
		Principal: principal,
		Address:   strings.ToLower(address),
		addresses: make(map[string]bool),
		log:       h.log,
	}

	h.log.Info("websocket authentication successful",
		zap.String("principal", principal.String()),
		zap.String("address", client.Address))

	return client, nil
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	// 使用 Hub 配置的允许 Origin 创建 upgrader
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		// 认证客户端
		client, err := hub.authenticateClient(c)
		if err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		// 升级连接
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		// 设置连接和Hub
		client.conn = conn
		client.hub = hub
		client.send = make(chan []byte, 256)

		// 注册客户端并自动订阅其绑定地址
		hub.register <- client
		client.subscribeAddress(client.Address)

		// 启动读写协程
		go client.writePump()
		go client.readPump()
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket error", zap.Error(err))
			}
			break
		}

		// 处理消息
		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			c.conn.WriteMessage(websocket.TextMessage, message)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribeAddress(msg.Address)
	case MessageTypeUnsubscribe:
		c.unsubscribeAddress(msg.Address)
	case MessageTypePong:
		// 客户端响应pong，更新活动时间
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	default:
		c.log.Warn("unknown message type", zap.String("type", string(msg.Type)))
	}
}

// subscribeAddress 订阅邮箱地址，只允许订阅自己绑定的地址。
func (c *Client) subscribeAddress(address string) {
	address = strings.ToLower(address)
	if address == "" {
		c.sendError("address is required")
		return
	}

	if address != c.Address {
		c.log.Warn("subscription denied: no permission",
			zap.String("clientID", c.ID),
			zap.String("address", address))
		c.sendError("no permission to subscribe address: " + address)
		return
	}

	c.mu.Lock()
	c.addresses[address] = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	if c.hub.addresses[address] == nil {
		c.hub.addresses[address] = make(map[string]*Client)
	}
	c.hub.addresses[address][c.ID] = c
	c.hub.mu.Unlock()

	c.log.Info("subscribed to address",
		zap.String("clientID", c.ID),
		zap.String("address", address))

	// 发送订阅成功确认
	c.sendMessage(&Message{
		Type:      MessageTypeSubscribed,
		Address:   address,
		Timestamp: time.Now(),
	})
}

// unsubscribeAddress 取消订阅
func (c *Client) unsubscribeAddress(address string) {
	address = strings.ToLower(address)

	c.mu.Lock()
	delete(c.addresses, address)
	c.mu.Unlock()

	c.hub.mu.Lock()
	if clients, exists := c.hub.addresses[address]; exists {
		delete(clients, c.ID)
		if len(clients) == 0 {
			delete(c.hub.addresses, address)
		}
	}
	c.hub.mu.Unlock()

	c.log.Info("unsubscribed from address",
		zap.String("clientID", c.ID),
		zap.String("address", address))
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{
		Type:      MessageTypeError,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}
