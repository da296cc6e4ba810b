package ws

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub  *Hub
	deps Deps
}

func NewManager(hub *Hub, deps Deps) *Manager {
	return &Manager{hub: hub, deps: deps}
}

// WebSocketConnect 升级端点，docId 走查询参数。
// 握手阶段带不了自定义 Header，token 必须由第一条
// authenticate 消息在应用层重新声明。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	docID, err := strconv.ParseUint(c.Query("docId"), 10, 64)
	if err != nil || docID == 0 {
		c.String(http.StatusBadRequest, "missing or invalid docId")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.hub, m.deps, docID)

	// 先启动写循环，保证入队的消息能被及时发出
	go wsConn.writeLoop()
	// 读循环阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
}
