package handler

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"

	"github.com/yourusername/candy-api/internal/claim"
	"github.com/yourusername/candy-api/internal/middleware"
	"github.com/yourusername/candy-api/internal/service"
	"github.com/yourusername/candy-api/internal/websocket"
)

// WSHandler отдает изменения claim-потока по WebSocket
type WSHandler struct {
	claims   *service.ClaimService
	upgrader gorillaws.Upgrader
}

// NewWSHandler создает обработчик. allowedOrigins синхронизирован с CORS.
func NewWSHandler(claims *service.ClaimService, allowedOrigins []string) *WSHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[strings.TrimRight(o, "/")] = true
	}
	return &WSHandler{
		claims: claims,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Пустой Origin - не браузерный клиент
				if origin == "" {
					return true
				}
				if origins[strings.TrimRight(origin, "/")] {
					return true
				}
				log.Printf("[WSHandler] Отклонен origin: %s", origin)
				return false
			},
		},
	}
}

// HandleFlowStream обрабатывает GET /api/claim/flows/:flowId/ws
func (h *WSHandler) HandleFlowStream(c *gin.Context) {
	visitorID := middleware.VisitorID(c)
	flow, err := h.claims.Get(c.GetString(FlowIDKey), visitorID)
	if err != nil {
		handleClaimError(c, err, nil)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WSHandler] Ошибка upgrade для потока %s: %v", flow.ID(), err)
		return
	}

	client := websocket.NewClient(conn, visitorID, flow.ID())
	unsubscribe := flow.Subscribe(func(snap claim.Snapshot) {
		client.Send(websocket.FLOW_SNAPSHOT, snap)
	})
	defer unsubscribe()

	client.Send(websocket.FLOW_SNAPSHOT, flow.Snapshot())

	go func() {
		select {
		case <-flow.Done():
			client.Send(websocket.FLOW_CLOSED, nil)
			client.CloseSend()
		case <-client.Done():
		}
	}()

	log.Printf("[WSHandler] Подключен поток %s (Conn: %s)", flow.ID(), client.ConnectionID)
	client.Run(func(message []byte, cl *websocket.Client) error {
		return h.handleMessage(flow, message, cl)
	})
}

func (h *WSHandler) handleMessage(flow *claim.Flow, message []byte, client *websocket.Client) error {
	msgType, err := websocket.ParseMessageType(message)
	if err != nil {
		client.Send(websocket.ERROR, gin.H{"error": err.Error()})
		return nil
	}
	switch msgType {
	case websocket.FOREGROUND:
		flow.Foreground()
		client.Send(websocket.FLOW_SNAPSHOT, flow.Snapshot())
	case websocket.SNAPSHOT_REQUEST:
		client.Send(websocket.FLOW_SNAPSHOT, flow.Snapshot())
	default:
		client.Send(websocket.ERROR, gin.H{"error": "unknown message type " + msgType})
	}
	return nil
}
