package websocket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Время, которое разрешено писать сообщение клиенту.
	writeWait = 10 * time.Second

	// Время, которое разрешено клиенту читать следующее сообщение.
	pongWait = 30 * time.Second

	// Периодичность отправки ping-сообщений клиенту.
	pingPeriod = (pongWait * 9) / 10

	// Максимальный размер сообщения
	maxMessageSize = 512

	// Размер буфера канала отправки
	defaultClientBufferSize = 16
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Client связывает одно WebSocket соединение с одним claim-потоком посетителя
type Client struct {
	VisitorID    string
	FlowID       string
	ConnectionID string

	conn *websocket.Conn

	send       chan []byte
	sendClosed atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient создает клиента для соединения conn
func NewClient(conn *websocket.Conn, visitorID, flowID string) *Client {
	return &Client{
		VisitorID:    visitorID,
		FlowID:       flowID,
		ConnectionID: uuid.New().String(),
		conn:         conn,
		send:         make(chan []byte, defaultClientBufferSize),
		done:         make(chan struct{}),
	}
}

// Send кладет сообщение в очередь на отправку. Не блокируется: если клиент
// не успевает читать, соединение закрывается. Возвращает false, если сообщение не поставлено.
func (c *Client) Send(msgType string, data interface{}) bool {
	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		log.Printf("[WebSocket] Ошибка сериализации %s для потока %s: %v", msgType, c.FlowID, err)
		return false
	}
	if c.sendClosed.Load() {
		return false
	}

	defer func() {
		// send мог быть закрыт между проверкой и записью
		if r := recover(); r != nil {
			log.Printf("[WebSocket] Отправка в закрытый канал (Conn: %s)", c.ConnectionID)
		}
	}()

	select {
	case c.send <- payload:
		return true
	default:
		log.Printf("[WebSocket] Буфер клиента переполнен (Flow: %s, Conn: %s), закрываем соединение", c.FlowID, c.ConnectionID)
		c.CloseSend()
		return false
	}
}

// CloseSend безопасно закрывает канал send (только один раз)
func (c *Client) CloseSend() bool {
	if c.sendClosed.CompareAndSwap(false, true) {
		close(c.send)
		return true
	}
	return false
}

// Done закрывается, когда соединение завершено
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Run запускает writePump в отдельной горутине и читает сообщения до разрыва.
// Блокируется до закрытия соединения.
func (c *Client) Run(messageHandler func(message []byte, client *Client) error) {
	go c.writePump()
	c.readPump(messageHandler)
}

func (c *Client) finish() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump читает сообщения от клиента и передает их обработчику
func (c *Client) readPump(messageHandler func(message []byte, client *Client) error) {
	defer func() {
		log.Printf("[WebSocket] Read pump остановлен (Flow: %s, Conn: %s)", c.FlowID, c.ConnectionID)
		c.CloseSend()
		c.finish()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("[WebSocket] Ошибка чтения (Flow: %s, Conn: %s): %v", c.FlowID, c.ConnectionID, err)
			}
			return
		}

		if handlerErr := safeHandleMessage(message, c, messageHandler); handlerErr != nil {
			log.Printf("[WebSocket] Ошибка обработчика (Flow: %s, Conn: %s): %v. Закрываем соединение.", c.FlowID, c.ConnectionID, handlerErr)
			return
		}
	}
}

// safeHandleMessage вызывает обработчик с recover
func safeHandleMessage(message []byte, client *Client, messageHandler func(message []byte, client *Client) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WebSocket] PANIC в обработчике (Flow: %s, Conn: %s): %v\n%s",
				client.FlowID, client.ConnectionID, r, string(debug.Stack()))
			err = fmt.Errorf("panic recovered: %v", r)
		}
	}()
	message = bytes.TrimSpace(bytes.Replace(message, newline, space, -1))
	if messageHandler != nil {
		err = messageHandler(message, client)
	}
	return err
}

// writePump отправляет сообщения клиенту из канала send
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.finish()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				log.Printf("[WebSocket] NextWriter (Flow: %s, Conn: %s): %v", c.FlowID, c.ConnectionID, err)
				return
			}
			if _, err := w.Write(message); err != nil {
				log.Printf("[WebSocket] Ошибка записи (Flow: %s, Conn: %s): %v", c.FlowID, c.ConnectionID, err)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// ParseMessageType извлекает тип из JSON-сообщения клиента
func ParseMessageType(message []byte) (string, error) {
	var event struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		return "", fmt.Errorf("invalid message: %w", err)
	}
	if event.Type == "" {
		return "", fmt.Errorf("message type is required")
	}
	return event.Type, nil
}
