package websocket

// Сообщения сервера
const (
	// FLOW_SNAPSHOT содержит текущее состояние claim-потока
	FLOW_SNAPSHOT = "FLOW_SNAPSHOT"

	// FLOW_CLOSED сообщает, что поток закрыт и соединение будет завершено
	FLOW_CLOSED = "FLOW_CLOSED"

	// ERROR сообщает об ошибке обработки сообщения клиента
	ERROR = "ERROR"
)

// Сообщения клиента
const (
	// FOREGROUND - страница снова на переднем плане, нужно проверить сессию сейчас
	FOREGROUND = "FOREGROUND"

	// SNAPSHOT_REQUEST - запрос текущего состояния потока
	SNAPSHOT_REQUEST = "SNAPSHOT_REQUEST"
)

// Message - конверт всех сообщений WebSocket
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}
