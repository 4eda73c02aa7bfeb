package websocket

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"economy/internal/service"
	"economy/pkg/utils"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Ошибки подписки
var (
	ErrInvalidActorID    = errors.New("invalid actor id")
	ErrInvalidInstrument = errors.New("invalid instrument")
)

// ============ sync.Pool для JSON буферов ============

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// envelope - сериализованное сообщение с ключами маршрутизации
type envelope struct {
	data       []byte
	actorID    *int64
	instrument string
}

// Hub управляет всеми подписчиками потока событий
//
// Hub реализует service.Publisher: сервисы передают события после
// коммита, hub рассылает их подписчикам с подходящим фильтром.
// Publish не блокирует вызывающего: при переполнении очереди
// сообщение отбрасывается и учитывается в DroppedMessages.
//
// Использование:
// 1. hub := NewHub()
// 2. go hub.Run(ctx)
// 3. actionService.SetPublisher(hub)
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client

	// закрывается при остановке Run
	done chan struct{}

	mu      sync.RWMutex
	dropped int64
	origins *OriginChecker
	log     *utils.Logger
}

// NewHub создает новый Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 1024),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		origins:    NewOriginChecker(nil),
		log:        utils.L().WithComponent("stream"),
	}
}

// SetAllowedOrigins задаёт допустимые Origin (пусто или "*" = все)
func (h *Hub) SetAllowedOrigins(origins []string) {
	h.origins = NewOriginChecker(origins)
}

// Run запускает главный цикл Hub до отмены ctx.
// При остановке закрывает каналы всех клиентов.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", utils.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", utils.Int("clients", total))

		case env := <-h.broadcast:
			h.deliver(env)
		}
	}
}

// deliver рассылает сообщение подписчикам; медленные клиенты отключаются
func (h *Hub) deliver(env envelope) {
	// список копируется под коротким RLock, отправка без блокировки
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.sub.Wants(env.actorID, env.instrument) {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- env.data:
		default:
			toRemove = append(toRemove, client)
		}
	}

	if len(toRemove) > 0 {
		h.mu.Lock()
		for _, client := range toRemove {
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		}
		total := len(h.clients)
		h.mu.Unlock()
		h.log.Warn("removed slow clients", utils.Int("removed", len(toRemove)), utils.Int("clients", total))
	}
}

// Publish реализует service.Publisher
func (h *Hub) Publish(events []service.Event) {
	for _, ev := range events {
		data, err := encode(NewStreamMessage(ev))
		if err != nil {
			h.log.Error("stream message encoding failed", utils.String("type", ev.Type), utils.Err(err))
			continue
		}
		select {
		case h.broadcast <- envelope{data: data, actorID: ev.ActorID, instrument: ev.Instrument}:
		default:
			atomic.AddInt64(&h.dropped, 1)
		}
	}
}

// encode сериализует сообщение через буфер из пула
func encode(message interface{}) ([]byte, error) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jsonBufferPool.Put(buf)

	if err := jsonAPI.NewEncoder(buf).Encode(message); err != nil {
		return nil, err
	}
	data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})

	// буфер вернётся в пул - копируем
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// join регистрирует клиента; false если hub остановлен
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// leave снимает клиента с регистрации, если hub ещё работает
func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - число сообщений, отброшенных из-за переполнения очереди
func (h *Hub) DroppedMessages() int64 {
	return atomic.LoadInt64(&h.dropped)
}
