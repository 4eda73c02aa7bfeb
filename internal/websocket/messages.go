package websocket

import (
	"strconv"
	"strings"
	"time"

	"economy/internal/service"
	"economy/pkg/utils"
)

// MessageType определяет тип сообщения потока
type MessageType string

// Типы сообщений потока совпадают с типами событий сервисов
const (
	// MessageTypeActionUpdated - изменение статуса действия (только владельцу)
	MessageTypeActionUpdated MessageType = service.EventActionUpdated

	// MessageTypeTrade - исполненная сделка
	MessageTypeTrade MessageType = service.EventTrade

	// MessageTypeReferencePrice - новая справочная цена после исполнений
	MessageTypeReferencePrice MessageType = service.EventReferencePrice

	// MessageTypeMarketHalted - срабатывание автомата остановки торгов
	MessageTypeMarketHalted MessageType = service.EventMarketHalted

	// MessageTypeQuotesRefreshed - новые котировки маркет-мейкера
	MessageTypeQuotesRefreshed MessageType = service.EventQuotesRefreshed
)

// StreamMessage - сообщение, отправляемое подписчику
type StreamMessage struct {
	Type       MessageType `json:"type"`
	Instrument string      `json:"instrument,omitempty"`
	Data       interface{} `json:"data"`
	Timestamp  time.Time   `json:"timestamp"`
}

// NewStreamMessage строит сообщение из события сервиса
func NewStreamMessage(ev service.Event) *StreamMessage {
	return &StreamMessage{
		Type:       MessageType(ev.Type),
		Instrument: ev.Instrument,
		Data:       ev.Data,
		Timestamp:  ev.At,
	}
}

// Subscription - фильтр подписчика
//
// События действий уходят только подписчику с тем же actor_id.
// Рыночные события - всем, если Instruments пуст, иначе только по списку.
type Subscription struct {
	ActorID     *int64
	Instruments map[string]struct{}
}

// ParseSubscription разбирает actor_id и instruments (через запятую)
func ParseSubscription(actorID, instruments string) (*Subscription, error) {
	sub := &Subscription{Instruments: make(map[string]struct{})}

	if actorID = strings.TrimSpace(actorID); actorID != "" {
		id, err := strconv.ParseInt(actorID, 10, 64)
		if err != nil || id <= 0 {
			return nil, ErrInvalidActorID
		}
		sub.ActorID = &id
	}

	for _, inst := range strings.Split(instruments, ",") {
		inst = utils.NormalizeInstrument(inst)
		if inst == "" {
			continue
		}
		if err := utils.ValidateInstrument(inst); err != nil {
			return nil, ErrInvalidInstrument
		}
		sub.Instruments[inst] = struct{}{}
	}
	return sub, nil
}

// Wants проверяет, нужно ли подписчику событие
func (s *Subscription) Wants(actorID *int64, instrument string) bool {
	if actorID != nil {
		return s.ActorID != nil && *s.ActorID == *actorID
	}
	if instrument == "" || len(s.Instruments) == 0 {
		return true
	}
	_, ok := s.Instruments[instrument]
	return ok
}
