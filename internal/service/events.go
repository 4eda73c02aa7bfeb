package service

import (
	"time"

	"economy/internal/market"
	"economy/internal/models"
)

// Типы событий потока
const (
	EventActionUpdated   = "action_updated"
	EventTrade           = "trade"
	EventReferencePrice  = "reference_price"
	EventMarketHalted    = "market_halted"
	EventQuotesRefreshed = "quotes_refreshed"
)

// Event - событие, публикуемое подписчикам после коммита
type Event struct {
	Type       string      `json:"type"`
	ActorID    *int64      `json:"actor_id,omitempty"`
	Instrument string      `json:"instrument,omitempty"`
	Data       interface{} `json:"data"`
	At         time.Time   `json:"at"`
}

// ReferencePriceData - данные события справочной цены
type ReferencePriceData struct {
	ReferencePrice int64      `json:"reference_price"`
	HaltUntil      *time.Time `json:"halt_until,omitempty"`
}

func actionEvent(a *models.Action, now time.Time) Event {
	actorID := a.ActorID
	return Event{
		Type:    EventActionUpdated,
		ActorID: &actorID,
		Data:    a.Snapshot(),
		At:      now,
	}
}

// resultEvents - рыночные события по результату обработчика
func resultEvents(instrument string, result interface{}, cfg market.Config, now time.Time) []Event {
	place, ok := result.(*market.PlaceResult)
	if !ok || len(place.Trades) == 0 {
		return nil
	}

	events := make([]Event, 0, len(place.Trades)+2)
	for _, t := range place.Trades {
		events = append(events, Event{Type: EventTrade, Instrument: instrument, Data: t, At: now})
	}
	events = append(events, Event{
		Type:       EventReferencePrice,
		Instrument: instrument,
		Data:       ReferencePriceData{ReferencePrice: place.ReferencePrice},
		At:         now,
	})
	if place.HaltTriggered {
		until := now.Add(cfg.HaltDuration)
		events = append(events, Event{
			Type:       EventMarketHalted,
			Instrument: instrument,
			Data:       ReferencePriceData{ReferencePrice: place.ReferencePrice, HaltUntil: &until},
			At:         now,
		})
	}
	return events
}

func refreshEvents(res *market.RefreshResult, cfg market.Config, now time.Time) []Event {
	events := []Event{{Type: EventQuotesRefreshed, Instrument: res.Instrument, Data: res, At: now}}
	if res.HaltTriggered {
		until := now.Add(cfg.HaltDuration)
		events = append(events, Event{
			Type:       EventMarketHalted,
			Instrument: res.Instrument,
			Data:       ReferencePriceData{ReferencePrice: res.ReferencePrice, HaltUntil: &until},
			At:         now,
		})
	}
	return events
}
