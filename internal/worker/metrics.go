package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"economy/internal/market"
	"economy/internal/models"
	"economy/internal/service"
)

// ============================================================
// Prometheus метрики фоновых циклов
// ============================================================
//
// Отдаются через /metrics вместе с HTTP метриками api.

// ============ Планировщик ============

// SchedulerIterations - количество итераций планировщика
var SchedulerIterations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "economy",
		Subsystem: "scheduler",
		Name:      "iterations_total",
		Help:      "Total number of scheduler iterations",
	},
	[]string{"result"}, // ok, error
)

// SchedulerIterationLatency - длительность одной итерации
var SchedulerIterationLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "economy",
		Subsystem: "scheduler",
		Name:      "iteration_latency_ms",
		Help:      "Duration of a scheduler iteration in milliseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	},
)

// ActionsResolved - исходы разрешения действий
var ActionsResolved = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "economy",
		Subsystem: "scheduler",
		Name:      "actions_total",
		Help:      "Claimed actions by resolution outcome",
	},
	[]string{"outcome"}, // completed, failed, rescheduled, skipped, error
)

// StaleClaims - действия, возвращённые после таймаута захвата
var StaleClaims = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "economy",
		Subsystem: "scheduler",
		Name:      "stale_claims_total",
		Help:      "Actions recovered from a stale claim",
	},
	[]string{"result"}, // requeued, dead_lettered
)

// ActiveLoops - число запущенных циклов воркера
var ActiveLoops = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "economy",
		Subsystem: "worker",
		Name:      "active_loops",
		Help:      "Number of running background loops",
	},
	[]string{"loop"}, // scheduler, maker, reaper
)

// ============ Рынок ============

// MakerRefreshes - обновления котировок маркет-мейкера
var MakerRefreshes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "economy",
		Subsystem: "market",
		Name:      "maker_refreshes_total",
		Help:      "Market maker refresh runs",
	},
	[]string{"result"}, // ok, error
)

// ReferencePrice - текущая справочная цена
var ReferencePrice = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "economy",
		Subsystem: "market",
		Name:      "reference_price",
		Help:      "Current reference price per instrument",
	},
	[]string{"instrument"},
)

// MakerSpread - текущий спред котировок мейкера
var MakerSpread = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "economy",
		Subsystem: "market",
		Name:      "maker_spread",
		Help:      "Current market maker ask-bid spread per instrument",
	},
	[]string{"instrument"},
)

// CircuitBreakerTrips - срабатывания автомата остановки торгов
var CircuitBreakerTrips = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "economy",
		Subsystem: "market",
		Name:      "circuit_breaker_trips_total",
		Help:      "Number of trading halts triggered by the circuit breaker",
	},
	[]string{"instrument"},
)

// TradesTotal - исполненные сделки
var TradesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "economy",
		Subsystem: "market",
		Name:      "trades_total",
		Help:      "Total number of executed trades",
	},
	[]string{"instrument"},
)

// TradedVolume - объём исполненных сделок в единицах товара
var TradedVolume = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "economy",
		Subsystem: "market",
		Name:      "traded_quantity_total",
		Help:      "Total traded quantity",
	},
	[]string{"instrument"},
)

// ============ Вспомогательные функции ============

// RecordIteration записывает итог итерации планировщика
func RecordIteration(stats *service.IterationStats, latencyMs float64, err error) {
	SchedulerIterationLatency.Observe(latencyMs)
	if err != nil {
		SchedulerIterations.WithLabelValues("error").Inc()
		return
	}
	SchedulerIterations.WithLabelValues("ok").Inc()
	if stats == nil {
		return
	}
	ActionsResolved.WithLabelValues("completed").Add(float64(stats.Resolved))
	ActionsResolved.WithLabelValues("failed").Add(float64(stats.Failed))
	ActionsResolved.WithLabelValues("rescheduled").Add(float64(stats.Rescheduled))
	ActionsResolved.WithLabelValues("skipped").Add(float64(stats.Skipped))
	ActionsResolved.WithLabelValues("error").Add(float64(stats.Errors))
}

// RecordStale записывает восстановленные захваты
func RecordStale(requeued, deadLettered int) {
	StaleClaims.WithLabelValues("requeued").Add(float64(requeued))
	StaleClaims.WithLabelValues("dead_lettered").Add(float64(deadLettered))
}

// RecordRefresh записывает итог обновления котировок инструмента
func RecordRefresh(res *market.RefreshResult) {
	MakerRefreshes.WithLabelValues("ok").Inc()
	ReferencePrice.WithLabelValues(res.Instrument).Set(float64(res.ReferencePrice))
	MakerSpread.WithLabelValues(res.Instrument).Set(float64(res.Ask - res.Bid))
}

// RecordRefreshError записывает неудачный проход мейкера
func RecordRefreshError() {
	MakerRefreshes.WithLabelValues("error").Inc()
}

// InstrumentedPublisher считает рыночные события и передаёт их дальше
// (обычно в websocket hub). Next может быть nil.
type InstrumentedPublisher struct {
	Next service.Publisher
}

func (p InstrumentedPublisher) Publish(events []service.Event) {
	for _, ev := range events {
		switch ev.Type {
		case service.EventTrade:
			TradesTotal.WithLabelValues(ev.Instrument).Inc()
			if t, ok := ev.Data.(*models.Trade); ok {
				TradedVolume.WithLabelValues(ev.Instrument).Add(float64(t.Quantity))
			}
		case service.EventReferencePrice:
			if d, ok := ev.Data.(service.ReferencePriceData); ok {
				ReferencePrice.WithLabelValues(ev.Instrument).Set(float64(d.ReferencePrice))
			}
		case service.EventMarketHalted:
			CircuitBreakerTrips.WithLabelValues(ev.Instrument).Inc()
		}
	}
	if p.Next != nil {
		p.Next.Publish(events)
	}
}
