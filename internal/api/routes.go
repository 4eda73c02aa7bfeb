package api

import (
	"net/http"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"economy/internal/api/handlers"
	"economy/internal/api/middleware"
	"economy/internal/service"
	"economy/internal/websocket"
	"economy/pkg/ratelimit"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	ActionService service.ActionServiceInterface
	MarketService service.MarketServiceInterface

	// Hub - поток событий; nil отключает /ws/stream
	Hub *websocket.Hub

	// RateLimiter - лимит изменяющих запросов на актора; nil = без лимита
	RateLimiter *ratelimit.KeyedLimiter

	AllowedOrigins []string
}

// HealthResponse - ответ /health
type HealthResponse struct {
	Status        string `json:"status"`
	StreamClients int    `json:"stream_clients"`
	StreamDropped int64  `json:"stream_dropped"`
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/ (требует X-Actor-ID, кроме /markets)
//
//	├── /actions/
//	│   ├── POST / - поставить действие
//	│   ├── POST /preview - оценка без записи
//	│   ├── GET /queue - незавершённые действия
//	│   ├── GET /history - завершённые действия
//	│   └── GET /{id} - одно действие
//	└── /markets/
//	    ├── GET / - список инструментов
//	    ├── GET /{instrument}/book - книга заявок
//	    └── GET /{instrument}/trades - сделки и снимки цены
//
// /ws/stream - WebSocket поток событий
// /health, /metrics
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
// 4. ActorAuth + RateLimit (только /api/v1/actions)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS(deps.AllowedOrigins))

	api := router.PathPrefix("/api/v1").Subrouter()

	if deps.ActionService != nil {
		actionHandler := handlers.NewActionHandler(deps.ActionService)

		actions := api.PathPrefix("/actions").Subrouter()
		actions.Use(middleware.ActorAuth)
		actions.Use(middleware.RateLimit(deps.RateLimiter))

		actions.HandleFunc("", actionHandler.SubmitAction).Methods(http.MethodPost)
		actions.HandleFunc("/preview", actionHandler.PreviewAction).Methods(http.MethodPost)
		actions.HandleFunc("/queue", actionHandler.GetQueue).Methods(http.MethodGet)
		actions.HandleFunc("/history", actionHandler.GetHistory).Methods(http.MethodGet)
		actions.HandleFunc("/{id:[0-9]+}", actionHandler.GetAction).Methods(http.MethodGet)
	}

	if deps.MarketService != nil {
		marketHandler := handlers.NewMarketHandler(deps.MarketService)

		api.HandleFunc("/markets", marketHandler.GetMarkets).Methods(http.MethodGet)
		api.HandleFunc("/markets/{instrument}/book", marketHandler.GetOrderBook).Methods(http.MethodGet)
		api.HandleFunc("/markets/{instrument}/trades", marketHandler.GetTrades).Methods(http.MethodGet)
	}

	if deps.Hub != nil {
		router.HandleFunc("/ws/stream", deps.Hub.ServeWS).Methods(http.MethodGet)
	}

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok"}
		if deps.Hub != nil {
			resp.StreamClients = deps.Hub.ClientCount()
			resp.StreamDropped = deps.Hub.DroppedMessages()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(resp)
	}).Methods(http.MethodGet)

	return router
}
