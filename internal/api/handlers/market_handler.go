package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"economy/internal/service"
	"economy/pkg/utils"
)

// MarketHandler - чтение книги заявок и истории сделок
//
// Endpoints:
// - GET /api/v1/markets - список инструментов
// - GET /api/v1/markets/{instrument}/book?depth= - агрегированная книга
// - GET /api/v1/markets/{instrument}/trades?limit= - сделки и снимки цены
//
// Ордера ставятся через POST /api/v1/actions (market.place_order).
type MarketHandler struct {
	marketService service.MarketServiceInterface
}

// NewMarketHandler создает новый MarketHandler с внедрением зависимости
func NewMarketHandler(marketService service.MarketServiceInterface) *MarketHandler {
	return &MarketHandler{marketService: marketService}
}

// MarketListResponse - список инструментов
type MarketListResponse struct {
	Instruments []string `json:"instruments"`
}

// GetMarkets возвращает торгуемые инструменты
func (h *MarketHandler) GetMarkets(w http.ResponseWriter, r *http.Request) {
	instruments, err := h.marketService.Instruments(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if instruments == nil {
		instruments = []string{}
	}
	respondWithJSON(w, http.StatusOK, MarketListResponse{Instruments: instruments})
}

// GetOrderBook возвращает верхние уровни книги
func (h *MarketHandler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	instrument, ok := instrumentVar(w, r)
	if !ok {
		return
	}
	depth, err := queryInt(r, "depth")
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	book, err := h.marketService.OrderBook(r.Context(), instrument, depth)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, book)
}

// GetTrades возвращает последние сделки и снимки справочной цены
func (h *MarketHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	instrument, ok := instrumentVar(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	history, err := h.marketService.TradeHistory(r.Context(), instrument, limit)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, history)
}

func instrumentVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	instrument := utils.NormalizeInstrument(mux.Vars(r)["instrument"])
	if err := utils.ValidateInstrument(instrument); err != nil {
		respondWithValidation(w, r, "invalid instrument: %v", err)
		return "", false
	}
	return instrument, true
}
