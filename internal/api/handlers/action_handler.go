package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"economy/internal/models"
	"economy/internal/service"
)

// IdempotencyHeader - альтернатива полю idempotency_key в теле
const IdempotencyHeader = "Idempotency-Key"

// ActionHandler отвечает за приём действий и очередь актора
//
// Endpoints:
// - POST /api/v1/actions - поставить действие
// - POST /api/v1/actions/preview - оценить действие без записи
// - GET /api/v1/actions/queue - незавершённые действия
// - GET /api/v1/actions/history?status=&limit= - завершённые действия
// - GET /api/v1/actions/{id} - одно действие
//
// Актор всегда берётся из X-Actor-ID (middleware.ActorAuth).
type ActionHandler struct {
	actionService service.ActionServiceInterface
}

// NewActionHandler создает новый ActionHandler с внедрением зависимости
func NewActionHandler(actionService service.ActionServiceInterface) *ActionHandler {
	return &ActionHandler{actionService: actionService}
}

// SubmitActionRequest - тело POST /actions
type SubmitActionRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// PreviewActionRequest - тело POST /actions/preview
type PreviewActionRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ActionListResponse - список действий
type ActionListResponse struct {
	Actions []*models.Action `json:"actions"`
	Total   int              `json:"total"`
}

// SubmitAction ставит действие в очередь актора
//
// POST /api/v1/actions
//
// Ключ идемпотентности: поле idempotency_key или заголовок Idempotency-Key.
// Для market.cancel_order без ключа генерируется случайный: отмена
// сама по себе безопасна при повторе.
//
// HTTP коды:
// - 200 OK: действие уже разрешено (мгновенное или повтор завершённого)
// - 202 Accepted: действие запланировано
// - 400/409/429/503: см. statusFor
func (h *ActionHandler) SubmitAction(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req SubmitActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	}
	if key == "" && req.Type == models.ActionTypeCancelOrder {
		key = "cancel-" + uuid.NewString()
	}

	snap, err := h.actionService.Submit(r.Context(), service.SubmitRequest{
		ActorID:        actorID,
		Type:           req.Type,
		Payload:        req.Payload,
		IdempotencyKey: key,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if models.IsTerminalStatus(snap.Status) {
		status = http.StatusOK
	}
	respondWithJSON(w, status, snap)
}

// PreviewAction оценивает действие без записи
//
// POST /api/v1/actions/preview
func (h *ActionHandler) PreviewAction(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actorFrom(w, r)
	if !ok {
		return
	}

	var req PreviewActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	projection, err := h.actionService.Preview(r.Context(), actorID, req.Type, req.Payload)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, projection)
}

// GetAction возвращает действие актора
//
// GET /api/v1/actions/{id}
// Чужое действие неотличимо от отсутствующего (404).
func (h *ActionHandler) GetAction(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actorFrom(w, r)
	if !ok {
		return
	}

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondWithValidation(w, r, "invalid action id")
		return
	}

	action, err := h.actionService.GetAction(r.Context(), actorID, id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, action)
}

// GetQueue - незавершённые действия в порядке scheduled_for
//
// GET /api/v1/actions/queue
func (h *ActionHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actorFrom(w, r)
	if !ok {
		return
	}

	queue, err := h.actionService.ListQueue(r.Context(), actorID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newActionList(queue))
}

// GetHistory - завершённые действия, новые первыми
//
// GET /api/v1/actions/history
//
// Query параметры:
// - status (string): completed или failed
// - limit (int): по умолчанию 50
func (h *ActionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actorFrom(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	history, err := h.actionService.ListHistory(r.Context(), actorID, r.URL.Query().Get("status"), limit)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newActionList(history))
}

func newActionList(list []*models.Action) ActionListResponse {
	if list == nil {
		list = []*models.Action{}
	}
	return ActionListResponse{Actions: list, Total: len(list)}
}
