package handlers

import (
	"errors"
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"economy/internal/api/middleware"
	"economy/internal/apperr"
	"economy/internal/models"
	"economy/pkg/retry"
	"economy/pkg/utils"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes - предел тела запроса
const maxBodyBytes = 64 << 10

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error       string   `json:"error"`
	Code        string   `json:"code,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Required    *int64   `json:"required,omitempty"`
	Available   *int64   `json:"available,omitempty"`
}

// CodeUnavailable - хранилище временно недоступно, запрос можно повторить
const CodeUnavailable = "UNAVAILABLE"

// statusFor отображает код доменной ошибки на HTTP статус
func statusFor(code string) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeIdempotencyConflict,
		apperr.CodeActionConflict,
		apperr.CodeInsufficientFunds,
		apperr.CodeInsufficientInventory,
		apperr.CodeInsufficientVigor:
		return http.StatusConflict
	case apperr.CodeQueueLimit:
		return http.StatusTooManyRequests
	case apperr.CodeMarketHalted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondWithError отправляет ошибку сервиса
//
// Доменные ошибки уходят клиенту как есть, "не найдено" хранилища - 404,
// временные сбои - 503 с Retry-After, остальное логируется и скрывается за 500.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	if e, ok := apperr.As(err); ok {
		respondWithJSON(w, statusFor(e.Code), ErrorResponse{
			Error:       e.Message,
			Code:        e.Code,
			Suggestions: e.Suggestions,
			Required:    e.Required,
			Available:   e.Available,
		})
		return
	}
	if errors.Is(err, models.ErrNotFound) {
		respondWithJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: apperr.CodeNotFound})
		return
	}
	var temp *retry.TemporaryError
	if errors.As(err, &temp) {
		utils.L().Warn("request hit a temporary failure",
			utils.RequestID(middleware.RequestIDFrom(r.Context())),
			utils.String("path", r.URL.Path),
			utils.Err(err),
		)
		w.Header().Set("Retry-After", "1")
		respondWithJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "service temporarily unavailable, retry the request", Code: CodeUnavailable})
		return
	}

	utils.L().Error("request failed",
		utils.RequestID(middleware.RequestIDFrom(r.Context())),
		utils.String("path", r.URL.Path),
		utils.Err(err),
	)
	respondWithJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: "INTERNAL"})
}

// respondWithValidation - 400 с кодом VALIDATION_ERROR
func respondWithValidation(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	respondWithError(w, r, apperr.Validation(format, args...))
}

// respondWithJSON отправляет JSON ответ
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	jsonAPI.NewEncoder(w).Encode(payload)
}

// decodeJSON читает тело запроса; неизвестные поля отклоняются
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := jsonAPI.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

// actorFrom возвращает актора запроса или пишет 401
func actorFrom(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actorID, ok := middleware.ActorIDFrom(r.Context())
	if !ok {
		respondWithJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing actor", Code: "UNAUTHORIZED"})
		return 0, false
	}
	return actorID, true
}

// queryInt парсит неотрицательный query параметр; пусто = 0
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.Validation("%s must be a non-negative integer", name)
	}
	return v, nil
}
