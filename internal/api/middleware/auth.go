package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

type contextKey int

const (
	actorIDKey contextKey = iota
	requestIDKey
)

// ActorHeader - заголовок с идентификатором актора.
// Проставляется шлюзом после аутентификации.
const ActorHeader = "X-Actor-ID"

// ActorAuth - middleware, извлекающее актора из заголовка X-Actor-ID
//
// Аутентификация выполняется шлюзом перед сервисом. Здесь только
// проверяется, что идентификатор есть и это положительное целое.
// Без него запрос отклоняется с 401.
//
// Использование:
//
//	api := router.PathPrefix("/api/v1").Subrouter()
//	api.Use(middleware.ActorAuth)
func ActorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(ActorHeader))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing "+ActorHeader+" header")
			return
		}
		actorID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || actorID <= 0 {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid "+ActorHeader+" header")
			return
		}

		ctx := context.WithValue(r.Context(), actorIDKey, actorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ActorIDFrom возвращает актора, установленного ActorAuth
func ActorIDFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(actorIDKey).(int64)
	return id, ok
}

// WithActorID кладёт актора в контекст (для тестов handlers)
func WithActorID(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorIDKey, actorID)
}

// RequestIDFrom возвращает ID запроса, установленный Logging
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// writeError - минимальный JSON ответ об ошибке
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	jsonAPI.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
