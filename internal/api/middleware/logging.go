package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"economy/pkg/utils"
)

// responseWriter запоминает код ответа и размер тела
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// RequestIDHeader - заголовок корреляции запросов
const RequestIDHeader = "X-Request-ID"

// Logging - access log и метрики HTTP запросов
//
// Каждому запросу назначается request id (из X-Request-ID или новый uuid),
// он возвращается в ответе и доступен через RequestIDFrom.
// Маршрут в метриках - шаблон mux, а не сырой путь.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := routeTemplate(r)
		latency := utils.MsSince(start)
		observeRequest(r.Method, route, wrapped.statusCode, latency)

		fields := []utils.Field{
			utils.RequestID(requestID),
			utils.String("method", r.Method),
			utils.String("route", route),
			utils.Int("status", wrapped.statusCode),
			utils.Latency(latency),
			utils.Int64("bytes", wrapped.written),
			utils.String("remote", r.RemoteAddr),
		}
		if actorID, ok := ActorIDFrom(r.Context()); ok {
			fields = append(fields, utils.ActorID(actorID))
		}

		switch {
		case wrapped.statusCode >= 500:
			utils.L().Error("http request", fields...)
		case wrapped.statusCode >= 400:
			utils.L().Warn("http request", fields...)
		default:
			utils.L().Debug("http request", fields...)
		}
	})
}

// routeTemplate - шаблон маршрута mux или "unmatched"
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
