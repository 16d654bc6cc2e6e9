package jrpc

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
)

// serveHTTPBody handles the request-scoped transport: one JSON-RPC body in,
// one reply body out, then the exchange ends. There is no push channel, so
// subscriptions are not available here.
func (s *Server) serveHTTPBody(w http.ResponseWriter, r *http.Request) {
	ctx, span := StartSpan(r.Context(), "Server.serveHTTPBody")
	defer span.End()

	if r.Method != http.MethodPost {
		http.Error(w, "JSON-RPC requires POST method", http.StatusMethodNotAllowed)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	if !s.acquireConn() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseConn()

	// Oversized bodies are a transport-level failure: the payload never
	// existed as JSON-RPC, so the reply is HTTP, not an error object.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.pol.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			span.SetStatus(codes.Error, "request body too large")
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.logger.WithErr(err).Debug("Failed to read request body")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	sess := &session{id: uuid.NewString(), limiter: s.httpLimiter}

	msg, errObj := DecodeMessage(body)
	if errObj != nil {
		span.SetStatus(codes.Error, errObj.Message)
		writeJSON(w, http.StatusOK, mustEncode(newErrorResponse(nil, errObj)))
		return
	}

	reply := s.dispatcher.dispatch(ctx, sess, msg)
	if reply == nil {
		// Notification-only traffic is owed nothing.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func writeJSON(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
