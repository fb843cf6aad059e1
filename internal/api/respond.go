package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointments/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	enc := json.NewEncoder(w)
	// checkout_form_content is an HTML snippet the frontend injects verbatim
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindGateway:
		return http.StatusBadGateway
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes a classified error as-is. Anything unclassified is
// logged and hidden behind internal_error.
func respondError(w http.ResponseWriter, r *http.Request, err error, log *zap.Logger) {
	e, ok := apperr.From(err)
	if !ok {
		if log != nil {
			log.Error("unhandled error",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", GetRequestID(r.Context())),
				zap.Error(err),
			)
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	status := statusFor(e.Kind)
	if status == http.StatusBadGateway && log != nil {
		log.Warn("gateway error",
			zap.String("path", r.URL.Path),
			zap.String("code", e.Code),
			zap.Error(err),
		)
	}
	writeError(w, status, e.Code, e.Message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}
