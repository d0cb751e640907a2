package httputil

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/meetscribe/scribe/pkg/json"
)

// WriteJSONError writes a JSON error response and logs the error.
func WriteJSONError(w http.ResponseWriter, log *zap.Logger, status int, msg string, err error, contextFields ...zap.Field) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err != nil {
		log.Error(msg, append(contextFields, zap.Error(err))...)
	} else {
		log.Error(msg, contextFields...)
	}
	details := ""
	if err != nil {
		details = err.Error()
	}
	if encErr := json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   msg,
		"details": details,
	}); encErr != nil {
		log.Error("Failed to write error response", zap.Error(encErr))
	}
}

// WriteJSONResponse writes a JSON response and logs on encode failure.
func WriteJSONResponse(w http.ResponseWriter, log *zap.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to write JSON response", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
