package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/deployster/internal/lock"
	"github.com/splax/deployster/internal/repository"
	"github.com/splax/deployster/internal/service/deploy"
	"github.com/splax/deployster/internal/service/pipeline"
	"github.com/splax/deployster/internal/service/rollback"
	"github.com/splax/deployster/internal/worker"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, deploy.ErrInvalidRequest),
		errors.Is(err, rollback.ErrInvalidRequest),
		errors.Is(err, pipeline.ErrInvalidStage),
		errors.Is(err, pipeline.ErrDuplicateStage),
		errors.Is(err, pipeline.ErrDuplicateBranch):
		return http.StatusBadRequest
	case errors.Is(err, deploy.ErrProjectNotFound),
		errors.Is(err, rollback.ErrProjectNotFound),
		errors.Is(err, pipeline.ErrStageNotFound),
		errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lock.ErrBusy), errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
