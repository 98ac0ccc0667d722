// Package errors pairs client responses with server-side logs. Response
// bodies stay generic; the detail goes to the log, keyed by the chi
// request id so one request's lines can be correlated.
package errors

import (
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// InternalError logs the cause and answers with a generic 500. The error
// never reaches the client; provider responses and SQL can leak secrets.
func InternalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	logf(r, "ERROR", "%s: %v", message, err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// BadRequestError logs the cause and answers 400 with clientMessage.
func BadRequestError(w http.ResponseWriter, r *http.Request, err error, clientMessage string) {
	logf(r, "WARN", "bad request: %v", err)
	http.Error(w, clientMessage, http.StatusBadRequest)
}

// LogError records a failure that the handler answers for itself, such as
// a connect callback that redirects instead of erroring.
func LogError(r *http.Request, message string, err error) {
	logf(r, "ERROR", "%s: %v", message, err)
}

func LogInfo(r *http.Request, message string) {
	logf(r, "INFO", "%s", message)
}

func logf(r *http.Request, level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if id := middleware.GetReqID(r.Context()); id != "" {
		log.Printf("[%s] RequestID=%s: %s", level, id, msg)
		return
	}
	log.Printf("[%s] %s", level, msg)
}
