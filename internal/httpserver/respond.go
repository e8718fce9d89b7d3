package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// successEnvelope is the JSON shape returned by every successful admin
// endpoint: {"status": "success", "data": ...}.
type successEnvelope struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

// errorEnvelope is the JSON shape returned by every failed admin endpoint:
// {"status": "error", "message": ...}.
type errorEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Respond writes data as a successful JSON response.
func Respond(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(successEnvelope{Status: "success", Data: data})
}

// RespondError writes a failure response with the given HTTP status code and
// message. code is accepted for call-site readability but not part of the
// response body, which follows the {"status","message"} contract.
func RespondError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Status: "error", Message: message})
}

// LogAndRespondError logs err at error level with msg before writing the
// error response, so operators see the underlying cause even though the
// client only sees the public message.
func LogAndRespondError(w http.ResponseWriter, logger *slog.Logger, statusCode int, code, message string, err error) {
	logger.Error(message, "error", err)
	RespondError(w, statusCode, code, message)
}
