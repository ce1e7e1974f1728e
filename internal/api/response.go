package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// FallbackMessage is returned when a handler's response cannot be encoded. Chatwoot treats the
// 500 as a failed delivery and retries it.
const FallbackMessage = ServiceName + " could not encode the response"

// fallbackBody is marshaled once at startup so the failure path cannot fail itself.
var fallbackBody = mustMarshal(models.Error(FallbackMessage))

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("api: cannot marshal fallback response: %v", err))
	}
	return data
}

// writeJSONResponse encodes response before touching headers, so a marshal failure still
// yields a well-formed JSON error with status 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err, "status", statusCode)
		body, statusCode = fallbackBody, http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", err)
	}
}
