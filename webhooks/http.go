package webhooks

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

const DefaultMaxBodyBytes int64 = 1 << 20

// HTTPHandler serves webhook deliveries for a Pipeline. Provider resolves
// the provider name from the request, typically a router path parameter.
type HTTPHandler struct {
	Pipeline     *Pipeline
	Provider     func(r *http.Request) string
	MaxBodyBytes int64
}

func NewHTTPHandler(pipeline *Pipeline) *HTTPHandler {
	return &HTTPHandler{Pipeline: pipeline, MaxBodyBytes: DefaultMaxBodyBytes}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, ResponseBody{Status: "error", Message: "method not allowed"})
		return
	}
	if h == nil || h.Pipeline == nil {
		writeJSON(w, http.StatusInternalServerError, internalResponse("").Body)
		return
	}

	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ResponseBody{Status: string(OutcomeRejected), Message: "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, ResponseBody{Status: string(OutcomeRejected), Message: "unable to read request body"})
		return
	}

	provider := ""
	if h.Provider != nil {
		provider = strings.TrimSpace(h.Provider(r))
	}
	resp, _ := h.Pipeline.Handle(r.Context(), Request{
		Provider: provider,
		Headers:  r.Header,
		Body:     body,
	})
	writeJSON(w, resp.StatusCode, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
