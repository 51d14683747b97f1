package relevo

import (
	"bytes"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

const maxAdminBody = 64 << 10

type stateResponse struct {
	Registration RegistrationInfo `json:"registration"`
	Generations  []GenerationInfo `json:"generations"`
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	gens, err := s.Generations(r.Context())
	if err != nil {
		s.log.Warn("admin: list generations", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{Registration: s.reg.Info(), Generations: gens})
}

// handleMessage accepts the raw message body: either SKIP_WAITING or a JSON
// object such as {"type":"SKIP_WAITING"}.
func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	data := parseMessage(body)
	if err := s.reg.PostMessage(r.Context(), data); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, s.reg.Info())
}

func parseMessage(body []byte) any {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && (body[0] == '{' || body[0] == '"') {
		var v any
		if err := sonic.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}

func (s *Service) handleWarm(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var urls []string
	if len(bytes.TrimSpace(body)) > 0 {
		if err := sonic.Unmarshal(body, &urls); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be a JSON array of URLs"})
			return
		}
	}
	res, err := s.Warm(r.Context(), urls)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
