package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/guseggert/toolbridge/rpc"
	"github.com/guseggert/toolbridge/service"
	"github.com/guseggert/toolbridge/worker"
)

// Response is the envelope of every API response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

var errBadRequest = errors.New("bad request")

// StatusFor maps an error from the registry or bridge to an HTTP status code.
func StatusFor(err error) int {
	var (
		remote   *rpc.RemoteError
		spawnErr *worker.SpawnError
	)
	switch {
	case errors.Is(err, service.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrServiceDisabled):
		return http.StatusBadRequest
	case errors.As(err, &spawnErr):
		return http.StatusInternalServerError
	case errors.Is(err, rpc.ErrHandshakeTimeout):
		return http.StatusInternalServerError
	case errors.As(err, &remote):
		return http.StatusInternalServerError
	case errors.Is(err, rpc.ErrCallTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, rpc.ErrProcessTerminated), errors.Is(err, rpc.ErrNotReady):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(b)
	return err
}

func (g *Gateway) ok(w http.ResponseWriter, r *http.Request, data any, message string) {
	if err := writeJSON(w, http.StatusOK, Response{Success: true, Data: data, Message: message}); err != nil {
		g.reqLogger(r).Debugf("error writing response: %s", err)
	}
}

// fail writes err as an envelope. A worker error object is passed through as data.
func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	resp := Response{Error: err.Error()}
	var remote *rpc.RemoteError
	if errors.As(err, &remote) {
		resp.Data = remote
	}
	g.reqLogger(r).Debugw("request failed", "Status", status, "Error", err)
	if werr := writeJSON(w, status, resp); werr != nil {
		g.reqLogger(r).Debugf("error writing response: %s", werr)
	}
}
