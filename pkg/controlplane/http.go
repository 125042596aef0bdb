package controlplane

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kubescape/pidtrap/pkg/tracepoint"
)

type instructionResponse struct {
	Pid   int32  `json:"pid"`
	Addr  string `json:"addr"`
	Instr string `json:"instr"`
}

// RegisterHandlers adds the administrative endpoints to mux:
// /instruction?pid=&addr= returns the original instruction saved under a
// tracepoint, /providers the provider table.
func (c *ControlPlane) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/instruction", c.serveInstruction)
	mux.HandleFunc("/providers", c.serveProviders)
}

func (c *ControlPlane) serveInstruction(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	pid, err := strconv.ParseInt(query.Get("pid"), 10, 32)
	if err != nil {
		http.Error(w, fmt.Sprintf("bad pid: %v", err), http.StatusBadRequest)
		return
	}
	// Base 0 accepts the 0x prefix.
	addr, err := strconv.ParseUint(query.Get("addr"), 0, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("bad addr: %v", err), http.StatusBadRequest)
		return
	}

	instr, err := c.ReadInstruction(int32(pid), addr)
	switch {
	case errors.Is(err, tracepoint.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	c.writeJSON(w, instructionResponse{
		Pid:   int32(pid),
		Addr:  fmt.Sprintf("%#x", addr),
		Instr: hex.EncodeToString(instr),
	})
}

func (c *ControlPlane) serveProviders(w http.ResponseWriter, _ *http.Request) {
	c.writeJSON(w, c.Providers())
}

func (c *ControlPlane) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.log.WithError(err).Debug("failed to write response")
	}
}
