package web

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"tuya-go-home/internal/config"
)

// pointStatus is one device in the /status document.
type pointStatus struct {
	State   string `json:"state"`
	Command string `json:"command"`
	Pulse   int64  `json:"pulse,omitempty"`
	Gear    string `json:"gear"`
}

// handleStatus reports every control point: observed state (or the
// failure string), commanded state, the pulse deadline when one is
// running, and the gear class.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	points := make(map[string]pointStatus)
	for _, dev := range s.ctrl.Status() {
		p := pointStatus{
			State:   dev.State,
			Command: dev.Command,
			Gear:    dev.Gear,
		}
		if !dev.Deadline.IsZero() {
			p.Pulse = dev.Deadline.Unix()
		}
		points[dev.Name] = p
	}

	host, _ := os.Hostname()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"host":      host,
		"timestamp": time.Now().Unix(),
		"control":   map[string]any{"status": points},
	})
}

// handleSet commands one point, or every point when point=all. The
// response is the same document as /status, so callers see the
// commanded state they just requested.
func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	point := q.Get("point")
	if point == "" {
		http.Error(w, "missing point name", http.StatusNotFound)
		return
	}

	var state bool
	switch q.Get("state") {
	case "on", "1":
		state = true
	case "off", "0":
		state = false
	case "":
		http.Error(w, "missing state value", http.StatusBadRequest)
		return
	default:
		http.Error(w, "invalid state value", http.StatusBadRequest)
		return
	}

	pulse := 0
	if p := q.Get("pulse"); p != "" {
		var err error
		pulse, err = strconv.Atoi(p)
		if err != nil || pulse < 0 {
			http.Error(w, "invalid pulse value", http.StatusBadRequest)
			return
		}
	}
	cause := q.Get("cause")

	found := false
	for i := 0; i < s.ctrl.DeviceCount(); i++ {
		if point == "all" || point == s.ctrl.DeviceName(i) {
			if s.ctrl.Set(i, state, pulse, cause) {
				found = true
			}
		}
	}
	if !found {
		http.Error(w, "invalid point name", http.StatusNotFound)
		return
	}

	s.handleStatus(w, r)
}

// handleConfigGet exports the live provisioning tables, discovered
// placeholders included.
func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	data, err := config.Export(s.ctrl.LiveConfig())
	if err != nil {
		s.logger.Error("export config", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleConfigPost replaces the provisioning tables. A document that
// does not parse is rejected without touching the live state.
func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "cannot read request body"})
		return
	}
	cfg, err := config.Parse(body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.ctrl.ApplyConfig(cfg)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write json response", "err", err)
	}
}
