package ws

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

type Health struct {
	Status      string  `json:"status"`
	Peers       int     `json:"peers"`
	Connections int     `json:"connections"`
	UptimeSec   int64   `json:"uptimeSec"`
	Goroutines  int     `json:"goroutines"`
	RSSBytes    uint64  `json:"rssBytes"`
	CPUPercent  float64 `json:"cpuPercent"`
}

func (s *Server) health() Health {
	h := Health{
		Status:      "ok",
		Peers:       s.hub.Registry().Count(),
		Connections: s.ConnectionCount(),
		UptimeSec:   int64(time.Since(s.started) / time.Second),
		Goroutines:  runtime.NumGoroutine(),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.log.Debug("process stats unavailable", zap.Error(err))
		return h
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		h.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		h.CPUPercent = cpu
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.health())
}
