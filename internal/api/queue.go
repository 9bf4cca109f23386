package api

import (
	"encoding/json"
	"net/http"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/jerkytreats/lmserver/internal/relay"
)

// QueueStatusHandler handles GET /v1/queue/status. It reports the gate's
// advisory slot availability plus a host memory snapshot, since backend
// capacity is bounded by RAM. The slot count may race with in-flight
// acquires; it is for monitoring backpressure, not for admission control.
func QueueStatusHandler(rel *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		available, capacity := rel.Gate().Inspect()
		resp := map[string]interface{}{
			"max_concurrent":  capacity,
			"available_slots": available,
			"backend_url":     rel.BaseURL(),
		}
		if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
			resp["memory"] = map[string]interface{}{
				"total_bytes":     vm.Total,
				"available_bytes": vm.Available,
				"used_percent":    vm.UsedPercent,
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
