package api

import (
	"net/http"

	"github.com/xraph/tempo/engine"
	"github.com/xraph/tempo/executor"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/stream"
)

// HistoryResponse lists the commits one thread paid for.
type HistoryResponse struct {
	ThreadID string            `json:"thread_id"`
	Commits  []executor.Commit `json:"commits"`
}

// TableResponse is a lookup table with its warm-up state at the current
// epoch.
type TableResponse struct {
	*lut.Table
	Warm       bool   `json:"warm"`
	ReadyEpoch uint64 `json:"ready_epoch"`
}

// PurgeDLQResponse reports how many failure reports were removed.
type PurgeDLQResponse struct {
	Purged int64 `json:"purged"`
}

// DLQCountResponse is the total number of failure reports.
type DLQCountResponse struct {
	Count int64 `json:"count"`
}

// StatsResponse aggregates engine and stream statistics.
type StatsResponse struct {
	Engine engine.Stats `json:"engine"`
	// Stream is nil when the engine runs without a broker.
	Stream *stream.BrokerStats `json:"stream,omitempty"`
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	es, err := a.eng.Stats(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := StatsResponse{Engine: es}
	if b := a.eng.StreamBroker(); b != nil {
		bs := b.Stats()
		resp.Stream = &bs
	}
	writeJSON(w, http.StatusOK, resp)
}
