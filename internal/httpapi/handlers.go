package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/tradescout/relay/internal/chain"
	"github.com/tradescout/relay/internal/config"
	"github.com/tradescout/relay/internal/hyperliquid"
	"github.com/tradescout/relay/internal/telemetry/latency"
)

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status         string             `json:"status"`
	Timestamp      time.Time          `json:"timestamp"`
	Uptime         string             `json:"uptime"`
	Watchlist      int                `json:"watchlist"`
	PositionsReady bool               `json:"positionsReady"`
	PublishLatency map[string]float64 `json:"publishLatencyMs,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:         "healthy",
		Timestamp:      time.Now().UTC(),
		Uptime:         time.Since(s.start).Round(time.Second).String(),
		Watchlist:      s.deps.Watchlist.Size(),
		PositionsReady: s.deps.Tracker.PositionsReady(),
	}
	if s.deps.Latency != nil {
		// The snapshot covers every pipeline stage in no particular order;
		// the health payload reports the publish stage only.
		for _, m := range s.deps.Latency.Snapshot() {
			if m.Stage != latency.StagePublish {
				continue
			}
			resp.PublishLatency = map[string]float64{
				"p50": m.P50,
				"p95": m.P95,
				"p99": m.P99,
			}
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// PositionsStatusResponse is the /positions/status payload.
type PositionsStatusResponse struct {
	PositionsReady bool                 `json:"positionsReady"`
	Tracked        int                  `json:"tracked"`
	Snapshots      map[string]time.Time `json:"snapshots"`
}

func (s *Server) handlePositionsStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, PositionsStatusResponse{
		PositionsReady: s.deps.Tracker.PositionsReady(),
		Tracked:        len(s.deps.Tracker.Addresses()),
		Snapshots:      s.deps.Tracker.LastSnapshotTimes(),
	})
}

func (s *Server) handleWatchlistRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Watchlist.Reconcile(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"watchlist": s.deps.Watchlist.Size()})
}

type chainRequest struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
}

// parseChainRequest normalizes and validates the (address, asset) pair shared
// by the chain endpoints.
func (s *Server) parseChainRequest(r *http.Request) (chainRequest, string) {
	var req chainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, "invalid request body"
	}
	addr, ok := config.NormalizeAddress(req.Address)
	if !ok {
		return req, "invalid address"
	}
	req.Address = addr
	req.Asset = strings.ToUpper(strings.TrimSpace(req.Asset))
	if req.Asset == "" {
		return req, "asset is required"
	}
	allowed := false
	for _, a := range s.deps.Assets {
		if strings.EqualFold(a, req.Asset) {
			allowed = true
			break
		}
	}
	if !allowed {
		return req, "unknown asset"
	}
	return req, ""
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, errMsg := s.parseChainRequest(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	report, err := s.deps.Chain.Validate(r.Context(), req.Address, req.Asset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	req, errMsg := s.parseChainRequest(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	result, err := s.deps.Chain.Repair(r.Context(), req.Address, req.Asset)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRepairAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.deps.Chain.RepairAll(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if results == nil {
		results = []chain.RepairResult{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"repaired": len(results),
		"results":  results,
	})
}

type fetchHistoryRequest struct {
	Address string   `json:"address"`
	Symbols []string `json:"symbols"`
}

// handleFetchHistory pulls exchange history for one address and ingests it
// through the normal classify-and-insert path.
func (s *Server) handleFetchHistory(w http.ResponseWriter, r *http.Request) {
	var req fetchHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	addr, ok := config.NormalizeAddress(req.Address)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	symbols := req.Symbols
	if len(symbols) == 0 {
		symbols = s.deps.Assets
	}

	fills, err := s.deps.History.FetchUserFills(r.Context(), addr, hyperliquid.FillQuery{
		Symbols:         symbols,
		AggregateByTime: true,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	ingested, err := s.deps.Tracker.IngestBackfill(r.Context(), addr, fills)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"fetched":  len(fills),
		"ingested": ingested,
	})
}
