package cranker

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/stakepool-labs/cranker/pkg/orchestrator"
	"github.com/stakepool-labs/cranker/pkg/types"
)

// Status is the /status payload.
type Status struct {
	Cluster string                     `json:"cluster"`
	Pool    string                     `json:"pool"`
	State   orchestrator.State         `json:"state"`
	Running bool                       `json:"running"`
	DryRun  bool                       `json:"dry_run"`
	Cycles  []orchestrator.CycleReport `json:"cycles"`
}

// NewRouter returns the status router.
func (a *App) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if a.Ready() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})).Methods("GET")

	r.HandleFunc("/status", a.HandleStatus).Methods("GET")
	r.HandleFunc("/epochs/latest", a.HandleLatestEpoch).Methods("GET")
	r.HandleFunc("/epochs/{epoch}/eligibility", a.HandleEligibility).Methods("GET")
	r.Handle("/metrics", a.Metrics.Handler()).Methods("GET")
	r.HandleFunc("/ws", a.HandleWebSocket)

	return r
}

// Handler wraps the router with panic recovery, access logs and compression.
// The websocket route is served uncompressed since the upgrade needs the raw connection.
func (a *App) Handler() http.Handler {
	router := a.NewRouter()
	accessLog := zap.NewStdLog(a.Logger.Named("http")).Writer()

	compressed := handlers.CompressHandler(router)
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			router.ServeHTTP(w, r)
			return
		}
		compressed.ServeHTTP(w, r)
	})

	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(
		handlers.CombinedLoggingHandler(accessLog, root),
	)
}

// SetupServer builds the HTTP server on cfg.Server.Addr.
func (a *App) SetupServer() {
	a.Server = &http.Server{Addr: a.Config.Server.Addr, Handler: a.Handler()}
}

// HandleStatus reports the loop state and the recent cycle reports, newest first.
func (a *App) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	cycles := make([]orchestrator.CycleReport, 0, a.Reports.Size())
	for _, e := range a.reportEpochs() {
		if r, ok := a.Reports.Load(e); ok {
			cycles = append(cycles, r)
		}
	}
	writeJSON(w, http.StatusOK, Status{
		Cluster: a.Config.Cluster,
		Pool:    a.Config.PoolAddress,
		State:   a.Orchestrator.State(),
		Running: a.Orchestrator.Running(),
		DryRun:  a.Config.Executor.DryRun,
		Cycles:  cycles,
	})
}

// HandleLatestEpoch returns the newest recorded epoch metrics. Without a history store it falls back
// to the newest cycle this process ran.
func (a *App) HandleLatestEpoch(w http.ResponseWriter, r *http.Request) {
	m, err := a.History.LatestEpochMetrics(r.Context())
	if err != nil {
		a.Logger.Warn("latest epoch metrics query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if m == nil {
		m = a.latestReportedMetrics()
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "no epoch recorded")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleEligibility returns every validator's eligibility row for an epoch.
func (a *App) HandleEligibility(w http.ResponseWriter, r *http.Request) {
	epoch, err := strconv.ParseUint(mux.Vars(r)["epoch"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid epoch")
		return
	}

	rows, err := a.History.EligibilityByEpoch(r.Context(), epoch)
	if err != nil {
		a.Logger.Warn("eligibility query failed", zap.Uint64("epoch", epoch), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, "epoch not recorded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"epoch":      epoch,
		"validators": rows,
	})
}

func (a *App) latestReportedMetrics() *types.EpochMetrics {
	for _, e := range a.reportEpochs() {
		if r, ok := a.Reports.Load(e); ok && r.Metrics != nil {
			return r.Metrics
		}
	}
	return nil
}

func marshalReport(r orchestrator.CycleReport) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
