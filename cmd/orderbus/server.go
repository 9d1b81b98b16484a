package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rbaliyan/eventbus"
	"github.com/rbaliyan/eventbus/dlq"
	"github.com/rbaliyan/eventbus/internal/orders"
)

type App struct {
	bus    *eventbus.Bus
	dlq    *dlq.Manager
	logger *slog.Logger
}

type createOrderRequest struct {
	OrderID       string          `json:"order_id"`
	Total         decimal.Decimal `json:"total"`
	CustomerEmail string          `json:"customer_email"`
}

func (a *App) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleLive).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReady).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/orders", a.handleCreateOrder).Methods(http.MethodPost)
	api.HandleFunc("/dlq", a.handleListDLQ).Methods(http.MethodGet)
	api.HandleFunc("/dlq/stats", a.handleDLQStats).Methods(http.MethodGet)
	api.HandleFunc("/dlq/replay", a.handleReplay).Methods(http.MethodPost)
	api.HandleFunc("/dlq/{id}/replay", a.handleReplayOne).Methods(http.MethodPost)
	api.HandleFunc("/dlq/{id}", a.handleDeleteDLQ).Methods(http.MethodDelete)
	return r
}

func (a *App) handler() http.Handler {
	return otelhttp.NewHandler(a.router(), "orderbus")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (a *App) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	status := a.bus.Status(r.Context())
	code := http.StatusOK
	if !status.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (a *App) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.OrderID == "" || req.CustomerEmail == "" {
		writeError(w, http.StatusBadRequest, errors.New("order_id and customer_email are required"))
		return
	}

	e := orders.NewOrderCreated(req.OrderID, req.Total, req.CustomerEmail)
	if err := eventbus.Publish(r.Context(), a.bus, e); err != nil {
		a.logger.Error("publish failed", "order_id", req.OrderID, "error", err)
		code := http.StatusInternalServerError
		if errors.Is(err, eventbus.ErrPublishUnavailable) {
			code = http.StatusServiceUnavailable
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": e.ID})
}

func filterFrom(r *http.Request) dlq.Filter {
	q := r.URL.Query()
	f := dlq.Filter{
		Queue:          q.Get("queue"),
		EventName:      q.Get("event"),
		Reason:         q.Get("reason"),
		ExcludeRetried: q.Get("pending") == "true",
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	return f
}

func (a *App) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.dlq.List(r.Context(), filterFrom(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []*dlq.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *App) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.dlq.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *App) handleReplay(w http.ResponseWriter, r *http.Request) {
	f := filterFrom(r)
	f.ExcludeRetried = true
	n, err := a.dlq.Replay(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"replayed": n})
}

func (a *App) handleReplayOne(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.dlq.ReplaySingle(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"replayed": 1})
}

func (a *App) handleDeleteDLQ(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.dlq.Delete(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	if errors.Is(err, dlq.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
