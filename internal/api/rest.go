package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/signalops/order-execution-engine/internal/execution"
	"github.com/signalops/order-execution-engine/internal/metrics"
	"github.com/signalops/order-execution-engine/internal/order"
	"github.com/signalops/order-execution-engine/internal/queue"
)

const serviceName = "order-execution-engine"

// RestAPI serves order submission, inspection and the WebSocket gateway.
type RestAPI struct {
	engine   *execution.Engine
	metrics  *metrics.Metrics
	logger   *slog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
	grace    time.Duration
}

func NewRestAPI(engine *execution.Engine, m *metrics.Metrics, grace time.Duration, logger *slog.Logger) *RestAPI {
	if logger == nil {
		logger = slog.Default()
	}
	api := &RestAPI{
		engine:  engine,
		metrics: m,
		logger:  logger.With("component", "api"),
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		grace: grace,
	}
	api.setupRoutes()
	return api
}

func (api *RestAPI) setupRoutes() {
	api.router.Use(api.logRequests)

	api.router.HandleFunc("/api/orders/execute", api.submitOrder).Methods(http.MethodPost)
	api.router.HandleFunc("/api/orders/updates", api.orderUpdates).Methods(http.MethodGet)
	api.router.HandleFunc("/api/orders/connect", api.connect).Methods(http.MethodGet)
	api.router.HandleFunc("/api/orders/{id}", api.getOrder).Methods(http.MethodGet)
	api.router.HandleFunc("/api/orders", api.listOrders).Methods(http.MethodGet)

	api.router.HandleFunc("/api/jobs/failed", api.failedJobs).Methods(http.MethodGet)
	api.router.HandleFunc("/api/jobs/{id}", api.getJob).Methods(http.MethodGet)
	api.router.HandleFunc("/api/jobs/{id}", api.removeJob).Methods(http.MethodDelete)

	api.router.HandleFunc("/ping", api.ping).Methods(http.MethodGet)
	api.router.HandleFunc("/health", api.health).Methods(http.MethodGet)
	api.router.Handle("/metrics", api.metrics.Handler()).Methods(http.MethodGet)
}

// Handler returns the routed HTTP handler.
func (api *RestAPI) Handler() http.Handler {
	return api.router
}

func (api *RestAPI) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		api.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// submitOrder queues an order and returns its id without waiting.
func (api *RestAPI) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req order.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "Invalid request body",
		})
		return
	}

	o, err := api.engine.Submit(r.Context(), req)
	if err != nil {
		api.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"orderId": o.ID,
		"status":  o.Status.Lower(),
		"message": "Order queued",
	})
}

func (api *RestAPI) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := api.engine.Order(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(o))
}

func (api *RestAPI) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := api.engine.Orders(r.Context(), limitParam(r))
	if err != nil {
		api.writeError(w, err)
		return
	}
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, newOrderView(o))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": views,
		"count":  len(views),
	})
}

func (api *RestAPI) failedJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := api.engine.FailedJobs(r.Context(), limitParam(r))
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (api *RestAPI) getJob(w http.ResponseWriter, r *http.Request) {
	info, err := api.engine.Job(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (api *RestAPI) removeJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := api.engine.RemoveJob(r.Context(), id); err != nil {
		api.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"removed": true,
	})
}

func (api *RestAPI) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "pong",
	})
}

func (api *RestAPI) health(w http.ResponseWriter, r *http.Request) {
	if err := api.engine.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unhealthy",
			"service": serviceName,
			"error":   err.Error(),
		})
		return
	}
	resp := map[string]interface{}{
		"status":  "healthy",
		"service": serviceName,
	}
	if stats, err := api.engine.QueueStats(r.Context()); err == nil {
		resp["queue"] = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeError maps engine errors to HTTP statuses.
func (api *RestAPI) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case order.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, order.ErrNotFound), errors.Is(err, queue.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrJobActive):
		status = http.StatusConflict
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		api.logger.Error("request failed", "err", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]interface{}{
		"error": msg,
	})
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 50
	}
	return limit
}

// orderView is the JSON form of a stored order.
type orderView struct {
	OrderID        string    `json:"orderId"`
	TokenIn        string    `json:"tokenIn"`
	TokenOut       string    `json:"tokenOut"`
	AmountIn       string    `json:"amountIn"`
	Status         string    `json:"status"`
	SelectedVenue  string    `json:"selectedVenue,omitempty"`
	TxHash         string    `json:"txHash,omitempty"`
	ExecutionPrice string    `json:"executionPrice,omitempty"`
	FailureReason  string    `json:"failureReason,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func newOrderView(o *order.Order) orderView {
	v := orderView{
		OrderID:       o.ID,
		TokenIn:       o.TokenIn,
		TokenOut:      o.TokenOut,
		AmountIn:      o.AmountIn.String(),
		Status:        o.Status.Lower(),
		SelectedVenue: o.SelectedVenue,
		TxHash:        o.TxHash,
		FailureReason: o.FailureReason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.ExecutionPrice.Valid {
		v.ExecutionPrice = o.ExecutionPrice.Decimal.String()
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
