package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"xrp-payment-monitor/internal/metrics"
	"xrp-payment-monitor/internal/models"
	"xrp-payment-monitor/internal/store"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	routeHealth   = "/health"
	routePayments = "/api/v1/payments"
	routeStatus   = "/api/v1/status"
)

// Handler serves the read API over HTTP
type Handler struct {
	svc *PaymentService
}

func NewHandler(svc *PaymentService) *Handler {
	return &Handler{svc: svc}
}

// NewRouter wires the read API, health and metrics endpoints.
func NewRouter(svc *PaymentService) *mux.Router {
	h := NewHandler(svc)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc(routeHealth, h.Health).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/payments", h.ListPayments).Methods(http.MethodGet)
	apiV1.HandleFunc("/status", h.Status).Methods(http.MethodGet)
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.HealthCheck(r.Context()); err != nil {
		h.respondError(w, http.StatusServiceUnavailable, err.Error(), r.Method, routeHealth)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, r.Method, routeHealth)
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r.URL.Query())
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), r.Method, routePayments)
		return
	}

	payments, err := h.svc.ListPayments(r.Context(), filter)
	if err != nil {
		if errors.Is(err, store.ErrInvalidPayment) {
			h.respondError(w, http.StatusBadRequest, err.Error(), r.Method, routePayments)
			return
		}
		h.respondError(w, http.StatusServiceUnavailable, "payment store unavailable", r.Method, routePayments)
		return
	}

	if payments == nil {
		payments = []models.PaymentRecord{}
	}
	h.respondJSON(w, http.StatusOK, models.PaymentsResponse{Payments: payments, Count: len(payments)}, r.Method, routePayments)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.svc.Status(r.Context()), r.Method, routeStatus)
}

// ParseFilter reads payment filters from query parameters. Times are RFC 3339.
func ParseFilter(q url.Values) (store.PaymentFilter, error) {
	filter := store.PaymentFilter{
		Receiver: q.Get("receiver"),
		Sender:   q.Get("sender"),
		Currency: strings.ToUpper(q.Get("currency")),
		Status:   models.PaymentStatus(strings.ToLower(q.Get("status"))),
	}

	var err error
	if filter.Since, err = parseTime(q, "since"); err != nil {
		return filter, err
	}
	if filter.Until, err = parseTime(q, "until"); err != nil {
		return filter, err
	}
	if !filter.Since.IsZero() && !filter.Until.IsZero() && !filter.Since.Before(filter.Until) {
		return filter, fmt.Errorf("since must be before until")
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
		filter.Limit = limit
	}
	return filter, nil
}

func parseTime(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: expected RFC 3339", key, v)
	}
	return t.UTC(), nil
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, route string) {
	metrics.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Debug("Failed to write response", zap.String("route", route), zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, route string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, route)
}
