package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Ticket socket metrics.
var (
	socketConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socket_connections_active",
		Help: "Currently open ticket socket connections.",
	})

	socketMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socket_messages_total",
			Help: "Ticket socket messages by direction and type.",
		},
		[]string{"direction", "type"},
	)

	ticketsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickets_created_total",
		Help: "Tickets recorded by the ledger.",
	})

	ticketsDoneTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickets_done_total",
		Help: "Tickets acknowledged as applied.",
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		socketConnections, socketMessagesTotal,
		ticketsCreatedTotal, ticketsDoneTotal,
		readyGauge,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ConnOpened and ConnClosed track the live socket connection gauge.
func ConnOpened() { socketConnections.Inc() }
func ConnClosed() { socketConnections.Dec() }

// CountMessage records one socket message. Direction is "in" or "out".
func CountMessage(direction, msgType string) {
	socketMessagesTotal.WithLabelValues(direction, msgType).Inc()
}

// CountTicketsCreated adds to the ledger fan-out counter.
func CountTicketsCreated(n int) {
	if n > 0 {
		ticketsCreatedTotal.Add(float64(n))
	}
}

// CountTicketDone increments the acknowledgment counter.
func CountTicketDone() { ticketsDoneTotal.Inc() }

// Instrument wraps an HTTP handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
