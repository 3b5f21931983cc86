package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	messagesStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_stored_total",
			Help: "Total number of stored chat messages.",
		},
		[]string{"service", "kind"},
	)

	messagesCiphertextBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_messages_ciphertext_bytes",
			Help:    "Ciphertext sizes for stored chat messages.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		},
		[]string{"service", "kind"},
	)

	messageHistoryFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_history_fetched_total",
			Help: "Total number of history and resync fetch operations.",
		},
		[]string{"service", "scope"},
	)

	decryptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_decrypt_failures_total",
			Help: "Messages that could not be decrypted, by reason.",
		},
		[]string{"service", "reason"},
	)

	fanoutJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_fanout_jobs_total",
			Help: "Fanout queue and bus operations grouped by result.",
		},
		[]string{"service", "result"},
	)

	gatewayConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_gateway_connections_active",
			Help: "Currently joined websocket connections.",
		},
		[]string{"service"},
	)

	gatewayDisconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_gateway_disconnects_total",
			Help: "Closed websocket connections grouped by authoritative reason.",
		},
		[]string{"service", "reason"},
	)

	gatewayPushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_gateway_pushes_total",
			Help: "Room pushes to individual sockets grouped by result.",
		},
		[]string{"service", "result"},
	)

	handshakeAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_handshake_attempts_total",
			Help: "Websocket handshake identity checks.",
		},
		[]string{"service", "method", "result"},
	)
)

// Curried views used by the rest of the code. They are bound to a default
// service label at init so packages can record metrics in tests without
// registering anything.
var (
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec
	MessagesStoredTotal        *prometheus.CounterVec
	MessagesCiphertextBytes    *prometheus.HistogramVec
	MessageHistoryFetchedTotal *prometheus.CounterVec
	DecryptFailuresTotal       *prometheus.CounterVec
	FanoutJobsTotal            *prometheus.CounterVec
	GatewayConnectionsActive   prometheus.Gauge
	GatewayDisconnectsTotal    *prometheus.CounterVec
	GatewayPushesTotal         *prometheus.CounterVec
	HandshakeAttemptsTotal     *prometheus.CounterVec
)

func init() {
	curry("chat")
}

func curry(serviceName string) {
	labels := prometheus.Labels{"service": serviceName}
	HTTPRequestsTotal = httpRequestsTotal.MustCurryWith(labels)
	HTTPRequestDurationSeconds = httpRequestDurationSeconds.MustCurryWith(labels).(*prometheus.HistogramVec)
	MessagesStoredTotal = messagesStoredTotal.MustCurryWith(labels)
	MessagesCiphertextBytes = messagesCiphertextBytes.MustCurryWith(labels).(*prometheus.HistogramVec)
	MessageHistoryFetchedTotal = messageHistoryFetchedTotal.MustCurryWith(labels)
	DecryptFailuresTotal = decryptFailuresTotal.MustCurryWith(labels)
	FanoutJobsTotal = fanoutJobsTotal.MustCurryWith(labels)
	GatewayConnectionsActive = gatewayConnectionsActive.WithLabelValues(serviceName)
	GatewayDisconnectsTotal = gatewayDisconnectsTotal.MustCurryWith(labels)
	GatewayPushesTotal = gatewayPushesTotal.MustCurryWith(labels)
	HandshakeAttemptsTotal = handshakeAttemptsTotal.MustCurryWith(labels)
}

func MustRegister(serviceName string) {
	curry(serviceName)

	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		messagesStoredTotal,
		messagesCiphertextBytes,
		messageHistoryFetchedTotal,
		decryptFailuresTotal,
		fanoutJobsTotal,
		gatewayConnectionsActive,
		gatewayDisconnectsTotal,
		gatewayPushesTotal,
		handshakeAttemptsTotal,
	)
}
