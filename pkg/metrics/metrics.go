package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NodeMetrics tracks the section dispatcher of one node
type NodeMetrics struct {
	// Command loop metrics
	CommandsHandled *prometheus.CounterVec
	CommandErrors   *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	HandleLatency   prometheus.Histogram

	// Membership metrics
	SectionMembers  prometheus.Gauge
	ArchivedMembers prometheus.Gauge
	Elders          prometheus.Gauge
	IsElder         prometheus.Gauge
	MembershipGen   prometheus.Gauge

	// Join metrics
	JoinRequests  *prometheus.CounterVec
	JoinsInFlight prometheus.Gauge

	// Comm metrics
	MessagesReceived *prometheus.CounterVec
	MessagesSent     prometheus.Counter
	SendFailures     *prometheus.CounterVec

	// Liveness metrics
	PendingQueries    prometheus.Gauge
	UnresponsivePeers prometheus.Gauge
	LastLivenessCheck prometheus.Gauge
	StorageLevel      *prometheus.GaugeVec
}

// NewNodeMetrics creates and registers Prometheus metrics
func NewNodeMetrics(registry prometheus.Registerer) *NodeMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &NodeMetrics{
		CommandsHandled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sectiond_commands_handled_total",
			Help: "Total number of commands handled by the command loop",
		}, []string{"command"}),
		CommandErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sectiond_command_errors_total",
			Help: "Total number of command handler errors",
		}, []string{"command"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sectiond_command_queue_depth",
			Help: "Number of commands waiting in the queue",
		}),
		HandleLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sectiond_command_handle_seconds",
			Help:    "Command handler latency",
			Buckets: prometheus.DefBuckets,
		}),

		SectionMembers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sectiond_section_members",
			Help: "Number of current section members",
		}),
		ArchivedMembers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sectiond_section_archived_members",
			Help: "Number of archived section members",
		}),
		Elders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sectiond_section_elders",
			Help: "Number of section elders",
		}),
		IsElder: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sectiond_is_elder",
			Help: "1 when this node is an elder of its section",
		}),
		MembershipGen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sectiond_membership_generation",
			Help: "Membership generation of the current section authority",
		}),

		JoinRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sectiond_join_requests_total",
			Help: "Join requests by outcome",
		}, []string{"outcome"}),
		JoinsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sectiond_joins_in_flight",
			Help: "Join evaluations holding a permit",
		}),

		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sectiond_messages_received_total",
			Help: "Inbound messages by type",
		}, []string{"type"}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "sectiond_messages_sent_total",
			Help: "Outbound messages delivered",
		}),
		SendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sectiond_send_failures_total",
			Help: "Outbound messages that could not be delivered",
		}, []string{"recipient"}),

		PendingQueries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sectiond_pending_queries",
			Help: "Data queries awaiting an adult response",
		}),
		UnresponsivePeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sectiond_unresponsive_peers",
			Help: "Peers flagged by the last liveness check",
		}),
		LastLivenessCheck: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sectiond_last_liveness_check_timestamp",
			Help: "Timestamp of last liveness check",
		}),
		StorageLevel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sectiond_adult_storage_level",
			Help: "Storage level (0-10) reported by each adult",
		}, []string{"node"}),
	}
}

// Health is the readiness view served on /health.
type Health struct {
	Joined     bool   `json:"joined"`
	Elder      bool   `json:"elder"`
	Prefix     string `json:"prefix"`
	Members    int    `json:"members"`
	QueueDepth int    `json:"queue_depth"`
}

// HealthFunc reports the current node health.
type HealthFunc func() Health

// HealthEndpoint provides HTTP health check endpoints
type HealthEndpoint struct {
	health   HealthFunc
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewHealthEndpoint creates health check HTTP handlers
func NewHealthEndpoint(health HealthFunc, gatherer prometheus.Gatherer, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthEndpoint{health: health, gatherer: gatherer, logger: logger}
}

// RegisterHandlers registers HTTP handlers
func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(he.gatherer, promhttp.HandlerOpts{}))
}

func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := he.health()
	status := http.StatusOK
	if !h.Joined {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		he.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReadiness reports ready once the node has joined a section
func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if he.health().Joined {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT READY"))
}

// Server exposes metrics and health over HTTP.
type Server struct {
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// Listen binds addr and prepares the metrics server.
func Listen(addr string, endpoint *HealthEndpoint, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	endpoint.RegisterHandlers(mux)
	return &Server{
		server:   &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: lis,
		logger:   logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until ctx is cancelled, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting metrics server", zap.String("addr", s.Addr()))
		errCh <- s.server.Serve(s.listener)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
