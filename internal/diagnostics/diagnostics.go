// Package diagnostics serves a small read-only HTTP surface alongside the
// line-oriented task protocol: health, a JSON status snapshot, Prometheus
// metrics, and a tail of recent log lines. It is bound to its own address
// and never touches the task protocol's TCP port.
package diagnostics

import (
	"net/http"

	"github.com/armon/circbuf"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjfitzpatrick/dalserver/internal/daemon"
)

// logTailBytes bounds the in-memory ring of recently formatted log lines
// exposed at /debug/log. Task stdout is never buffered here; it flows
// straight from the child to the client socket.
const logTailBytes = 64 * 1024

// LogTail is an io.Writer that can be handed to a logger as a second output
// sink, and read back for the /debug/log endpoint.
type LogTail struct {
	buf *circbuf.Buffer
}

// NewLogTail allocates a bounded log tail buffer.
func NewLogTail() *LogTail {
	buf, _ := circbuf.NewBuffer(logTailBytes)
	return &LogTail{buf: buf}
}

func (t *LogTail) Write(p []byte) (int, error) { return t.buf.Write(p) }

// String returns the current buffered tail.
func (t *LogTail) String() string { return t.buf.String() }

// Metrics implements daemon.Metrics with Prometheus collectors, registered
// against its own prometheus.Registry so multiple daemons can run
// in-process during tests without colliding on the default global registry.
type Metrics struct {
	registry *prometheus.Registry

	tasksRunning    prometheus.Gauge
	connectionsOpen prometheus.Gauge
	tasksCompleted  *prometheus.CounterVec
	requestsHandled *prometheus.CounterVec
	requestErrors   prometheus.Counter
	completionsDrop prometheus.Counter
}

// NewMetrics builds and registers the votaskd_* collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "votaskd_tasks_running",
			Help: "Number of tasks currently executing.",
		}),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "votaskd_connections_open",
			Help: "Number of client connections currently open.",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "votaskd_tasks_completed_total",
			Help: "Total number of tasks that have reached a terminal state.",
		}, []string{"outcome"}),
		requestsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "votaskd_requests_handled_total",
			Help: "Total number of protocol requests dispatched, by verb.",
		}, []string{"verb"}),
		requestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "votaskd_request_errors_total",
			Help: "Total number of requests that produced an [ERR] reply.",
		}),
		completionsDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "votaskd_completions_dropped_total",
			Help: "Total number of child-termination events dropped for a full completion queue.",
		}),
	}
	reg.MustRegister(m.tasksRunning, m.connectionsOpen, m.tasksCompleted, m.requestsHandled, m.requestErrors, m.completionsDrop)
	return m
}

// ConnectionOpened implements daemon.Metrics.
func (m *Metrics) ConnectionOpened() { m.connectionsOpen.Inc() }

// ConnectionClosed implements daemon.Metrics.
func (m *Metrics) ConnectionClosed() { m.connectionsOpen.Dec() }

// TaskStarted implements daemon.Metrics.
func (m *Metrics) TaskStarted() { m.tasksRunning.Inc() }

// TaskFinished implements daemon.Metrics.
func (m *Metrics) TaskFinished(interrupted bool) {
	m.tasksRunning.Dec()
	if interrupted {
		m.tasksCompleted.WithLabelValues("interrupted").Inc()
	} else {
		m.tasksCompleted.WithLabelValues("completed").Inc()
	}
}

// RequestHandled implements daemon.Metrics.
func (m *Metrics) RequestHandled(verb string) { m.requestsHandled.WithLabelValues(verb).Inc() }

// RequestErrored implements daemon.Metrics.
func (m *Metrics) RequestErrored() { m.requestErrors.Inc() }

// CompletionDropped implements daemon.Metrics.
func (m *Metrics) CompletionDropped() { m.completionsDrop.Inc() }

var _ daemon.Metrics = (*Metrics)(nil)

// Server is the diagnostics HTTP server: GET /healthz, GET /status,
// GET /metrics, GET /debug/log.
type Server struct {
	engine *gin.Engine
	srv    *http.Server
}

// NewServer wires a gin engine exposing d's snapshot, m's collectors, and
// tail's buffered log lines.
func NewServer(addr string, d *daemon.Daemon, m *Metrics, tail *LogTail) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	engine.GET("/status", func(c *gin.Context) {
		snap := d.Snapshot()
		tasks := make([]gin.H, 0, len(snap.Tasks))
		for _, t := range snap.Tasks {
			tasks = append(tasks, gin.H{
				"conn": t.ConnID,
				"name": t.Name,
				"cmd":  t.ArgsSummary,
				"stat": t.State.String(),
				"exit": t.ExitStatus,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"nconn":   snap.Connections,
			"ntasks":  snap.Running,
			"dropped": snap.Dropped,
			"tasks":   tasks,
		})
	})

	if m != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})))
	}

	if tail != nil {
		engine.GET("/debug/log", func(c *gin.Context) {
			c.String(http.StatusOK, tail.String())
		})
	}

	return &Server{
		engine: engine,
		srv:    &http.Server{Addr: addr, Handler: engine},
	}
}

// ListenAndServe starts the diagnostics HTTP server. It blocks until the
// server is shut down or fails to bind; http.ErrServerClosed is not an
// error from the caller's point of view.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the diagnostics server down.
func (s *Server) Close() error {
	return s.srv.Close()
}
