// Package instrument exports OTR session counters to prometheus.
package instrument

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meszmate/ircotr/internal/crypto/otr"
	"github.com/meszmate/ircotr/internal/events"
)

// Metrics counts session notifications. Each Metrics owns its registry so
// several apps can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	smpResults     *prometheus.CounterVec
	keyGenerations *prometheus.CounterVec
	protocolErrors prometheus.Counter
}

// New creates the counters and registers them
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ircotr_session_transitions_total",
				Help: "Number of conversation state changes",
			},
			[]string{"from", "to"},
		),
		smpResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ircotr_smp_results_total",
				Help: "Number of finished authentication exchanges",
			},
			[]string{"result"},
		),
		keyGenerations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ircotr_key_generations_total",
				Help: "Number of private key generations",
			},
			[]string{"result"},
		),
		protocolErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ircotr_protocol_errors_total",
				Help: "Number of protocol errors reported by the engine",
			},
		),
	}
	m.registry.MustRegister(m.transitions, m.smpResults, m.keyGenerations, m.protocolErrors)
	return m
}

// Observe updates the counters from one event. It is an events.Handler.
func (m *Metrics) Observe(e events.Event) {
	switch ev := e.Data.(type) {
	case otr.StateChange:
		m.transitions.WithLabelValues(ev.Old.String(), ev.New.String()).Inc()
	case otr.SMPResult:
		m.smpResults.WithLabelValues(outcome(ev.Succeeded)).Inc()
	case otr.KeyGeneration:
		if e.Type == events.EventKeyGenerationFinished {
			m.keyGenerations.WithLabelValues(outcome(ev.Err == nil)).Inc()
		}
	case otr.ProtocolError:
		m.protocolErrors.Inc()
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Registry returns the registry the counters live in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the counters in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics on a TCP address
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *log.Logger
}

// Listen binds address and serves m in the background
func Listen(address string, m *Metrics, logger *log.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
		log: logger.WithPrefix("metrics"),
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server stopped", "err", err)
		}
	}()
	s.log.Info("serving metrics", "address", ln.Addr().String())
	return s, nil
}

// Addr returns the bound address
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Shutdown stops the server, waiting for requests in flight
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
