package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// MDMetrics are the Message Director collectors.
type MDMetrics struct {
	Routed       prometheus.Counter
	Dropped      prometheus.Counter
	PostRemoves  prometheus.Counter
	Participants prometheus.Gauge
	QueueDepth   prometheus.Gauge
}

func NewMDMetrics(reg prometheus.Registerer) *MDMetrics {
	m := &MDMetrics{
		Routed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otpd_md_routed_datagrams_total",
			Help: "Datagrams forwarded to a bound participant.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otpd_md_dropped_datagrams_total",
			Help: "Datagrams with no participant bound to the destination.",
		}),
		PostRemoves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otpd_md_post_removes_replayed_total",
			Help: "Post-remove datagrams replayed at channel removal.",
		}),
		Participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "otpd_md_participant_channels",
			Help: "Channels currently bound in the participant table.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "otpd_md_queue_depth",
			Help: "Routed datagrams waiting for the flush task.",
		}),
	}
	reg.MustRegister(m.Routed, m.Dropped, m.PostRemoves, m.Participants, m.QueueDepth)
	return m
}

// CAMetrics are the Client Agent collectors.
type CAMetrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	Disconnects       *prometheus.CounterVec
	InterestTimeouts  prometheus.Counter
}

func NewCAMetrics(reg prometheus.Registerer) *CAMetrics {
	m := &CAMetrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "otpd_ca_connections_active",
			Help: "Client connections currently open.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otpd_ca_connections_total",
			Help: "Client connections accepted since start.",
		}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otpd_ca_disconnects_total",
			Help: "Server-initiated disconnects by numeric code.",
		}, []string{"code"}),
		InterestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otpd_ca_interest_timeouts_total",
			Help: "Interest handshakes forced complete by the timeout task.",
		}),
	}
	reg.MustRegister(m.ConnectionsActive, m.ConnectionsTotal, m.Disconnects, m.InterestTimeouts)
	return m
}

// DBMetrics are the Database Server collectors.
type DBMetrics struct {
	Operations *prometheus.CounterVec
	Objects    prometheus.Gauge
}

func NewDBMetrics(reg prometheus.Registerer) *DBMetrics {
	m := &DBMetrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otpd_db_operations_total",
			Help: "Database operations processed by kind.",
		}, []string{"op"}),
		Objects: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "otpd_db_objects",
			Help: "Objects stored in the backend.",
		}),
	}
	reg.MustRegister(m.Operations, m.Objects)
	return m
}

// SSMetrics are the State Server collectors.
type SSMetrics struct {
	Objects prometheus.Gauge
	Shards  prometheus.Gauge
}

func NewSSMetrics(reg prometheus.Registerer) *SSMetrics {
	m := &SSMetrics{
		Objects: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "otpd_ss_objects",
			Help: "Live state objects in the registry.",
		}),
		Shards: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "otpd_ss_shards",
			Help: "Registered shards.",
		}),
	}
	reg.MustRegister(m.Objects, m.Shards)
	return m
}

// ServeMetrics exposes the registry over HTTP until ctx is done. addr may be
// empty, in which case nothing is served.
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log zerolog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	go func() {
		log.Info().Str("addr", addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}
