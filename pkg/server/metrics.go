package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	onlineUsers          prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter

	// Command metrics
	requestsReceived *prometheus.CounterVec // by command
	logins           *prometheus.CounterVec // by result
	registrations    *prometheus.CounterVec // by result

	// Mail metrics
	emailsSent     prometheus.Counter
	emailsRejected prometheus.Counter
	notifications  *prometheus.CounterVec // by result
}

// NewMetrics creates a metrics instance registered on reg. Each server
// owns its own registry so isolated instances can coexist in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quillmail_active_sessions",
			Help: "Current number of connected sessions",
		}),
		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quillmail_online_users",
			Help: "Current number of authenticated usernames with a live session",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "quillmail_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		sessionsDisconnected: factory.NewCounter(prometheus.CounterOpts{
			Name: "quillmail_sessions_disconnected_total",
			Help: "Total number of sessions disconnected",
		}),
		requestsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quillmail_requests_received_total",
				Help: "Total number of requests received by command",
			},
			[]string{"command"},
		),
		logins: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quillmail_logins_total",
				Help: "Total number of login attempts by result",
			},
			[]string{"result"},
		),
		registrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quillmail_registrations_total",
				Help: "Total number of registration attempts by result",
			},
			[]string{"result"},
		),
		emailsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "quillmail_emails_sent_total",
			Help: "Total number of emails accepted for delivery",
		}),
		emailsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "quillmail_emails_rejected_total",
			Help: "Total number of sends rejected by validation",
		}),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quillmail_notifications_total",
				Help: "Total number of new-mail notifications by result",
			},
			[]string{"result"},
		),
	}
}

// RecordActiveSessions updates the connected session count.
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordOnlineUsers updates the online user count.
func (m *Metrics) RecordOnlineUsers(count int) {
	m.onlineUsers.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter.
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionDisconnected increments the session disconnection counter.
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordRequest increments the request counter for a command.
func (m *Metrics) RecordRequest(command string) {
	m.requestsReceived.WithLabelValues(command).Inc()
}

// RecordLogin records a login attempt outcome.
func (m *Metrics) RecordLogin(success bool) {
	m.logins.WithLabelValues(resultLabel(success)).Inc()
}

// RecordRegistration records a registration attempt outcome.
func (m *Metrics) RecordRegistration(success bool) {
	m.registrations.WithLabelValues(resultLabel(success)).Inc()
}

// RecordEmailSent increments the accepted-send counter.
func (m *Metrics) RecordEmailSent() {
	m.emailsSent.Inc()
}

// RecordEmailRejected increments the rejected-send counter.
func (m *Metrics) RecordEmailRejected() {
	m.emailsRejected.Inc()
}

// RecordNotification records a notification push outcome.
func (m *Metrics) RecordNotification(delivered bool) {
	if delivered {
		m.notifications.WithLabelValues("delivered").Inc()
	} else {
		m.notifications.WithLabelValues("dropped").Inc()
	}
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
