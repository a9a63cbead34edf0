package chat

import (
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/livechat/internal/metrics"
)

// AnomalyKind classifies an event the store discarded instead of applying.
type AnomalyKind string

const (
	AnomalyArchivedPush       AnomalyKind = "archived_push"
	AnomalyArchivedEscalation AnomalyKind = "archived_escalation"
	AnomalyMalformed          AnomalyKind = "malformed_event"
	AnomalyForeignMessage     AnomalyKind = "foreign_message"
)

// Anomaly describes one discarded event.
type Anomaly struct {
	Kind      AnomalyKind
	RoomID    string
	MessageID string
	Detail    string
}

// AnomalyReporter receives discarded events. Report is called with the store
// locked and must not call back into the store.
type AnomalyReporter interface {
	Report(Anomaly)
}

// LogAnomalies writes anomalies as zerolog warnings.
type LogAnomalies struct {
	Logger zerolog.Logger
}

func (r LogAnomalies) Report(a Anomaly) {
	r.Logger.Warn().
		Str("kind", string(a.Kind)).
		Str("room_id", a.RoomID).
		Str("message_id", a.MessageID).
		Str("detail", a.Detail).
		Msg("sync anomaly")
}

// MetricAnomalies counts anomalies by kind.
type MetricAnomalies struct{}

func (MetricAnomalies) Report(a Anomaly) {
	metrics.SyncAnomalies.WithLabelValues(string(a.Kind)).Inc()
}

// MultiAnomalies fans a report out to several reporters.
type MultiAnomalies []AnomalyReporter

func (m MultiAnomalies) Report(a Anomaly) {
	for _, r := range m {
		r.Report(a)
	}
}

type discardAnomalies struct{}

func (discardAnomalies) Report(Anomaly) {}
