// Package runtime bundles the process-wide dependencies shared by every
// component — configuration, logging, and metrics — into one value, rather
// than threading each separately through every constructor.
package runtime

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/flowpbx/internal/admin"
	"github.com/flowpbx/flowpbx/internal/config"
	"github.com/flowpbx/flowpbx/internal/database"
	"github.com/flowpbx/flowpbx/internal/metrics"
)

// Runtime is the process-wide dependency bundle. It is built once in
// cmd/flowpbx/main.go after the SIP server and database are up, and handed
// to anything that needs to record or export metrics.
type Runtime struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	Registry *prometheus.Registry
}

// New builds a Runtime whose metrics collector is backed by ctrl and the
// given repositories. There is no RTP aggregate-stat provider in this build
// (no component tracks cumulative packets/bytes across relays), so that
// provider is passed as nil; Collector's own contract treats a nil provider
// as "omit this metric" rather than an error.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	ctrl admin.Control,
	registrations database.RegistrationRepository,
	cdrs database.CDRRepository,
	voicemail database.VoicemailMessageRepository,
) *Runtime {
	collector := metrics.NewCollector(
		activeCallsAdapter{ctrl},
		registrations,
		trunkStatusAdapter{ctrl},
		cdrs,
		nil,
		voicemail,
		time.Now(),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	return &Runtime{
		Config:   cfg,
		Logger:   logger,
		Metrics:  collector,
		Registry: registry,
	}
}

// activeCallsAdapter satisfies metrics.ActiveCallsProvider from the
// control surface's differently-named equivalent.
type activeCallsAdapter struct{ ctrl admin.Control }

func (a activeCallsAdapter) GetActiveCallCount() int {
	return a.ctrl.ActiveCallCount()
}

// trunkStatusAdapter satisfies metrics.TrunkStatusProvider, translating
// admin.TrunkStatus (the full registration/health record) down to the
// three fields the collector exports.
type trunkStatusAdapter struct{ ctrl admin.Control }

func (a trunkStatusAdapter) GetAllTrunkStatuses() []metrics.TrunkStatusEntry {
	statuses := a.ctrl.TrunkStatuses()
	out := make([]metrics.TrunkStatusEntry, len(statuses))
	for i, st := range statuses {
		out[i] = metrics.TrunkStatusEntry{
			TrunkID: st.TrunkID,
			Name:    st.Name,
			Status:  st.Status,
		}
	}
	return out
}
