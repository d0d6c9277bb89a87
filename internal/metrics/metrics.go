// Package metrics provides Prometheus instrumentation for the device core's
// host-side daemon build, grounded on Tutu's infra/metrics package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Network supervisor (C5) ────────────────────────────────────────────────

var WifiState = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "device",
	Subsystem: "netsupervisor",
	Name:      "wifi_state",
	Help:      "Current network supervisor state (0=Uninitialized..5=Failed).",
})

var WifiRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "device",
	Subsystem: "netsupervisor",
	Name:      "reconnect_attempts_total",
	Help:      "Total reconnect attempts made by the network supervisor.",
})

// ─── Cloud link ──────────────────────────────────────────────────────────────

var CloudSessionUp = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "device",
	Subsystem: "cloudlink",
	Name:      "session_up",
	Help:      "1 when the cloud MQTT session is established, else 0.",
})

var HeartbeatsPublished = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "device",
	Subsystem: "cloudlink",
	Name:      "heartbeats_published_total",
	Help:      "Total heartbeats successfully published.",
})

var HeartbeatsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "device",
	Subsystem: "cloudlink",
	Name:      "heartbeats_dropped_total",
	Help:      "Total heartbeats dropped because the cloud session was down or one was already in flight.",
})

// ─── Control pipeline (C4) ───────────────────────────────────────────────────

var CommandsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "device",
	Subsystem: "control",
	Name:      "commands_applied_total",
	Help:      "Total commands applied to the peripheral, by actor.",
}, []string{"actor"})

var CommandQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "device",
	Subsystem: "control",
	Name:      "queue_depth",
	Help:      "Current depth of the non-urgent command queue.",
})

var LightDutyPercent = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "device",
	Subsystem: "control",
	Name:      "light_duty_percent",
	Help:      "Last-applied grow-light duty cycle percentage.",
})

var PumpDutyPercent = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "device",
	Subsystem: "control",
	Name:      "pump_duty_percent",
	Help:      "Last-applied air-pump duty cycle percentage.",
})

// ─── Commissioning (C6/C7) ────────────────────────────────────────────────────

var LocalChannelActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "device",
	Subsystem: "commissioning",
	Name:      "local_channel_active",
	Help:      "1 when the local commissioning channel is open, else 0.",
})

var ReplayRejections = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "device",
	Subsystem: "commissioning",
	Name:      "replay_rejections_total",
	Help:      "Total control frames rejected by the anti-replay window.",
})

// ─── Update pipeline (C8) ─────────────────────────────────────────────────────

var UpdateAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "device",
	Subsystem: "update",
	Name:      "attempts_total",
	Help:      "Total update pipeline attempts, by outcome.",
}, []string{"outcome"})

var UpdateFirmwareVersion = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "device",
	Subsystem: "update",
	Name:      "firmware_version",
	Help:      "Currently committed anti-rollback firmware version.",
})

// ─── Watchdog (C10) ───────────────────────────────────────────────────────────

var WatchdogTrips = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "device",
	Subsystem: "watchdog",
	Name:      "trips_total",
	Help:      "Total safety watchdog trips.",
})
