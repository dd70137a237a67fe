// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus counters for the delivery core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buildsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soundspan",
			Name:      "transcode_builds_started_total",
			Help:      "DASH builds started, by quality tier",
		},
		[]string{"quality"},
	)

	buildsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soundspan",
			Name:      "transcode_builds_failed_total",
			Help:      "DASH builds that ended in failure",
		},
		[]string{"reason"},
	)

	flagFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "soundspan",
			Name:      "transcode_flag_fallbacks_total",
			Help:      "Builds retried after stripping an unsupported transcoder flag",
		},
	)

	validationResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soundspan",
			Name:      "cache_validations_total",
			Help:      "Structural validations of cached assets, by outcome",
		},
		[]string{"outcome"},
	)

	pruneReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "soundspan",
			Name:      "cache_prune_reclaimed_bytes_total",
			Help:      "Bytes reclaimed by cache pruning",
		},
	)

	readinessWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soundspan",
			Name:      "session_readiness_waits_total",
			Help:      "Readiness waits, by result (ready, timeout, failed)",
		},
		[]string{"result"},
	)

	repairsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "soundspan",
			Name:      "session_repairs_scheduled_total",
			Help:      "Playback-error repairs accepted for execution",
		},
	)
)

func IncBuildStarted(quality string)   { buildsStarted.WithLabelValues(quality).Inc() }
func IncBuildFailed(reason string)     { buildsFailed.WithLabelValues(reason).Inc() }
func IncFlagFallback()                 { flagFallbacks.Inc() }
func IncValidation(outcome string)     { validationResults.WithLabelValues(outcome).Inc() }
func AddPruneReclaimed(bytes int64)    { pruneReclaimed.Add(float64(bytes)) }
func IncReadinessWait(result string)   { readinessWaits.WithLabelValues(result).Inc() }
func IncRepairScheduled()              { repairsScheduled.Inc() }
