package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	typeLabelNames = []string{"type"}
	poolLabelNames = []string{"pool"}
)

// Routing metrics
var (
	commandsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedoscope_commands_routed",
		Help: "The total number of driver commands routed into a pool",
	}, typeLabelNames)
	commandsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedoscope_commands_rejected",
		Help: "The total number of driver commands rejected by the dispatcher",
	}, typeLabelNames)
	deployBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "schedoscope_deploy_broadcasts",
		Help: "The total number of deploy commands broadcast to all pools",
	})
)

// Worker metrics
var (
	transformationsSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedoscope_transformations_success",
		Help: "The total number of transformations completed successfully",
	}, poolLabelNames)
	transformationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedoscope_transformations_errors",
		Help: "The total number of transformations that failed terminally",
	}, poolLabelNames)
	workerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedoscope_worker_restarts",
		Help: "The total number of worker restarts performed by pool supervisors",
	}, typeLabelNames)
)

// Backoff metrics
var (
	ticksScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedoscope_ticks_scheduled",
		Help: "The total number of worker activations scheduled after a backoff wait",
	}, poolLabelNames)
	ticksImmediate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedoscope_ticks_immediate",
		Help: "The total number of first-boot worker activations sent without wait",
	}, poolLabelNames)
)
