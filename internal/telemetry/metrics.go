package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsPlanned     = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_jobs_planned_total", Help: "Job rows written by the planner"})
	PlanRejects     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_plan_rejects_total", Help: "Plan requests rejected before persistence"}, []string{"reason"})
	Claims          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_claims_total", Help: "Jobs claimed by a runtime"}, []string{"runtime", "kind"})
	ClaimConflicts  = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_claim_conflicts_total", Help: "Claims lost to another processor"})
	Items           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_items_total", Help: "Item outcomes"}, []string{"outcome"})
	Backoffs        = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_rate_limit_backoffs_total", Help: "Job suspensions caused by rate limiting"})
	CarryOvers      = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_carry_overs_total", Help: "Successor jobs created after a terminal item failure"})
	JobsFinished    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_jobs_finished_total", Help: "Jobs reaching a final status"}, []string{"status"})
	JobsRebalanced  = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_jobs_rebalanced_total", Help: "Pending jobs rewritten by the rebalancer"})
	ReadyDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_ready_jobs", Help: "Pending jobs whose start time has passed"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_jobs_inflight", Help: "Jobs currently executing in this process"})
	SuspendedGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_jobs_suspended", Help: "Jobs waiting out a rate-limit back-off"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsPlanned,
			PlanRejects,
			Claims,
			ClaimConflicts,
			Items,
			Backoffs,
			CarryOvers,
			JobsFinished,
			JobsRebalanced,
			ReadyDepthGauge,
			InFlightGauge,
			SuspendedGauge,
		)
	})
	return promhttp.Handler()
}
