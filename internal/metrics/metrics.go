package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	ChargedJobs   prometheus.Counter

	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec

	Completions  *prometheus.CounterVec
	PollAttempts *prometheus.CounterVec
	RateLimited  prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "coursechat",
				Name:      "log_jobs_enqueued_total",
				Help:      "Total log jobs enqueued to the redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "coursechat",
				Name:      "log_jobs_processed_total",
				Help:      "Total log jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "coursechat",
				Name:      "log_jobs_failed_total",
				Help:      "Total log jobs failed during processing",
			}),
			ChargedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "coursechat",
				Name:      "questions_charged_total",
				Help:      "Total question counter increments",
			}),
			ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coursechat",
				Name:      "provider_calls_total",
				Help:      "Outbound provider calls by method and status class",
			}, []string{"method", "status"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "coursechat",
				Name:      "provider_call_seconds",
				Help:      "Outbound provider call latency",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coursechat",
				Name:      "completions_total",
				Help:      "Completion requests by strategy and outcome",
			}, []string{"strategy", "outcome"}),
			PollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coursechat",
				Name:      "poll_attempts_total",
				Help:      "Provider polls issued while waiting on a thread",
			}, []string{"phase"}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "coursechat",
				Name:      "rate_limited_total",
				Help:      "Completion requests rejected by the hourly limiter",
			}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.ChargedJobs,
			global.ProviderCalls,
			global.ProviderLatency,
			global.Completions,
			global.PollAttempts,
			global.RateLimited,
		)
	})
	return global
}
