package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	ticksCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "onboardmail",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Number of onboarding ticks run, labeled by outcome.",
	}, []string{"outcome"})

	sentCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "onboardmail",
		Subsystem: "scheduler",
		Name:      "emails_sent_total",
		Help:      "Number of onboarding steps delivered and recorded.",
	})

	failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "onboardmail",
		Subsystem: "scheduler",
		Name:      "emails_failed_total",
		Help:      "Number of onboarding steps that failed and stay due for the next tick.",
	})

	conflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "onboardmail",
		Subsystem: "scheduler",
		Name:      "version_conflicts_total",
		Help:      "Number of advances skipped because another tick already advanced the user.",
	})

	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "onboardmail",
		Subsystem: "scheduler",
		Name:      "tick_duration_seconds",
		Help:      "Time spent scanning pending sequences and delivering due steps.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(ticksCounter, sentCounter, failedCounter, conflictCounter, tickDuration)
}
