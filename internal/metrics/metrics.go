package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ConversationsTotal      prometheus.Counter
	ConversationErrorsTotal prometheus.Counter
	TaskRunsTotal           prometheus.Counter
	TaskErrorsTotal         prometheus.Counter
	UpstreamRequestsTotal   prometheus.Counter
	UpstreamErrorsTotal     prometheus.Counter
	RateLimitedTotal        prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ConversationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "openwebui_bridge",
				Name:      "conversations_total",
				Help:      "Total conversation turns processed",
			}),
			ConversationErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "openwebui_bridge",
				Name:      "conversation_errors_total",
				Help:      "Total conversation turns that surfaced an error to the user",
			}),
			TaskRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "openwebui_bridge",
				Name:      "task_runs_total",
				Help:      "Total AI task generate_data runs",
			}),
			TaskErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "openwebui_bridge",
				Name:      "task_errors_total",
				Help:      "Total AI task runs that failed",
			}),
			UpstreamRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "openwebui_bridge",
				Name:      "upstream_requests_total",
				Help:      "Total requests sent to the OpenWebUI server",
			}),
			UpstreamErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "openwebui_bridge",
				Name:      "upstream_errors_total",
				Help:      "Total failed requests to the OpenWebUI server",
			}),
			RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "openwebui_bridge",
				Name:      "rate_limited_total",
				Help:      "Total requests rejected by the hourly rate limit",
			}),
		}
		prometheus.MustRegister(
			global.ConversationsTotal,
			global.ConversationErrorsTotal,
			global.TaskRunsTotal,
			global.TaskErrorsTotal,
			global.UpstreamRequestsTotal,
			global.UpstreamErrorsTotal,
			global.RateLimitedTotal,
		)
	})
	return global
}
