package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "tconnect_request_sent_total", Help: "Requests sent to the bridge"},
		[]string{"protocol"},
	)
	responseMatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "tconnect_response_matched_total", Help: "Responses matched to a pending request"},
		[]string{"protocol"},
	)
	responseDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "tconnect_response_dropped_total", Help: "Responses dropped for unknown or malformed correlation"},
		[]string{"protocol", "reason"},
	)
	requestTimeoutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "tconnect_request_timeout_total", Help: "Requests that timed out waiting for a response"},
		[]string{"protocol"},
	)
	eventTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "tconnect_event_total", Help: "Unsolicited events received from the bridge"},
		[]string{"protocol"},
	)
	transportRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Name: "tconnect_transport_retry_total", Help: "Transport poll cycles that failed and were retried"},
		[]string{"protocol"},
	)
)

func RecordRequestSent(protocol string)    { requestSentTotal.WithLabelValues(protocol).Inc() }
func RecordResponseMatched(protocol string) {
	responseMatchedTotal.WithLabelValues(protocol).Inc()
}
func RecordResponseDropped(protocol, reason string) {
	responseDroppedTotal.WithLabelValues(protocol, reason).Inc()
}
func RecordRequestTimeout(protocol string) { requestTimeoutTotal.WithLabelValues(protocol).Inc() }
func RecordEvent(protocol string)          { eventTotal.WithLabelValues(protocol).Inc() }
func RecordTransportRetry(protocol string) { transportRetryTotal.WithLabelValues(protocol).Inc() }
