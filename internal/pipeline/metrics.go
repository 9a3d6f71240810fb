package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailpipe_sent_total",
		Help: "Total number of messages handed to the delivery provider.",
	})

	rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailpipe_rejected_total",
		Help: "Total number of messages rejected during preprocessing.",
	}, []string{"reason"})

	receivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailpipe_received_total",
		Help: "Total number of inbound messages accepted for relay.",
	})

	enqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailpipe_enqueued_total",
		Help: "Total number of messages stored for asynchronous delivery.",
	})

	claimConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailpipe_claim_conflicts_total",
		Help: "Total number of delivery attempts that lost the claim race.",
	})
)
