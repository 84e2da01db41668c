package subscription

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticketsLeased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketteller_tickets_leased_total",
		Help: "Tickets handed out by UseSubscription, split by regular pool and overage.",
	}, []string{"kind"})

	ticketsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ticketteller_tickets_issued_total",
		Help: "Regular tickets created by refreshes.",
	})

	refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketteller_refreshes_total",
		Help: "RefreshTokens calls by outcome.",
	}, []string{"outcome"})
)

const (
	leaseRegular = "regular"
	leaseOverage = "overage"

	refreshApplied = "applied"
	refreshNotDue  = "not_due"
)
