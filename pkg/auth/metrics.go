package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Refreshes tracks token exchanges by result
	Refreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkimport_auth_refresh_total",
			Help: "Total number of token exchanges",
		},
		[]string{"result"}, // "success", "auth_failed", "auth_service_down"
	)

	// TokenLookups tracks where tokens were served from
	TokenLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkimport_auth_token_lookups_total",
			Help: "Total number of token lookups by source",
		},
		[]string{"source"}, // "memory", "store", "exchange"
	)

	// StoreErrors tracks shared token store failures
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bulkimport_auth_store_errors_total",
			Help: "Total number of shared token store errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
