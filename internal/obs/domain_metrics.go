package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// IntentSyncTotal counts payment intent create/modify outcomes.
	IntentSyncTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// OrdersFinalizedTotal counts finalized orders by trigger path.
	OrdersFinalizedTotal *prometheus.CounterVec
	// LedgerPostingsTotal counts loyalty ledger postings by transaction type.
	LedgerPostingsTotal *prometheus.CounterVec
	// ValuationDroppedLines counts bag lines dropped for missing catalog entries.
	ValuationDroppedLines prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		IntentSyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_intent_sync_total",
			Help:      "Count of payment intent create/modify outcomes.",
		}, []string{"operation", "result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"event", "result"})
		OrdersFinalizedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_finalized_total",
			Help:      "Count of finalized orders by trigger path.",
		}, []string{"trigger"})
		LedgerPostingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loyalty_ledger_postings_total",
			Help:      "Count of loyalty ledger entries posted by transaction type.",
		}, []string{"type"})
		ValuationDroppedLines = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bag_valuation_dropped_lines_total",
			Help:      "Number of bag lines dropped because the catalog entry vanished.",
		})

		mustRegisterCollector(reg, IntentSyncTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				IntentSyncTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentWebhookTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentWebhookTotal = v
			}
		})
		mustRegisterCollector(reg, OrdersFinalizedTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				OrdersFinalizedTotal = v
			}
		})
		mustRegisterCollector(reg, LedgerPostingsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				LedgerPostingsTotal = v
			}
		})
		mustRegisterCollector(reg, ValuationDroppedLines, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				ValuationDroppedLines = v
			}
		})
	})
}
