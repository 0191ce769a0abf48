// Package metrics contains all application-logic metrics
package metrics

import "github.com/VictoriaMetrics/metrics"

var (
	pendingTxSeen      = metrics.NewCounter("mempool_pending_tx_seen_total")
	pendingTxDropped   = metrics.NewCounter("mempool_pending_tx_dropped_total")
	nodePollErrors     = metrics.NewCounter("mempool_node_poll_errors_total")
	opportunitiesFound = metrics.NewCounter("opportunities_detected_total")
	opportunitiesTaken = metrics.NewCounter("opportunities_accepted_total")
	bundlesSubmitted   = metrics.NewCounter("bundles_submitted_total")
	bundlesSettled     = metrics.NewCounter("bundles_settled_total")
	bundlesFailed      = metrics.NewCounter("bundles_failed_total")
	queueFullBundles   = metrics.NewCounter("bundles_queue_full_total")
	queuePopStale      = metrics.NewCounter("bundles_queue_pop_stale_item_total")
	distributions      = metrics.NewCounter("revenue_distributions_total")
)

func IncPendingTxSeen() {
	pendingTxSeen.Inc()
}

func IncPendingTxDropped() {
	pendingTxDropped.Inc()
}

func IncNodePollError() {
	nodePollErrors.Inc()
}

func IncOpportunitiesDetected() {
	opportunitiesFound.Inc()
}

func IncOpportunitiesAccepted() {
	opportunitiesTaken.Inc()
}

func IncBundlesSubmitted() {
	bundlesSubmitted.Inc()
}

func IncBundlesSettled() {
	bundlesSettled.Inc()
}

func IncBundlesFailed() {
	bundlesFailed.Inc()
}

func IncQueueFullBundles() {
	queueFullBundles.Inc()
}

func IncQueuePopStaleItem() {
	queuePopStale.Inc()
}

func IncDistributions() {
	distributions.Inc()
}
