package chaintester

import "github.com/ethereum/go-ethereum/metrics"

var (
	syncBlocksTotal    = metrics.NewRegisteredCounter("oracle/sync/blocks/total", nil)
	syncBlockLatency   = metrics.NewRegisteredTimer("oracle/sync/block/latency", nil)
	syncLatency        = metrics.NewRegisteredTimer("oracle/sync/latency", nil)
	syncHeightGauge    = metrics.NewRegisteredGauge("oracle/sync/height", nil)
	syncFatalTotal     = metrics.NewRegisteredCounter("oracle/sync/fatal/total", nil)
	syncTimeoutTotal   = metrics.NewRegisteredCounter("oracle/sync/timeout/total", nil)
	txSubmittedTotal   = metrics.NewRegisteredCounter("oracle/tx/submitted/total", nil)
	txResolvedTotal    = metrics.NewRegisteredCounter("oracle/tx/resolved/total", nil)
	balanceChecksTotal = metrics.NewRegisteredCounter("oracle/balance/checks/total", nil)
	eventsMatchedTotal = metrics.NewRegisteredCounter("oracle/events/matched/total", nil)
)
