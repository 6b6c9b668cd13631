package realtime

import (
	"chartfeed/internal/binance"
	"chartfeed/internal/market"
	"chartfeed/internal/stream"
)

// HistoryState tracks the historical load lifecycle inside a Status.
type HistoryState string

const (
	HistoryIdle    HistoryState = "idle"
	HistoryLoading HistoryState = "loading"
	HistoryLoaded  HistoryState = "loaded"
	HistoryErrored HistoryState = "errored"
)

// Status is the consumer-facing snapshot. It is updated atomically and a
// copy is pushed to OnStatusChange on every state transition.
type Status struct {
	IsConnected     bool
	IsLoading       bool
	ActiveInterval  market.Interval
	CandleCount     int
	LastUpdate      int64 // unix ms of the last accepted live update
	Err             error
	ConnectionState stream.State
	HistoryState    HistoryState
}

// Callbacks is the consumer registration surface. All callbacks are
// optional; nil entries are skipped. Delivery is FIFO per instrument:
// callbacks for one manager never run concurrently with each other from
// the data path.
type Callbacks struct {
	// OnDataReady fires with a full series after an initial load, a
	// timeframe switch or an instrument change.
	OnDataReady func(series market.Series)

	// OnDataUpdate fires with the active series after live updates,
	// coalesced by the debounce window.
	OnDataUpdate func(series market.Series)

	// OnTimeframeChange fires once a switch has fully settled.
	OnTimeframeChange func(from, to market.Interval)

	OnTradeUpdate  func(ev *binance.TradeEvent)
	OnDepthUpdate  func(ev *binance.DepthUpdate)
	OnTickerUpdate func(ev *binance.TickerEvent)

	// OnError receives surfaced errors after local retry policies are
	// exhausted.
	OnError func(err error)

	// OnStatusChange receives a Status copy on every transition.
	OnStatusChange func(st Status)
}
