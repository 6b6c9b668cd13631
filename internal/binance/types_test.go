package binance

import (
	"testing"

	"chartfeed/internal/market"
)

const klineFrame = `{
	"e": "kline", "E": 1672515782136, "s": "BTCUSDT",
	"k": {
		"t": 1672515780000, "T": 1672515839999, "s": "BTCUSDT", "i": "1m",
		"o": "16500.10", "c": "16505.55", "h": "16510.00", "l": "16499.00",
		"v": "12.5", "n": 42, "x": true
	}
}`

func TestParseKlineEvent(t *testing.T) {
	ev, err := ParseKlineEvent([]byte(klineFrame))
	if err != nil {
		t.Fatalf("ParseKlineEvent: %v", err)
	}
	if ev.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %q", ev.Symbol)
	}
	if ev.Kline.Interval != "1m" {
		t.Errorf("interval = %q", ev.Kline.Interval)
	}
	if !ev.Kline.Final {
		t.Error("closed flag not decoded")
	}

	c, err := ev.Kline.Candle()
	if err != nil {
		t.Fatalf("Candle: %v", err)
	}
	if c.OpenTime != 1672515780000 {
		t.Errorf("openTime = %d", c.OpenTime)
	}
	if c.Open != 16500.10 || c.High != 16510.00 || c.Low != 16499.00 || c.Close != 16505.55 {
		t.Errorf("ohlc = %v %v %v %v", c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume != 12.5 {
		t.Errorf("volume = %v", c.Volume)
	}
	if !c.Closed {
		t.Error("candle should be closed")
	}
}

func TestParseKlineEvent_WrongType(t *testing.T) {
	if _, err := ParseKlineEvent([]byte(`{"e":"trade"}`)); err == nil {
		t.Error("non-kline event should be rejected")
	}
	if _, err := ParseKlineEvent([]byte(`not json`)); err == nil {
		t.Error("malformed frame should be rejected")
	}
}

func TestKline_CandleBadPrice(t *testing.T) {
	k := Kline{Open: "x", High: "1", Low: "1", Close: "1", Volume: "1"}
	if _, err := k.Candle(); err == nil {
		t.Error("unparseable price should error")
	}
}

func TestParseTradeEvent(t *testing.T) {
	frame := `{"e":"trade","E":1672515782136,"s":"BTCUSDT","t":12345,"p":"16500.01","q":"0.5","T":1672515782134,"m":true}`
	ev, err := ParseTradeEvent([]byte(frame))
	if err != nil {
		t.Fatalf("ParseTradeEvent: %v", err)
	}
	if ev.TradeID != 12345 || ev.Price != "16500.01" || !ev.BuyerIsMaker {
		t.Errorf("unexpected trade event: %+v", ev)
	}
}

func TestParseDepthUpdate(t *testing.T) {
	frame := `{"lastUpdateId":160,"bids":[["16500.00","1.2"],["16499.50","0.8"]],"asks":[["16500.50","2.0"]]}`
	ev, err := ParseDepthUpdate([]byte(frame))
	if err != nil {
		t.Fatalf("ParseDepthUpdate: %v", err)
	}
	if len(ev.Bids) != 2 || len(ev.Asks) != 1 {
		t.Fatalf("levels = %d bids / %d asks", len(ev.Bids), len(ev.Asks))
	}
	if ev.Bids[0][0] != "16500.00" {
		t.Errorf("best bid = %q", ev.Bids[0][0])
	}
}

func TestStreamNames(t *testing.T) {
	if got := KlineStream("BTCUSDT", market.Interval1m); got != "btcusdt@kline_1m" {
		t.Errorf("KlineStream = %q", got)
	}
	if got := TradeStream("ETHUSDT"); got != "ethusdt@trade" {
		t.Errorf("TradeStream = %q", got)
	}
	if got := DepthStream("BTCUSDT", 20, 100); got != "btcusdt@depth20@100ms" {
		t.Errorf("DepthStream = %q", got)
	}
	if got := TickerStream("BTCUSDT"); got != "btcusdt@ticker" {
		t.Errorf("TickerStream = %q", got)
	}
	if got := StreamURL("wss://x/ws/", "btcusdt@ticker"); got != "wss://x/ws/btcusdt@ticker" {
		t.Errorf("StreamURL = %q", got)
	}
}
