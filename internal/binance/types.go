package binance

import (
	"encoding/json"
	"fmt"
	"strconv"

	"chartfeed/internal/market"
)

// Event type discriminators carried in the "e" field.
const (
	EventKline  = "kline"
	EventTrade  = "trade"
	EventTicker = "24hrTicker"
)

// KlineEvent is a kline stream message.
type KlineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     Kline  `json:"k"`
}

// Kline is the candle payload inside a KlineEvent. Prices arrive as strings.
type Kline struct {
	StartTime int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	Trades    int64  `json:"n"`
	Final     bool   `json:"x"`
}

// Candle converts the payload into the domain representation.
func (k Kline) Candle() (market.Candle, error) {
	c := market.Candle{OpenTime: k.StartTime, Closed: k.Final}
	var err error
	if c.Open, err = parsePrice("open", k.Open); err != nil {
		return market.Candle{}, err
	}
	if c.High, err = parsePrice("high", k.High); err != nil {
		return market.Candle{}, err
	}
	if c.Low, err = parsePrice("low", k.Low); err != nil {
		return market.Candle{}, err
	}
	if c.Close, err = parsePrice("close", k.Close); err != nil {
		return market.Candle{}, err
	}
	if c.Volume, err = parsePrice("volume", k.Volume); err != nil {
		return market.Candle{}, err
	}
	return c, nil
}

// TradeEvent is a raw trade stream message.
type TradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

// DepthUpdate is a partial book depth snapshot. Levels are [price, quantity]
// string pairs, best first.
type DepthUpdate struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// TickerEvent is a rolling 24h ticker stream message.
type TickerEvent struct {
	EventType          string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	LastPrice          string `json:"c"`
	Volume             string `json:"v"`
	QuoteVolume        string `json:"q"`
}

// ParseKlineEvent decodes a kline stream message.
func ParseKlineEvent(data []byte) (*KlineEvent, error) {
	var ev KlineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode kline event: %w", err)
	}
	if ev.EventType != EventKline {
		return nil, fmt.Errorf("unexpected event type %q", ev.EventType)
	}
	return &ev, nil
}

// ParseTradeEvent decodes a trade stream message.
func ParseTradeEvent(data []byte) (*TradeEvent, error) {
	var ev TradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode trade event: %w", err)
	}
	return &ev, nil
}

// ParseDepthUpdate decodes a partial depth message.
func ParseDepthUpdate(data []byte) (*DepthUpdate, error) {
	var ev DepthUpdate
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode depth update: %w", err)
	}
	return &ev, nil
}

// ParseTickerEvent decodes a ticker stream message.
func ParseTickerEvent(data []byte) (*TickerEvent, error) {
	var ev TickerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode ticker event: %w", err)
	}
	return &ev, nil
}

func parsePrice(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return v, nil
}
