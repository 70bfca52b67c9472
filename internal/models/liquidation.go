package models

import "time"

// Supported venue identifiers. Venues are plain strings on the wire; these
// constants are the only values the normalizer emits.
const (
	VenueBinance     = "binance"
	VenueBybit       = "bybit"
	VenueOkx         = "okx"
	VenueHyperliquid = "hyperliquid"
)

// Side of the position that was force-closed. LONG means a long position was
// liquidated (a forced sell hit the book), SHORT means a forced buy.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// RawLiquidationMessage is a venue payload captured from an exchange stream
// before normalization. The raw JSON travels with routing metadata so the
// normalizer can pick the right decoder.
type RawLiquidationMessage struct {
	Venue     string
	Symbol    string
	Payload   []byte
	Timestamp time.Time
}

// CounterpartyIDs carries the on-chain addresses involved in a DEX
// liquidation. CEX venues leave both fields empty.
type CounterpartyIDs struct {
	Liquidated string `json:"liquidated,omitempty"`
	Liquidator string `json:"liquidator,omitempty"`
}

// LiquidationEvent is the canonical, immutable event shape every component
// downstream of the normalizer consumes. NotionalUSD is computed exactly once
// at construction (price * quantity); nothing downstream recomputes it from
// another source.
type LiquidationEvent struct {
	TimestampMs  int64           `json:"timestamp_ms"`
	Venue        string          `json:"venue"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Price        float64         `json:"price"`
	Quantity     float64         `json:"quantity"`
	NotionalUSD  float64         `json:"notional_usd"`
	NativeID     string          `json:"native_id,omitempty"`
	Counterparty CounterpartyIDs `json:"counterparty,omitempty"`
	ReceivedMs   int64           `json:"received_ms"`
}

// Time returns the event timestamp as a time.Time.
func (e LiquidationEvent) Time() time.Time {
	return time.UnixMilli(e.TimestampMs)
}

// PriceTick is a venue price update feeding the market regime detector.
// It arrives on an independent cadence from liquidation events.
type PriceTick struct {
	Venue       string
	Symbol      string
	Price       float64
	VolumeUSD24 float64
	SpreadBps   float64
	TimestampMs int64
}
