package normalizer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cascadeflow/internal/models"
	"cascadeflow/internal/symbols"
)

// Normalize converts a venue payload into canonical LiquidationEvents. The
// venue determines the decoder; unsupported venues and undecodable payloads
// return false. A single frame can batch several liquidations (bybit
// allLiquidation carries a data array, okx groups details per order), and
// every entry becomes its own event: collapsing a batch to one entry
// undercounts velocity exactly when it matters. NotionalUSD is computed here,
// exactly once, from the decoded price and quantity. Everything downstream
// treats it as the single source.
func Normalize(raw models.RawLiquidationMessage) ([]models.LiquidationEvent, bool) {
	var (
		evts []models.LiquidationEvent
		ok   bool
	)

	switch raw.Venue {
	case models.VenueBinance:
		evts, ok = normalizeBinance(raw)
	case models.VenueBybit:
		evts, ok = normalizeBybit(raw)
	case models.VenueOkx:
		evts, ok = normalizeOkx(raw)
	case models.VenueHyperliquid:
		evts, ok = normalizeHyperliquid(raw)
	default:
		return nil, false
	}

	if !ok || len(evts) == 0 {
		return nil, false
	}
	receivedMs := time.Now().UnixMilli()
	for i := range evts {
		evt := &evts[i]
		evt.Venue = raw.Venue
		if evt.TimestampMs == 0 {
			evt.TimestampMs = raw.Timestamp.UnixMilli()
		}
		evt.ReceivedMs = receivedMs
		evt.NotionalUSD = evt.Price * evt.Quantity
		if evt.NativeID == "" {
			// Venues without a native order id get a synthetic one so the dedup
			// window still has a stable key.
			evt.NativeID = syntheticID(*evt)
		}
	}
	return evts, true
}

func syntheticID(e models.LiquidationEvent) string {
	return fmt.Sprintf("%s:%s:%d:%s:%s", e.Symbol, e.Side,
		e.TimestampMs, strconv.FormatFloat(e.Price, 'f', -1, 64),
		strconv.FormatFloat(e.Quantity, 'f', -1, 64))
}

// Binance futures forceOrder: side SELL means a long position was closed out.
func normalizeBinance(raw models.RawLiquidationMessage) ([]models.LiquidationEvent, bool) {
	type binanceOrder struct {
		EventTime int64 `json:"E"`
		Order     struct {
			Symbol    string `json:"s"`
			Side      string `json:"S"`
			OrderType string `json:"o"`
			Qty       string `json:"q"`
			Price     string `json:"p"`
			AvgPrice  string `json:"ap"`
			TradeTime int64  `json:"T"`
		} `json:"o"`
	}
	var evt binanceOrder
	if err := json.Unmarshal(raw.Payload, &evt); err != nil {
		return nil, false
	}
	price := parseFloat(evt.Order.AvgPrice)
	if price == 0 {
		price = parseFloat(evt.Order.Price)
	}
	side := models.SideShort
	if strings.EqualFold(evt.Order.Side, "SELL") {
		side = models.SideLong
	}
	ts := evt.EventTime
	if ts == 0 {
		ts = evt.Order.TradeTime
	}
	return []models.LiquidationEvent{{
		Symbol:      symbols.ToCanonical(raw.Venue, evt.Order.Symbol),
		Side:        side,
		Price:       price,
		Quantity:    parseFloat(evt.Order.Qty),
		TimestampMs: ts,
	}}, true
}

// Bybit v5 allLiquidation: side Buy is the liquidation order direction, so a
// forced buy closes a short. Bursts batch several liquidations per frame.
func normalizeBybit(raw models.RawLiquidationMessage) ([]models.LiquidationEvent, bool) {
	type bybitData struct {
		Topic string `json:"topic"`
		Ts    int64  `json:"ts"`
		Data  []struct {
			Symbol  string `json:"s"`
			Side    string `json:"S"`
			Size    string `json:"v"`
			Price   string `json:"p"`
			Updated int64  `json:"T"`
		} `json:"data"`
	}
	var frame bybitData
	if err := json.Unmarshal(raw.Payload, &frame); err != nil {
		return nil, false
	}
	if len(frame.Data) == 0 {
		return nil, false
	}
	evts := make([]models.LiquidationEvent, 0, len(frame.Data))
	for _, d := range frame.Data {
		side := models.SideLong
		if strings.EqualFold(d.Side, "Buy") {
			side = models.SideShort
		}
		ts := d.Updated
		if ts == 0 {
			ts = frame.Ts
		}
		evts = append(evts, models.LiquidationEvent{
			Symbol:      symbols.ToCanonical(raw.Venue, d.Symbol),
			Side:        side,
			Price:       parseFloat(d.Price),
			Quantity:    parseFloat(d.Size),
			TimestampMs: ts,
		})
	}
	return evts, true
}

// OKX liquidation-orders channel: sell details close longs. One order can
// carry several fill details; each is its own event.
func normalizeOkx(raw models.RawLiquidationMessage) ([]models.LiquidationEvent, bool) {
	type okxPayload struct {
		Data []struct {
			InstID  string `json:"instId"`
			Details []struct {
				Side  string `json:"side"`
				Size  string `json:"sz"`
				Price string `json:"bkPx"`
				Ts    string `json:"ts"`
			} `json:"details"`
		} `json:"data"`
	}
	var frame okxPayload
	if err := json.Unmarshal(raw.Payload, &frame); err != nil {
		return nil, false
	}
	var evts []models.LiquidationEvent
	for _, d := range frame.Data {
		sym := symbols.ToCanonical(raw.Venue, d.InstID)
		for _, det := range d.Details {
			side := models.SideShort
			if strings.EqualFold(det.Side, "sell") {
				side = models.SideLong
			}
			evts = append(evts, models.LiquidationEvent{
				Symbol:      sym,
				Side:        side,
				Price:       parseFloat(det.Price),
				Quantity:    parseFloat(det.Size),
				TimestampMs: parseInt64(det.Ts),
			})
		}
	}
	if len(evts) == 0 {
		return nil, false
	}
	return evts, true
}

// Hyperliquid trade feed: liquidation fills carry both user addresses, the
// first is the liquidated account. Side B (buy) closes a short.
func normalizeHyperliquid(raw models.RawLiquidationMessage) ([]models.LiquidationEvent, bool) {
	type hlTrade struct {
		Coin  string    `json:"coin"`
		Side  string    `json:"side"`
		Px    string    `json:"px"`
		Sz    string    `json:"sz"`
		Time  int64     `json:"time"`
		TID   int64     `json:"tid"`
		Users [2]string `json:"users"`
	}
	var evt hlTrade
	if err := json.Unmarshal(raw.Payload, &evt); err != nil {
		return nil, false
	}
	if evt.Coin == "" {
		return nil, false
	}
	side := models.SideLong
	if strings.EqualFold(evt.Side, "B") {
		side = models.SideShort
	}
	e := models.LiquidationEvent{
		Symbol:      symbols.ToCanonical(raw.Venue, evt.Coin),
		Side:        side,
		Price:       parseFloat(evt.Px),
		Quantity:    parseFloat(evt.Sz),
		TimestampMs: evt.Time,
		Counterparty: models.CounterpartyIDs{
			Liquidated: evt.Users[0],
			Liquidator: evt.Users[1],
		},
	}
	if evt.TID != 0 {
		e.NativeID = strconv.FormatInt(evt.TID, 10)
	}
	return []models.LiquidationEvent{e}, true
}

func parseFloat(v string) float64 {
	if v == "" {
		return 0
	}
	val, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return val
}

func parseInt64(v string) int64 {
	if v == "" {
		return 0
	}
	val, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return val
}
