package normalizer

import (
	"testing"
	"time"

	"cascadeflow/internal/models"
)

func normalizeOne(t *testing.T, raw models.RawLiquidationMessage) models.LiquidationEvent {
	t.Helper()
	evts, ok := Normalize(raw)
	if !ok {
		t.Fatal("expected successful normalization")
	}
	if len(evts) != 1 {
		t.Fatalf("expected one event, got %d", len(evts))
	}
	return evts[0]
}

func TestNormalizeBinanceForceOrder(t *testing.T) {
	payload := []byte(`{"E":1700000000123,"o":{"s":"BTCUSDT","S":"SELL","o":"LIMIT","q":"0.5","p":"50000","ap":"49950.5","T":1700000000120}}`)
	evt := normalizeOne(t, models.RawLiquidationMessage{
		Venue:     models.VenueBinance,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if evt.Symbol != "BTCUSDT" {
		t.Errorf("unexpected symbol %q", evt.Symbol)
	}
	if evt.Side != models.SideLong {
		t.Errorf("SELL force order should mean a long was liquidated, got %s", evt.Side)
	}
	if evt.Price != 49950.5 {
		t.Errorf("expected avg price to win, got %v", evt.Price)
	}
	if want := 49950.5 * 0.5; evt.NotionalUSD != want {
		t.Errorf("notional = %v, want %v", evt.NotionalUSD, want)
	}
	if evt.TimestampMs != 1700000000123 {
		t.Errorf("unexpected timestamp %d", evt.TimestampMs)
	}
	if evt.NativeID == "" {
		t.Error("expected synthetic native id")
	}
}

func TestNormalizeBybitAllLiquidation(t *testing.T) {
	payload := []byte(`{"topic":"allLiquidation.ETHUSDT","ts":1700000001000,"data":[{"s":"ETHUSDT","S":"Buy","v":"12","p":"3000.25","T":1700000000999}]}`)
	evt := normalizeOne(t, models.RawLiquidationMessage{
		Venue:     models.VenueBybit,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if evt.Side != models.SideShort {
		t.Errorf("forced buy should mean a short was liquidated, got %s", evt.Side)
	}
	if evt.Quantity != 12 || evt.Price != 3000.25 {
		t.Errorf("unexpected price/qty: %v %v", evt.Price, evt.Quantity)
	}
}

func TestNormalizeBybitBatchedFrame(t *testing.T) {
	payload := []byte(`{"topic":"allLiquidation.ETHUSDT","ts":1700000001000,"data":[` +
		`{"s":"ETHUSDT","S":"Buy","v":"12","p":"3000.25","T":1700000000999},` +
		`{"s":"ETHUSDT","S":"Sell","v":"3","p":"2999.50","T":1700000001001},` +
		`{"s":"ETHUSDT","S":"Buy","v":"1","p":"3001.00","T":1700000001002}]}`)
	evts, ok := Normalize(models.RawLiquidationMessage{
		Venue:     models.VenueBybit,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if !ok {
		t.Fatal("expected successful normalization")
	}
	if len(evts) != 3 {
		t.Fatalf("burst frame should yield one event per entry, got %d", len(evts))
	}
	if evts[1].Side != models.SideLong {
		t.Errorf("forced sell should mean a long was liquidated, got %s", evts[1].Side)
	}
	if evts[2].Quantity != 1 || evts[2].Price != 3001 {
		t.Errorf("unexpected third entry: %v %v", evts[2].Price, evts[2].Quantity)
	}
	for i, evt := range evts {
		if evt.Venue != models.VenueBybit {
			t.Errorf("entry %d missing venue", i)
		}
		if evt.NotionalUSD != evt.Price*evt.Quantity {
			t.Errorf("entry %d notional = %v", i, evt.NotionalUSD)
		}
		if evt.NativeID == "" {
			t.Errorf("entry %d missing synthetic id", i)
		}
	}
}

func TestNormalizeOkxLiquidationOrders(t *testing.T) {
	payload := []byte(`{"data":[{"instId":"BTC-USDT-SWAP","details":[{"side":"sell","sz":"2","bkPx":"48000","ts":"1700000002000"}]}]}`)
	evt := normalizeOne(t, models.RawLiquidationMessage{
		Venue:     models.VenueOkx,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if evt.Symbol != "BTCUSDT" {
		t.Errorf("unexpected symbol %q", evt.Symbol)
	}
	if evt.Side != models.SideLong {
		t.Errorf("sell detail should mean long liquidated, got %s", evt.Side)
	}
	if evt.TimestampMs != 1700000002000 {
		t.Errorf("unexpected timestamp %d", evt.TimestampMs)
	}
}

func TestNormalizeOkxMultipleDetails(t *testing.T) {
	payload := []byte(`{"data":[{"instId":"BTC-USDT-SWAP","details":[` +
		`{"side":"sell","sz":"2","bkPx":"48000","ts":"1700000002000"},` +
		`{"side":"buy","sz":"0.5","bkPx":"48100","ts":"1700000002001"}]},` +
		`{"instId":"ETH-USDT-SWAP","details":[` +
		`{"side":"sell","sz":"10","bkPx":"2950","ts":"1700000002002"}]}]}`)
	evts, ok := Normalize(models.RawLiquidationMessage{
		Venue:     models.VenueOkx,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if !ok {
		t.Fatal("expected successful normalization")
	}
	if len(evts) != 3 {
		t.Fatalf("expected one event per detail across orders, got %d", len(evts))
	}
	if evts[0].Symbol != "BTCUSDT" || evts[2].Symbol != "ETHUSDT" {
		t.Errorf("unexpected symbols %q %q", evts[0].Symbol, evts[2].Symbol)
	}
	if evts[1].Side != models.SideShort {
		t.Errorf("buy detail should mean short liquidated, got %s", evts[1].Side)
	}
	if evts[2].TimestampMs != 1700000002002 {
		t.Errorf("unexpected timestamp %d", evts[2].TimestampMs)
	}
}

func TestNormalizeHyperliquidCarriesCounterparties(t *testing.T) {
	payload := []byte(`{"coin":"BTC","side":"B","px":"50100","sz":"0.25","time":1700000003000,"tid":987654,"users":["0xliquidated","0xliquidator"]}`)
	evt := normalizeOne(t, models.RawLiquidationMessage{
		Venue:     models.VenueHyperliquid,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if evt.Symbol != "BTCUSDT" {
		t.Errorf("unexpected symbol %q", evt.Symbol)
	}
	if evt.Counterparty.Liquidated != "0xliquidated" || evt.Counterparty.Liquidator != "0xliquidator" {
		t.Errorf("counterparties not carried: %+v", evt.Counterparty)
	}
	if evt.NativeID != "987654" {
		t.Errorf("expected native trade id, got %q", evt.NativeID)
	}
}

func TestNormalizeMalformedPayload(t *testing.T) {
	for _, venue := range []string{models.VenueBinance, models.VenueBybit, models.VenueOkx, models.VenueHyperliquid} {
		if _, ok := Normalize(models.RawLiquidationMessage{Venue: venue, Payload: []byte(`{`)}); ok {
			t.Errorf("venue %s: malformed payload should not normalize", venue)
		}
	}
	if _, ok := Normalize(models.RawLiquidationMessage{Venue: "nope", Payload: []byte(`{}`)}); ok {
		t.Error("unsupported venue should not normalize")
	}
	if _, ok := Normalize(models.RawLiquidationMessage{Venue: models.VenueOkx, Payload: []byte(`{"data":[{"instId":"BTC-USDT-SWAP","details":[]}]}`)}); ok {
		t.Error("okx frame with no details should not normalize")
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	payload := []byte(`{"E":1700000000123,"o":{"s":"BTCUSDT","S":"SELL","q":"1","p":"50000","ap":"50000"}}`)
	raw := models.RawLiquidationMessage{Venue: models.VenueBinance, Payload: payload, Timestamp: time.Now()}
	a, _ := Normalize(raw)
	b, _ := Normalize(raw)
	if a[0].NativeID != b[0].NativeID {
		t.Errorf("synthetic ids differ for identical payloads: %q vs %q", a[0].NativeID, b[0].NativeID)
	}
}
