package marketfeed

import (
	"time"

	"marketfeed/internal/backoff"
	"marketfeed/internal/driver"
	"marketfeed/internal/driver/bingx"
	"marketfeed/internal/driver/binance"
	"marketfeed/internal/driver/bitget"
	"marketfeed/internal/driver/bybit"
	"marketfeed/internal/driver/mexc"
	"marketfeed/internal/driver/okx"
	"marketfeed/internal/model"
)

// driverFactories maps every known ExchangeId to its driver constructor.
// Adding a new exchange means adding one line here and one internal/driver/
// package (spec §9's redesign goal: no match-arm explosion elsewhere).
var driverFactories = map[model.ExchangeId]func(model.ExchangeId) driver.ExchangeWsDriver{
	model.BinanceSpot:   func(ex model.ExchangeId) driver.ExchangeWsDriver { return binance.New(ex) },
	model.BinanceLinear: func(ex model.ExchangeId) driver.ExchangeWsDriver { return binance.New(ex) },
	model.MexcSpot:      func(ex model.ExchangeId) driver.ExchangeWsDriver { return mexc.New(ex) },
	model.MexcSwap:      func(ex model.ExchangeId) driver.ExchangeWsDriver { return mexc.New(ex) },
	model.BingxSpot:     func(ex model.ExchangeId) driver.ExchangeWsDriver { return bingx.New(ex) },
	model.BingxSwap:     func(ex model.ExchangeId) driver.ExchangeWsDriver { return bingx.New(ex) },
	model.BybitSpot:     func(ex model.ExchangeId) driver.ExchangeWsDriver { return bybit.New(ex) },
	model.BybitLinear:   func(ex model.ExchangeId) driver.ExchangeWsDriver { return bybit.New(ex) },
	model.BybitInverse:  func(ex model.ExchangeId) driver.ExchangeWsDriver { return bybit.New(ex) },
	model.BitgetSpot:    func(ex model.ExchangeId) driver.ExchangeWsDriver { return bitget.New(ex) },
	model.BitgetSwap:    func(ex model.ExchangeId) driver.ExchangeWsDriver { return bitget.New(ex) },
	model.OkxSpot:       func(ex model.ExchangeId) driver.ExchangeWsDriver { return okx.New(ex) },
}

func newDriver(ex model.ExchangeId) (driver.ExchangeWsDriver, error) {
	factory, ok := driverFactories[ex]
	if !ok {
		return nil, model.UnsupportedExchangeError(ex)
	}
	return factory(ex), nil
}

// replayDelay returns the inter-command pause used during ledger replay
// (spec §4.4: 300ms for Binance and MEXC, 100ms elsewhere).
func replayDelay(ex model.ExchangeId) time.Duration {
	switch ex {
	case model.BinanceSpot, model.BinanceLinear, model.MexcSpot, model.MexcSwap:
		return 300 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

// newBackoff returns the per-exchange backoff calculator (spec §4.4's
// stricter Binance/MEXC ceilings).
func newBackoff(ex model.ExchangeId) *backoff.Backoff {
	switch ex {
	case model.BinanceSpot, model.BinanceLinear:
		return backoff.Binance()
	case model.MexcSpot, model.MexcSwap:
		return backoff.Mexc()
	default:
		return backoff.Default()
	}
}
