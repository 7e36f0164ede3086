package gateway

import (
	"fmt"

	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/binance"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

// Exchange types accepted in accounts.exchange_type.
const (
	ExchangeBinance = "binance"
	ExchangePaper   = "paper"
)

// DefaultFactory creates live adapters by exchange type. Paper accounts share
// the given simulated venue.
func DefaultFactory(venue *paper.Exchange) AdapterFactory {
	return func(acc db.Account, apiKey, apiSecret string) (exchange.Adapter, error) {
		switch acc.ExchangeType {
		case ExchangeBinance:
			return binance.New(binance.Config{
				APIKey:    apiKey,
				APISecret: apiSecret,
				Testnet:   acc.Testnet,
			}), nil
		case ExchangePaper:
			if venue == nil {
				return nil, fmt.Errorf("paper venue is not configured")
			}
			return venue, nil
		default:
			return nil, fmt.Errorf("unsupported exchange type: %s", acc.ExchangeType)
		}
	}
}

// DryRunFactory routes every account to the simulated venue regardless of
// its configured exchange type.
func DryRunFactory(venue *paper.Exchange) AdapterFactory {
	return func(db.Account, string, string) (exchange.Adapter, error) {
		return venue, nil
	}
}
