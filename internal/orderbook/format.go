package orderbook

import (
	"github.com/amirphl/book-stream/internal/market"
	"github.com/shopspring/decimal"
)

// BitcoinAssetID quotes markets priced with more decimals than the rest.
const BitcoinAssetID = "c6d0c728-2624-429b-8e0d-d9d19b6592fa"

const (
	AmountPlaces   = 4
	PricePlaces    = 4
	BTCPricePlaces = 8
)

// PricePrecision returns the number of price decimals shown for a market.
func PricePrecision(m market.Key) int32 {
	if m.Quote() == BitcoinAssetID {
		return BTCPricePlaces
	}
	return PricePlaces
}

// FormatPrice truncates a price for display.
func FormatPrice(m market.Key, price decimal.Decimal) string {
	places := PricePrecision(m)
	return price.Truncate(places).StringFixed(places)
}

// FormatAmount truncates an amount for display.
func FormatAmount(amount decimal.Decimal) string {
	return amount.Truncate(AmountPlaces).StringFixed(AmountPlaces)
}

// Level is a display row of the book.
type Level struct {
	Price  string `json:"price"`
	Amount string `json:"amount"`
	Total  string `json:"total"`
}

// FormatLevels renders entries for display; Total is the running amount from
// the best price.
func FormatLevels(m market.Key, entries []market.PriceLevelEntry) []Level {
	out := make([]Level, 0, len(entries))
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
		out = append(out, Level{
			Price:  FormatPrice(m, e.Price),
			Amount: FormatAmount(e.Amount),
			Total:  FormatAmount(total),
		})
	}
	return out
}
