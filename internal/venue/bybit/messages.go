package bybit

import (
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/straddle/internal/errs"
	"github.com/coachpo/straddle/internal/schema"
)

const (
	topicOrderbook = "orderbook.1"
	topicTickers   = "tickers"
)

type topicMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type orderbookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

type tickerData struct {
	Symbol    string `json:"symbol"`
	Bid1Price string `json:"bid1Price"`
	Bid1Size  string `json:"bid1Size"`
	Ask1Price string `json:"ask1Price"`
	Ask1Size  string `json:"ask1Size"`
}

// book accumulates top-of-book fields per market. Both the orderbook.1 and
// tickers topics feed it; delta frames may carry one side only, so the last
// known values of the other side are retained.
type book struct {
	mu   sync.Mutex
	bidP decimal.Decimal
	bidS decimal.Decimal
	askP decimal.Decimal
	askS decimal.Decimal
	seen bool
}

type bookKeeper struct {
	mu    sync.Mutex
	books map[schema.MarketKey]*book
}

func newBookKeeper() *bookKeeper {
	return &bookKeeper{books: make(map[schema.MarketKey]*book)}
}

func (bk *bookKeeper) get(key schema.MarketKey) *book {
	bk.mu.Lock()
	defer bk.mu.Unlock()
	b, ok := bk.books[key]
	if !ok {
		b = new(book)
		bk.books[key] = b
	}
	return b
}

func (bk *bookKeeper) drop(key schema.MarketKey) {
	bk.mu.Lock()
	delete(bk.books, key)
	bk.mu.Unlock()
}

// apply merges the update and returns a full quote once both sides are
// known. The bool result reports whether a quote can be emitted.
func (b *book) apply(key schema.MarketKey, ts time.Time,
	bidP, bidS, askP, askS *decimal.Decimal) (schema.Quote, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bidP != nil {
		b.bidP = *bidP
	}
	if bidS != nil {
		b.bidS = *bidS
	}
	if askP != nil {
		b.askP = *askP
	}
	if askS != nil {
		b.askS = *askS
	}
	b.seen = true
	if !b.bidP.IsPositive() || !b.askP.IsPositive() {
		return schema.Quote{}, false
	}
	return schema.Quote{
		Venue:    key.Venue,
		Symbol:   key.Symbol,
		Category: key.Category,
		BidPrice: b.bidP,
		BidSize:  b.bidS,
		AskPrice: b.askP,
		AskSize:  b.askS,
		SourceTs: ts,
		IngestTs: time.Now().UTC(),
	}, true
}

// parseTopic splits "orderbook.1.BTCUSDT" into topic prefix and symbol.
func parseTopic(topic string) (prefix, symbol string, ok bool) {
	idx := strings.LastIndex(topic, ".")
	if idx <= 0 || idx == len(topic)-1 {
		return "", "", false
	}
	return topic[:idx], topic[idx+1:], true
}

func parseDecimal(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, errs.New("bybit/parse", errs.CodeStream,
			errs.WithMessage("malformed decimal"), errs.WithCause(err))
	}
	return &d, nil
}

func parseLevel(levels [][]string) (price, size *decimal.Decimal, err error) {
	if len(levels) == 0 || len(levels[0]) < 2 {
		return nil, nil, nil
	}
	price, err = parseDecimal(levels[0][0])
	if err != nil {
		return nil, nil, err
	}
	size, err = parseDecimal(levels[0][1])
	if err != nil {
		return nil, nil, err
	}
	return price, size, nil
}
