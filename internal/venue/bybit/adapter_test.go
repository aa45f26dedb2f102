package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/straddle/internal/errs"
	"github.com/coachpo/straddle/internal/schema"
	"github.com/coachpo/straddle/internal/venue"
)

type captureSink struct {
	quotes []schema.Quote
}

func (c *captureSink) Update(q schema.Quote) bool {
	c.quotes = append(c.quotes, q)
	return true
}

func TestHandleMessageOrderbook(t *testing.T) {
	sink := &captureSink{}
	a := New(Config{}, sink)
	handler := a.handleMessage(schema.CategorySpot)

	frame := `{"topic":"orderbook.1.BTCUSDT","type":"snapshot","ts":1700000000000,
		"data":{"s":"BTCUSDT","b":[["59990","0.5"]],"a":[["60000","0.4"]]}}`
	require.NoError(t, handler([]byte(frame)))

	require.Len(t, sink.quotes, 1)
	q := sink.quotes[0]
	require.Equal(t, VenueName, q.Venue)
	require.Equal(t, "BTCUSDT", q.Symbol)
	require.Equal(t, schema.CategorySpot, q.Category)
	require.True(t, q.BidPrice.Equal(decimal.RequireFromString("59990")))
	require.True(t, q.AskSize.Equal(decimal.RequireFromString("0.4")))
	require.Equal(t, time.UnixMilli(1700000000000).UTC(), q.SourceTs)
}

func TestHandleMessageDeltaMergesSides(t *testing.T) {
	sink := &captureSink{}
	a := New(Config{}, sink)
	handler := a.handleMessage(schema.CategoryLinear)

	snapshot := `{"topic":"orderbook.1.ETHUSDT","type":"snapshot","ts":1700000000000,
		"data":{"s":"ETHUSDT","b":[["3000","1"]],"a":[["3001","2"]]}}`
	require.NoError(t, handler([]byte(snapshot)))

	// Delta touches the bid only; the ask carries over.
	delta := `{"topic":"orderbook.1.ETHUSDT","type":"delta","ts":1700000000100,
		"data":{"s":"ETHUSDT","b":[["3000.5","1.5"]],"a":[]}}`
	require.NoError(t, handler([]byte(delta)))

	require.Len(t, sink.quotes, 2)
	q := sink.quotes[1]
	require.True(t, q.BidPrice.Equal(decimal.RequireFromString("3000.5")))
	require.True(t, q.AskPrice.Equal(decimal.RequireFromString("3001")))
}

func TestHandleMessageTicker(t *testing.T) {
	sink := &captureSink{}
	a := New(Config{}, sink)
	handler := a.handleMessage(schema.CategorySpot)

	frame := `{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1700000000200,
		"data":{"symbol":"BTCUSDT","bid1Price":"59991","bid1Size":"0.2","ask1Price":"60001","ask1Size":"0.3"}}`
	require.NoError(t, handler([]byte(frame)))

	require.Len(t, sink.quotes, 1)
	require.True(t, sink.quotes[0].AskPrice.Equal(decimal.RequireFromString("60001")))
}

func TestHandleMessageIncompleteBookSuppressed(t *testing.T) {
	sink := &captureSink{}
	a := New(Config{}, sink)
	handler := a.handleMessage(schema.CategorySpot)

	// One-sided first frame: no quote until both sides are known.
	oneSided := `{"topic":"orderbook.1.BTCUSDT","type":"delta","ts":1700000000000,
		"data":{"s":"BTCUSDT","b":[["59990","0.5"]],"a":[]}}`
	require.NoError(t, handler([]byte(oneSided)))
	require.Empty(t, sink.quotes)
}

func TestHandleMessageMalformed(t *testing.T) {
	a := New(Config{}, &captureSink{})
	handler := a.handleMessage(schema.CategorySpot)

	require.Error(t, handler([]byte(`{`)))
	require.NoError(t, handler([]byte(`{"topic":""}`)))

	bad := `{"topic":"orderbook.1.BTCUSDT","ts":1,"data":{"s":"BTCUSDT","b":[["oops","1"]],"a":[]}}`
	err := handler([]byte(bad))
	require.Error(t, err)
	require.Equal(t, errs.CodeStream, errs.CodeOf(err))
}

func TestFetchTopOfBook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/market/tickers", r.URL.Path)
		require.Equal(t, "spot", r.URL.Query().Get("category"))
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","time":1700000000300,
			"result":{"category":"spot","list":[{"symbol":"BTCUSDT",
			"bid1Price":"59990","bid1Size":"0.5","ask1Price":"60000","ask1Size":"0.4"}]}}`)
	}))
	defer srv.Close()

	a := New(Config{RESTBaseURL: srv.URL}, nil)
	q, err := a.FetchTopOfBook(context.Background(),
		schema.MarketKey{Venue: VenueName, Symbol: "BTCUSDT", Category: schema.CategorySpot})
	require.NoError(t, err)
	require.True(t, q.BidPrice.Equal(decimal.RequireFromString("59990")))
	require.Equal(t, time.UnixMilli(1700000000300).UTC(), q.SourceTs)
}

func TestFetchTopOfBookRetCodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"retCode":10006,"retMsg":"too many visits","result":{}}`)
	}))
	defer srv.Close()

	a := New(Config{RESTBaseURL: srv.URL}, nil)
	_, err := a.FetchTopOfBook(context.Background(),
		schema.MarketKey{Venue: VenueName, Symbol: "BTCUSDT", Category: schema.CategorySpot})
	require.Error(t, err)
	require.Equal(t, errs.CodeRateLimited, errs.CodeOf(err))
}

func TestFetchTopOfBookRecordsHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := New(Config{RESTBaseURL: srv.URL}, nil)
	_, err := a.FetchTopOfBook(context.Background(),
		schema.MarketKey{Venue: VenueName, Symbol: "BTCUSDT", Category: schema.CategorySpot})
	require.Error(t, err)
	require.Equal(t, errs.CodeRateLimited, errs.CodeOf(err))

	var engineErr *errs.E
	require.ErrorAs(t, err, &engineErr)
	require.Equal(t, http.StatusTooManyRequests, engineErr.HTTP)
}

func TestFetchTopOfBookTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	a := New(Config{RESTBaseURL: srv.URL, FetchTimeout: 20 * time.Millisecond}, nil)
	start := time.Now()
	_, err := a.FetchTopOfBook(context.Background(),
		schema.MarketKey{Venue: VenueName, Symbol: "BTCUSDT", Category: schema.CategorySpot})
	require.Error(t, err)
	require.Equal(t, errs.CodeTransport, errs.CodeOf(err))
	require.Less(t, time.Since(start), time.Second)
}

func TestSubmitOrderPublicOnly(t *testing.T) {
	a := New(Config{}, nil)
	req := schema.OrderRequest{
		Venue: VenueName, Symbol: "BTCUSDT", Category: schema.CategorySpot,
		Side: schema.SideBuy, Qty: decimal.RequireFromString("0.001"), Type: schema.OrderTypeMarket,
	}
	res, err := a.SubmitOrder(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, errs.CodeAuth, errs.CodeOf(err))
	require.False(t, res.Success)
	require.Equal(t, string(errs.CodeAuth), res.ErrorCode)
}

func TestSubmitOrderSignsRequest(t *testing.T) {
	const (
		apiKey    = "test-key"
		apiSecret = "test-secret"
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/order/create", r.URL.Path)
		require.Equal(t, apiKey, r.Header.Get("X-BAPI-API-KEY"))
		require.Equal(t, recvWindow, r.Header.Get("X-BAPI-RECV-WINDOW"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		mac := hmac.New(sha256.New, []byte(apiSecret))
		mac.Write([]byte(r.Header.Get("X-BAPI-TIMESTAMP") + apiKey + recvWindow))
		mac.Write(body)
		require.Equal(t, hex.EncodeToString(mac.Sum(nil)), r.Header.Get("X-BAPI-SIGN"))

		var fields map[string]string
		require.NoError(t, json.Unmarshal(body, &fields))
		require.Equal(t, "Buy", fields["side"])
		require.Equal(t, "Market", fields["orderType"])
		require.Equal(t, "baseCoin", fields["marketUnit"])

		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"order-123"}}`)
	}))
	defer srv.Close()

	a := New(Config{
		RESTBaseURL: srv.URL,
		Credentials: venue.Credentials{APIKey: apiKey, APISecret: apiSecret},
	}, nil)

	req := schema.OrderRequest{
		Venue: VenueName, Symbol: "BTCUSDT", Category: schema.CategorySpot,
		Side: schema.SideBuy, Qty: decimal.RequireFromString("0.001"), Type: schema.OrderTypeMarket,
	}
	res, err := a.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "order-123", res.OrderID)
}

func TestSubmitOrderInsufficientBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"retCode":110007,"retMsg":"ab not enough for new order","result":{}}`)
	}))
	defer srv.Close()

	a := New(Config{
		RESTBaseURL: srv.URL,
		Credentials: venue.Credentials{APIKey: "k", APISecret: "s"},
	}, nil)

	req := schema.OrderRequest{
		Venue: VenueName, Symbol: "BTCUSDT", Category: schema.CategoryLinear,
		Side: schema.SideSell, Qty: decimal.RequireFromString("0.001"), Type: schema.OrderTypeMarket,
	}
	res, err := a.SubmitOrder(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, errs.CodeInsufficientBalance, errs.CodeOf(err))
	require.Equal(t, string(errs.CodeInsufficientBalance), res.ErrorCode)
}

func TestParseTopic(t *testing.T) {
	prefix, symbol, ok := parseTopic("orderbook.1.BTCUSDT")
	require.True(t, ok)
	require.Equal(t, "orderbook.1", prefix)
	require.Equal(t, "BTCUSDT", symbol)

	_, _, ok = parseTopic("noseparator")
	require.False(t, ok)
}
