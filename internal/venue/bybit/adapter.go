// Package bybit implements the Bybit v5 venue adapter.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/straddle/internal/errs"
	"github.com/coachpo/straddle/internal/observability"
	"github.com/coachpo/straddle/internal/schema"
	"github.com/coachpo/straddle/internal/venue"
)

const (
	// VenueName is the canonical identifier for this adapter.
	VenueName schema.VenueID = "bybit"

	defaultRESTBaseURL = "https://api.bybit.com"
	defaultWSBaseURL   = "wss://stream.bybit.com"

	recvWindow     = "5000"
	requestTimeout = 10 * time.Second
	fetchTimeout   = 5 * time.Second
)

// Config parameterises the adapter.
type Config struct {
	Credentials venue.Credentials
	RESTBaseURL string
	WSBaseURL   string
	HTTPClient  *http.Client
	// FetchTimeout bounds one FetchTopOfBook call; order submission keeps
	// the larger client timeout.
	FetchTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.RESTBaseURL == "" {
		c.RESTBaseURL = defaultRESTBaseURL
	}
	if c.WSBaseURL == "" {
		c.WSBaseURL = defaultWSBaseURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: requestTimeout}
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = fetchTimeout
	}
	return c
}

// Adapter streams public market data per category and submits orders over
// the signed REST surface.
type Adapter struct {
	cfg  Config
	sink venue.QuoteSink

	ctx    context.Context
	cancel context.CancelFunc

	streamMu sync.Mutex
	streams  map[schema.Category]*streamManager

	books   *bookKeeper
	errorCh chan error

	initOnce sync.Once
}

// New constructs the adapter. Quotes flow into sink as they arrive.
func New(cfg Config, sink venue.QuoteSink) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		cfg:     cfg.normalize(),
		sink:    sink,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[schema.Category]*streamManager),
		books:   newBookKeeper(),
		errorCh: make(chan error, 64),
	}
}

// Name implements venue.Adapter.
func (a *Adapter) Name() schema.VenueID { return VenueName }

// Initialize starts the stream error drain. Streams themselves come up
// lazily on first subscription per category.
func (a *Adapter) Initialize(context.Context) error {
	a.initOnce.Do(func() {
		go a.drainErrors()
	})
	return nil
}

func (a *Adapter) drainErrors() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case err := <-a.errorCh:
			observability.Log().Error("stream error",
				observability.F("venue", string(VenueName)),
				observability.F("error", err))
		}
	}
}

// SubscribeTopOfBook joins both the depth-1 orderbook and tickers topics for
// the market. Whichever carries the fresher exchange timestamp wins in the
// quote cache.
func (a *Adapter) SubscribeTopOfBook(_ context.Context, key schema.MarketKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	sm, err := a.streamFor(key.Category)
	if err != nil {
		return err
	}
	topics := []string{
		fmt.Sprintf("%s.%s", topicOrderbook, key.Symbol),
		fmt.Sprintf("%s.%s", topicTickers, key.Symbol),
	}
	if err := sm.subscribe(topics); err != nil {
		return errs.New("bybit/subscribe", errs.CodeStream,
			errs.WithVenue(string(VenueName)), errs.WithCause(err))
	}
	return nil
}

// UnsubscribeTopOfBook leaves both topics and forgets book state.
func (a *Adapter) UnsubscribeTopOfBook(_ context.Context, key schema.MarketKey) error {
	a.streamMu.Lock()
	sm := a.streams[key.Category]
	a.streamMu.Unlock()
	if sm == nil {
		return nil
	}
	topics := []string{
		fmt.Sprintf("%s.%s", topicOrderbook, key.Symbol),
		fmt.Sprintf("%s.%s", topicTickers, key.Symbol),
	}
	a.books.drop(key)
	if err := sm.unsubscribe(topics); err != nil {
		return errs.New("bybit/unsubscribe", errs.CodeStream,
			errs.WithVenue(string(VenueName)), errs.WithCause(err))
	}
	return nil
}

func (a *Adapter) streamFor(category schema.Category) (*streamManager, error) {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()
	if sm, ok := a.streams[category]; ok {
		return sm, nil
	}
	url := fmt.Sprintf("%s/v5/public/%s", a.cfg.WSBaseURL, category)
	sm := newStreamManager(a.ctx, url, a.handleMessage(category), a.errorCh)
	if err := sm.start(); err != nil {
		sm.stop()
		return nil, errs.New("bybit/stream", errs.CodeStream,
			errs.WithVenue(string(VenueName)), errs.WithCause(err))
	}
	a.streams[category] = sm
	return sm, nil
}

func (a *Adapter) handleMessage(category schema.Category) func([]byte) error {
	return func(data []byte) error {
		var msg topicMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return errs.New("bybit/parse", errs.CodeStream,
				errs.WithMessage("malformed topic frame"), errs.WithCause(err))
		}
		if msg.Topic == "" {
			return nil
		}
		prefix, symbol, ok := parseTopic(msg.Topic)
		if !ok {
			return nil
		}
		key := schema.MarketKey{Venue: VenueName, Symbol: symbol, Category: category}
		ts := time.UnixMilli(msg.Ts).UTC()

		switch prefix {
		case topicOrderbook:
			var ob orderbookData
			if err := json.Unmarshal(msg.Data, &ob); err != nil {
				return errs.New("bybit/parse", errs.CodeStream,
					errs.WithMessage("malformed orderbook data"), errs.WithCause(err))
			}
			bidP, bidS, err := parseLevel(ob.Bids)
			if err != nil {
				return err
			}
			askP, askS, err := parseLevel(ob.Asks)
			if err != nil {
				return err
			}
			a.emit(key, ts, bidP, bidS, askP, askS)
		case topicTickers:
			var tk tickerData
			if err := json.Unmarshal(msg.Data, &tk); err != nil {
				return errs.New("bybit/parse", errs.CodeStream,
					errs.WithMessage("malformed ticker data"), errs.WithCause(err))
			}
			bidP, err := parseDecimal(tk.Bid1Price)
			if err != nil {
				return err
			}
			bidS, err := parseDecimal(tk.Bid1Size)
			if err != nil {
				return err
			}
			askP, err := parseDecimal(tk.Ask1Price)
			if err != nil {
				return err
			}
			askS, err := parseDecimal(tk.Ask1Size)
			if err != nil {
				return err
			}
			a.emit(key, ts, bidP, bidS, askP, askS)
		}
		return nil
	}
}

func (a *Adapter) emit(key schema.MarketKey, ts time.Time, bidP, bidS, askP, askS *decimal.Decimal) {
	quote, ok := a.books.get(key).apply(key, ts, bidP, bidS, askP, askS)
	if !ok || a.sink == nil {
		return
	}
	a.sink.Update(quote)
}

type restResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type tickersResult struct {
	List []tickerData `json:"list"`
}

type orderResult struct {
	OrderID string `json:"orderId"`
}

// FetchTopOfBook reads the market ticker over REST.
func (a *Adapter) FetchTopOfBook(ctx context.Context, key schema.MarketKey) (schema.Quote, error) {
	if err := key.Validate(); err != nil {
		return schema.Quote{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	defer cancel()
	endpoint := fmt.Sprintf("%s/v5/market/tickers?%s", a.cfg.RESTBaseURL, url.Values{
		"category": {string(key.Category)},
		"symbol":   {key.Symbol},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return schema.Quote{}, errs.New("bybit/fetch", errs.CodeTransport, errs.WithCause(err))
	}
	resp, err := a.doREST(req)
	if err != nil {
		return schema.Quote{}, err
	}

	var result tickersResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return schema.Quote{}, errs.New("bybit/fetch", errs.CodeTransport,
			errs.WithMessage("malformed tickers result"), errs.WithCause(err))
	}
	if len(result.List) == 0 {
		return schema.Quote{}, errs.New("bybit/fetch", errs.CodeNotFound,
			errs.WithVenue(string(VenueName)), errs.WithMessage("symbol not found"))
	}
	tk := result.List[0]

	bidP, err := parseDecimal(tk.Bid1Price)
	if err != nil {
		return schema.Quote{}, err
	}
	bidS, err := parseDecimal(tk.Bid1Size)
	if err != nil {
		return schema.Quote{}, err
	}
	askP, err := parseDecimal(tk.Ask1Price)
	if err != nil {
		return schema.Quote{}, err
	}
	askS, err := parseDecimal(tk.Ask1Size)
	if err != nil {
		return schema.Quote{}, err
	}
	if bidP == nil || askP == nil {
		return schema.Quote{}, errs.New("bybit/fetch", errs.CodeStream,
			errs.WithMessage("ticker missing best levels"))
	}

	quote := schema.Quote{
		Venue:    VenueName,
		Symbol:   key.Symbol,
		Category: key.Category,
		BidPrice: *bidP,
		AskPrice: *askP,
		SourceTs: time.UnixMilli(resp.Time).UTC(),
		IngestTs: time.Now().UTC(),
	}
	if bidS != nil {
		quote.BidSize = *bidS
	}
	if askS != nil {
		quote.AskSize = *askS
	}
	return quote, nil
}

// SubmitOrder places an order through the signed v5 surface. Public-only
// configurations fail fast without touching the network.
func (a *Adapter) SubmitOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return schema.FailedResult(err), err
	}
	if a.cfg.Credentials.Public() {
		err := errs.New("bybit/submit", errs.CodeAuth,
			errs.WithVenue(string(VenueName)),
			errs.WithMessage("credentials not configured"))
		return schema.FailedResult(err), err
	}

	body := map[string]string{
		"category":  string(req.Category),
		"symbol":    req.Symbol,
		"side":      titleSide(req.Side),
		"orderType": titleOrderType(req.Type),
		"qty":       req.Qty.String(),
	}
	if req.Type == schema.OrderTypeLimit {
		body["price"] = req.Price.String()
	}
	if req.Category == schema.CategorySpot && req.Type == schema.OrderTypeMarket {
		// Spot market orders default to quote-denominated qty; force base units.
		body["marketUnit"] = "baseCoin"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		serr := errs.New("bybit/submit", errs.CodeTransport, errs.WithCause(err))
		return schema.FailedResult(serr), serr
	}

	endpoint := a.cfg.RESTBaseURL + "/v5/order/create"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		serr := errs.New("bybit/submit", errs.CodeTransport, errs.WithCause(err))
		return schema.FailedResult(serr), serr
	}
	a.sign(httpReq, payload)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.doREST(httpReq)
	if err != nil {
		return schema.FailedResult(err), err
	}

	var result orderResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		serr := errs.New("bybit/submit", errs.CodeTransport,
			errs.WithMessage("malformed order result"), errs.WithCause(err))
		return schema.FailedResult(serr), serr
	}
	qty := req.Qty
	return schema.OrderResult{
		Success:   true,
		OrderID:   result.OrderID,
		FilledQty: &qty,
	}, nil
}

// Close stops all streams.
func (a *Adapter) Close() error {
	a.cancel()
	a.streamMu.Lock()
	for category, sm := range a.streams {
		sm.stop()
		delete(a.streams, category)
	}
	a.streamMu.Unlock()
	return nil
}

func (a *Adapter) doREST(req *http.Request) (*restResponse, error) {
	httpResp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, errs.New("bybit/rest", errs.CodeTransport,
			errs.WithVenue(string(VenueName)), errs.WithCause(err))
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, errs.New("bybit/rest", errs.CodeTransport,
			errs.WithVenue(string(VenueName)), errs.WithCause(err))
	}
	if httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, errs.New("bybit/rest", errs.CodeRateLimited,
			errs.WithVenue(string(VenueName)), errs.WithHTTP(httpResp.StatusCode))
	}
	if httpResp.StatusCode >= 500 {
		return nil, errs.New("bybit/rest", errs.CodeUnavailable,
			errs.WithVenue(string(VenueName)), errs.WithHTTP(httpResp.StatusCode))
	}

	var resp restResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errs.New("bybit/rest", errs.CodeTransport,
			errs.WithVenue(string(VenueName)),
			errs.WithMessage("malformed response envelope"), errs.WithCause(err))
	}
	if resp.RetCode != 0 {
		return nil, errs.New("bybit/rest", mapRetCode(resp.RetCode),
			errs.WithVenue(string(VenueName)),
			errs.WithRawCode(strconv.Itoa(resp.RetCode)),
			errs.WithRawMessage(resp.RetMsg))
	}
	return &resp, nil
}

// sign applies the v5 HMAC scheme: SHA256(timestamp + apiKey + recvWindow + body).
func (a *Adapter) sign(req *http.Request, body []byte) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(a.cfg.Credentials.APISecret))
	mac.Write([]byte(timestamp + a.cfg.Credentials.APIKey + recvWindow))
	mac.Write(body)
	req.Header.Set("X-BAPI-API-KEY", a.cfg.Credentials.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
}

func titleSide(side schema.Side) string {
	if side == schema.SideSell {
		return "Sell"
	}
	return "Buy"
}

func titleOrderType(typ schema.OrderType) string {
	if typ == schema.OrderTypeLimit {
		return "Limit"
	}
	return "Market"
}

// mapRetCode translates Bybit v5 ret codes into the shared error taxonomy.
func mapRetCode(code int) errs.Code {
	switch code {
	case 10003, 10004, 10005, 33004:
		return errs.CodeAuth
	case 10006, 10018:
		return errs.CodeRateLimited
	case 110007, 170131:
		return errs.CodeInsufficientBalance
	case 10001, 110003, 170130, 170136:
		return errs.CodeInvalidParams
	case 10016:
		return errs.CodeUnavailable
	default:
		return errs.CodeTransport
	}
}
