// Package binance implements the Binance spot venue adapter.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
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
	VenueName schema.VenueID = "binance"

	defaultRESTBaseURL = "https://api.binance.com"
	defaultWSURL       = "wss://stream.binance.com:9443/ws"

	recvWindowMs   = "5000"
	requestTimeout = 10 * time.Second
	fetchTimeout   = 5 * time.Second
)

// Config parameterises the adapter.
type Config struct {
	Credentials venue.Credentials
	RESTBaseURL string
	WSURL       string
	HTTPClient  *http.Client
	// FetchTimeout bounds one FetchTopOfBook call; order submission keeps
	// the larger client timeout.
	FetchTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.RESTBaseURL == "" {
		c.RESTBaseURL = defaultRESTBaseURL
	}
	if c.WSURL == "" {
		c.WSURL = defaultWSURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: requestTimeout}
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = fetchTimeout
	}
	return c
}

// Adapter streams bookTicker updates and submits spot orders. Binance spot
// is the only supported category here; derivatives markets are rejected at
// the boundary.
type Adapter struct {
	cfg  Config
	sink venue.QuoteSink

	ctx    context.Context
	cancel context.CancelFunc

	streamMu sync.Mutex
	stream   *streamManager

	errorCh  chan error
	initOnce sync.Once
}

// New constructs the adapter.
func New(cfg Config, sink venue.QuoteSink) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		cfg:     cfg.normalize(),
		sink:    sink,
		ctx:     ctx,
		cancel:  cancel,
		errorCh: make(chan error, 64),
	}
}

// Name implements venue.Adapter.
func (a *Adapter) Name() schema.VenueID { return VenueName }

// Initialize starts the stream error drain; the websocket comes up lazily on
// the first subscription.
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

// bookTickerFrame is the raw bookTicker stream payload. It carries no
// exchange timestamp, so receive time stands in as the source timestamp.
type bookTickerFrame struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// SubscribeTopOfBook joins the symbol's bookTicker stream.
func (a *Adapter) SubscribeTopOfBook(_ context.Context, key schema.MarketKey) error {
	if err := a.checkKey(key); err != nil {
		return err
	}
	sm, err := a.streamManager()
	if err != nil {
		return err
	}
	if err := sm.subscribe([]string{streamName(key.Symbol)}); err != nil {
		return errs.New("binance/subscribe", errs.CodeStream,
			errs.WithVenue(string(VenueName)), errs.WithCause(err))
	}
	return nil
}

// UnsubscribeTopOfBook leaves the symbol's bookTicker stream.
func (a *Adapter) UnsubscribeTopOfBook(_ context.Context, key schema.MarketKey) error {
	a.streamMu.Lock()
	sm := a.stream
	a.streamMu.Unlock()
	if sm == nil {
		return nil
	}
	if err := sm.unsubscribe([]string{streamName(key.Symbol)}); err != nil {
		return errs.New("binance/unsubscribe", errs.CodeStream,
			errs.WithVenue(string(VenueName)), errs.WithCause(err))
	}
	return nil
}

func (a *Adapter) streamManager() (*streamManager, error) {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()
	if a.stream != nil {
		return a.stream, nil
	}
	sm := newStreamManager(a.ctx, a.cfg.WSURL, a.handleMessage, a.errorCh)
	if err := sm.start(); err != nil {
		sm.stop()
		return nil, errs.New("binance/stream", errs.CodeStream,
			errs.WithVenue(string(VenueName)), errs.WithCause(err))
	}
	a.stream = sm
	return sm, nil
}

func (a *Adapter) handleMessage(data []byte) error {
	var frame bookTickerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return errs.New("binance/parse", errs.CodeStream,
			errs.WithMessage("malformed bookTicker frame"), errs.WithCause(err))
	}
	if frame.Symbol == "" {
		return nil
	}
	quote, err := frame.toQuote()
	if err != nil {
		return err
	}
	if a.sink != nil {
		a.sink.Update(quote)
	}
	return nil
}

func (f bookTickerFrame) toQuote() (schema.Quote, error) {
	bidP, err := parsePrice(f.BidPrice)
	if err != nil {
		return schema.Quote{}, err
	}
	bidS, err := parsePrice(f.BidQty)
	if err != nil {
		return schema.Quote{}, err
	}
	askP, err := parsePrice(f.AskPrice)
	if err != nil {
		return schema.Quote{}, err
	}
	askS, err := parsePrice(f.AskQty)
	if err != nil {
		return schema.Quote{}, err
	}
	now := time.Now().UTC()
	return schema.Quote{
		Venue:    VenueName,
		Symbol:   f.Symbol,
		Category: schema.CategorySpot,
		BidPrice: bidP,
		BidSize:  bidS,
		AskPrice: askP,
		AskSize:  askS,
		SourceTs: now,
		IngestTs: now,
	}, nil
}

// FetchTopOfBook reads the bookTicker snapshot over REST.
func (a *Adapter) FetchTopOfBook(ctx context.Context, key schema.MarketKey) (schema.Quote, error) {
	if err := a.checkKey(key); err != nil {
		return schema.Quote{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	defer cancel()
	endpoint := a.cfg.RESTBaseURL + "/api/v3/ticker/bookTicker?symbol=" + url.QueryEscape(key.Symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return schema.Quote{}, errs.New("binance/fetch", errs.CodeTransport, errs.WithCause(err))
	}
	data, err := a.doREST(req)
	if err != nil {
		return schema.Quote{}, err
	}

	var snapshot struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		BidQty   string `json:"bidQty"`
		AskPrice string `json:"askPrice"`
		AskQty   string `json:"askQty"`
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return schema.Quote{}, errs.New("binance/fetch", errs.CodeTransport,
			errs.WithMessage("malformed bookTicker response"), errs.WithCause(err))
	}
	frame := bookTickerFrame{
		Symbol:   snapshot.Symbol,
		BidPrice: snapshot.BidPrice,
		BidQty:   snapshot.BidQty,
		AskPrice: snapshot.AskPrice,
		AskQty:   snapshot.AskQty,
	}
	return frame.toQuote()
}

// SubmitOrder places a spot order over the signed REST surface.
func (a *Adapter) SubmitOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return schema.FailedResult(err), err
	}
	if err := a.checkKey(schema.MarketKey{Venue: req.Venue, Symbol: req.Symbol, Category: req.Category}); err != nil {
		return schema.FailedResult(err), err
	}
	if a.cfg.Credentials.Public() {
		err := errs.New("binance/submit", errs.CodeAuth,
			errs.WithVenue(string(VenueName)),
			errs.WithMessage("credentials not configured"))
		return schema.FailedResult(err), err
	}

	params := url.Values{
		"symbol":     {req.Symbol},
		"side":       {strings.ToUpper(string(req.Side))},
		"type":       {strings.ToUpper(string(req.Type))},
		"quantity":   {req.Qty.String()},
		"recvWindow": {recvWindowMs},
		"timestamp":  {strconv.FormatInt(time.Now().UnixMilli(), 10)},
	}
	if req.Type == schema.OrderTypeLimit {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	}
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(a.cfg.Credentials.APISecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	endpoint := a.cfg.RESTBaseURL + "/api/v3/order"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(query))
	if err != nil {
		serr := errs.New("binance/submit", errs.CodeTransport, errs.WithCause(err))
		return schema.FailedResult(serr), serr
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("X-MBX-APIKEY", a.cfg.Credentials.APIKey)

	data, err := a.doREST(httpReq)
	if err != nil {
		return schema.FailedResult(err), err
	}

	var ack struct {
		OrderID     int64  `json:"orderId"`
		ExecutedQty string `json:"executedQty"`
		Fills       []struct {
			Price string `json:"price"`
			Qty   string `json:"qty"`
		} `json:"fills"`
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		serr := errs.New("binance/submit", errs.CodeTransport,
			errs.WithMessage("malformed order response"), errs.WithCause(err))
		return schema.FailedResult(serr), serr
	}

	result := schema.OrderResult{
		Success: true,
		OrderID: strconv.FormatInt(ack.OrderID, 10),
	}
	if ack.ExecutedQty != "" {
		if qty, perr := decimal.NewFromString(ack.ExecutedQty); perr == nil {
			result.FilledQty = &qty
		}
	}
	if len(ack.Fills) > 0 {
		if price, perr := decimal.NewFromString(ack.Fills[0].Price); perr == nil {
			result.FilledPrice = &price
		}
	}
	return result, nil
}

// Close stops the stream.
func (a *Adapter) Close() error {
	a.cancel()
	a.streamMu.Lock()
	if a.stream != nil {
		a.stream.stop()
		a.stream = nil
	}
	a.streamMu.Unlock()
	return nil
}

func (a *Adapter) checkKey(key schema.MarketKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if key.Category != schema.CategorySpot {
		return errs.New("binance/market", errs.CodeInvalidParams,
			errs.WithVenue(string(VenueName)),
			errs.WithMessage("only the spot category is supported"))
	}
	return nil
}

func (a *Adapter) doREST(req *http.Request) ([]byte, error) {
	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, errs.New("binance/rest", errs.CodeTransport,
			errs.WithVenue(string(VenueName)), errs.WithCause(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.New("binance/rest", errs.CodeTransport,
			errs.WithVenue(string(VenueName)), errs.WithCause(err))
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		_ = json.Unmarshal(data, &apiErr)
		return nil, errs.New("binance/rest", mapAPICode(resp.StatusCode, apiErr.Code),
			errs.WithVenue(string(VenueName)),
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawCode(strconv.Itoa(apiErr.Code)),
			errs.WithRawMessage(apiErr.Msg))
	}
	return data, nil
}

func streamName(symbol string) string {
	return strings.ToLower(symbol) + "@bookTicker"
}

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, errs.New("binance/parse", errs.CodeStream,
			errs.WithMessage("malformed decimal"), errs.WithCause(err))
	}
	return d, nil
}

// mapAPICode translates Binance error codes into the shared taxonomy.
func mapAPICode(status, code int) errs.Code {
	switch code {
	case -1021, -2014, -2015:
		return errs.CodeAuth
	case -1003:
		return errs.CodeRateLimited
	case -2010:
		return errs.CodeInsufficientBalance
	case -1013, -1100, -1121:
		return errs.CodeInvalidParams
	}
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return errs.CodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.CodeAuth
	case status >= 500:
		return errs.CodeUnavailable
	default:
		return errs.CodeTransport
	}
}
