// Package binance is the Binance spot implementation of exchange.Gateway.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"spot-grid/internal/core"
	"spot-grid/internal/exchange"
)

const (
	DefaultRequestsPerSecond = 5
	maxHistoryLimit          = 1000
	maxClientPrefixLen       = 9
)

type Options struct {
	APIKey            string
	APISecret         string
	RestBaseURL       string
	WSBaseURL         string
	ClientOrderPrefix string
	RecvWindow        time.Duration
	HTTPTimeout       time.Duration
	RequestsPerSecond float64
	Burst             int
	Logger            *zap.Logger
}

// Client paces every REST call through one limiter and tags every order
// with a client id of the form <prefix>-<ulid>.
type Client struct {
	api        *binance.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	apiKey     string
	apiSecret  string
	wsBaseURL  string
	prefix     string
	recvWindow time.Duration
	resync     atomic.Bool

	mu          sync.Mutex
	symbolCache map[string]symbolInfo
}

func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, fmt.Errorf("%w: api_key/api_secret required", core.ErrConfig)
	}
	return newClient(opts), nil
}

// NewPublicClient serves unsigned market data only, such as the ticker the
// paper venue follows. Signed calls on it are rejected by the venue.
func NewPublicClient(opts Options) *Client {
	opts.APIKey, opts.APISecret = "", ""
	return newClient(opts)
}

func newClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	timeout := 15 * time.Second
	if opts.HTTPTimeout > 0 {
		timeout = opts.HTTPTimeout
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	api := binance.NewClient(opts.APIKey, opts.APISecret)
	if base := strings.TrimRight(strings.TrimSpace(opts.RestBaseURL), "/"); base != "" {
		api.BaseURL = base
	}
	api.HTTPClient = &http.Client{Timeout: timeout}
	api.Logger = zap.NewStdLog(opts.Logger.Named("binance-sdk"))

	return &Client{
		api:         api,
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		logger:      opts.Logger.With(zap.String("venue", "binance")),
		apiKey:      opts.APIKey,
		apiSecret:   opts.APISecret,
		wsBaseURL:   strings.TrimRight(strings.TrimSpace(opts.WSBaseURL), "/"),
		prefix:      normalizeClientOrderPrefix(opts.ClientOrderPrefix),
		recvWindow:  opts.RecvWindow,
		symbolCache: make(map[string]symbolInfo),
	}
}

func normalizeClientOrderPrefix(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	b := strings.Builder{}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "sg"
	}
	if len(out) > maxClientPrefixLen {
		out = out[:maxClientPrefixLen]
	}
	return out
}

func (c *Client) Name() string { return "binance" }

func (c *Client) newClientOrderID() string {
	return c.prefix + "-" + ulid.Make().String()
}

// OwnsClientID reports whether the order was placed by a client sharing
// this prefix.
func (c *Client) OwnsClientID(clientID string) bool {
	return strings.HasPrefix(strings.TrimSpace(clientID), c.prefix+"-")
}

// SyncTime aligns request timestamps with the server clock.
func (c *Client) SyncTime(ctx context.Context) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	offset, err := c.api.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return classify(err)
	}
	c.logger.Info("server_time_synced", zap.Int64("offset_ms", offset))
	return nil
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(core.ErrVenueUnavailable, ctxErr)
		}
		return errors.Join(core.ErrVenueUnavailable, err)
	}
	return nil
}

// signed paces a signed call and, after a timestamp rejection, resyncs the
// clock before it goes out.
func (c *Client) signed(ctx context.Context) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if c.resync.CompareAndSwap(true, false) {
		if err := c.SyncTime(ctx); err != nil {
			c.resync.Store(true)
			c.logger.Warn("server_time_sync_failed", zap.Error(err))
		}
	}
	return nil
}

func (c *Client) opts() []binance.RequestOption {
	if c.recvWindow <= 0 {
		return nil
	}
	return []binance.RequestOption{binance.WithRecvWindow(c.recvWindow.Milliseconds())}
}

func (c *Client) fail(op string, err error) error {
	if IsAPIErrorCode(err, apiCodeInvalidTimestamp) {
		c.resync.Store(true)
	}
	return fmt.Errorf("binance %s: %w", op, classify(err))
}

func (c *Client) GetPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	if err := c.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	prices, err := c.api.NewListPricesService().Symbol(pair).Do(ctx)
	if err != nil {
		return decimal.Zero, c.fail("ticker price", err)
	}
	for _, p := range prices {
		if p == nil || p.Symbol != pair {
			continue
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil || price.Cmp(decimal.Zero) <= 0 {
			return decimal.Zero, fmt.Errorf("%w: bad ticker price %q for %s", core.ErrVenueUnavailable, p.Price, pair)
		}
		return price, nil
	}
	return decimal.Zero, fmt.Errorf("%w: no ticker price for %s", core.ErrVenueUnavailable, pair)
}

func (c *Client) GetQuantization(ctx context.Context, pair string) (core.Rules, error) {
	info, err := c.symbolInfo(ctx, pair)
	if err != nil {
		return core.Rules{}, err
	}
	return info.rules, nil
}

func (c *Client) symbolInfo(ctx context.Context, pair string) (symbolInfo, error) {
	if pair == "" {
		return symbolInfo{}, fmt.Errorf("%w: symbol is required", core.ErrConfig)
	}
	c.mu.Lock()
	info, ok := c.symbolCache[pair]
	c.mu.Unlock()
	if ok {
		return info, nil
	}

	if err := c.wait(ctx); err != nil {
		return symbolInfo{}, err
	}
	resp, err := c.api.NewExchangeInfoService().Symbol(pair).Do(ctx)
	if err != nil {
		return symbolInfo{}, c.fail("exchange info", err)
	}
	for _, s := range resp.Symbols {
		if s.Symbol != pair {
			continue
		}
		info = parseSymbolInfo(s)
		c.mu.Lock()
		c.symbolCache[pair] = info
		c.mu.Unlock()
		return info, nil
	}
	return symbolInfo{}, fmt.Errorf("%w: symbol %s not listed", core.ErrConfig, pair)
}

func (c *Client) PlaceLimitOrder(ctx context.Context, pair string, side core.Side, qty, price decimal.Decimal) (core.Order, error) {
	var apiSide binance.SideType
	switch side {
	case core.Buy:
		apiSide = binance.SideTypeBuy
	case core.Sell:
		apiSide = binance.SideTypeSell
	default:
		return core.Order{}, fmt.Errorf("%w: unknown side %q", core.ErrOrderRejected, side)
	}
	if err := c.signed(ctx); err != nil {
		return core.Order{}, err
	}
	clientID := c.newClientOrderID()
	resp, err := c.api.NewCreateOrderService().
		Symbol(pair).
		Side(apiSide).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(qty.String()).
		Price(price.String()).
		NewClientOrderID(clientID).
		NewOrderRespType(binance.NewOrderRespTypeRESULT).
		Do(ctx, c.opts()...)
	if err != nil {
		return core.Order{}, c.fail("place order", err)
	}
	ord := fromCreateResponse(resp)
	if ord.ClientID == "" {
		ord.ClientID = clientID
	}
	c.logger.Debug("order_placed",
		zap.String("order_id", ord.ID),
		zap.String("client_id", ord.ClientID),
		zap.String("side", string(side)),
		zap.String("price", price.String()),
		zap.String("qty", qty.String()),
	)
	return ord, nil
}

// CancelOrder treats an order the venue no longer knows, or already
// closed, as canceled.
func (c *Client) CancelOrder(ctx context.Context, pair, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad order id %q", core.ErrOrderNotFound, orderID)
	}
	if err := c.signed(ctx); err != nil {
		return err
	}
	_, err = c.api.NewCancelOrderService().Symbol(pair).OrderID(id).Do(ctx, c.opts()...)
	if err != nil {
		err = c.fail("cancel order", err)
		if errors.Is(err, core.ErrOrderNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) ListOpenOrders(ctx context.Context, pair string) ([]core.Order, error) {
	if err := c.signed(ctx); err != nil {
		return nil, err
	}
	resp, err := c.api.NewListOpenOrdersService().Symbol(pair).Do(ctx, c.opts()...)
	if err != nil {
		return nil, c.fail("open orders", err)
	}
	out := make([]core.Order, 0, len(resp))
	for _, o := range resp {
		if o != nil {
			out = append(out, fromOrder(o))
		}
	}
	return out, nil
}

// ListOrderHistory returns the latest orders of any status, oldest first.
// The window is by creation: an order resting since long before the newest
// limit placements is not in it, whatever its status.
func (c *Client) ListOrderHistory(ctx context.Context, pair string, limit int) ([]core.Order, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if err := c.signed(ctx); err != nil {
		return nil, err
	}
	resp, err := c.api.NewListOrdersService().Symbol(pair).Limit(limit).Do(ctx, c.opts()...)
	if err != nil {
		return nil, c.fail("order history", err)
	}
	out := make([]core.Order, 0, len(resp))
	for _, o := range resp {
		if o != nil {
			out = append(out, fromOrder(o))
		}
	}
	return out, nil
}

// GetOrder looks one order up by venue id, whatever its age.
func (c *Client) GetOrder(ctx context.Context, pair, orderID string) (core.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return core.Order{}, fmt.Errorf("%w: bad order id %q", core.ErrOrderNotFound, orderID)
	}
	if err := c.signed(ctx); err != nil {
		return core.Order{}, err
	}
	resp, err := c.api.NewGetOrderService().Symbol(pair).OrderID(id).Do(ctx, c.opts()...)
	if err != nil {
		return core.Order{}, c.fail("query order", err)
	}
	return fromOrder(resp), nil
}

var (
	_ exchange.Gateway       = (*Client)(nil)
	_ exchange.ClientIDOwner = (*Client)(nil)
)
