package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"bracketBot/internal/domain"
	"bracketBot/internal/metrics"
	"bracketBot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://api.binance.com"
	baseURLTestnet    = "https://testnet.binance.vision"

	clientOrderIDPrefix = "bb-"
)

// Client implements ports.OrderExecutor and ports.BalanceProvider for the
// Binance spot market.
type Client struct {
	api     *binance.Client
	logger  ports.Logger
	limiter *rate.Limiter
	metrics *metrics.Metrics

	filtersMu sync.RWMutex
	filters   map[string]*ports.SymbolFilters
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	BaseURL    string // overrides the production/testnet URL when set
	Logger     ports.Logger
	Metrics    *metrics.Metrics

	RateLimitPerSec float64 // requests per second (default 10)
	RateBurst       int     // default 10
	HTTPClient      *http.Client
}

// New creates a new Binance spot client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	api := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	switch {
	case cfg.BaseURL != "":
		api.BaseURL = cfg.BaseURL
	case cfg.UseTestnet:
		api.BaseURL = baseURLTestnet
	default:
		api.BaseURL = baseURLProduction
	}
	if cfg.HTTPClient != nil {
		api.HTTPClient = cfg.HTTPClient
	}
	cfg.Logger.Info(context.Background(), "Binance spot client configured", map[string]interface{}{"baseURL": api.BaseURL, "testnet": cfg.UseTestnet})

	perSec := cfg.RateLimitPerSec
	if perSec <= 0 {
		perSec = 10
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 10
	}

	return &Client{
		api:     api,
		logger:  cfg.Logger,
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		metrics: cfg.Metrics,
		filters: make(map[string]*ports.SymbolFilters),
	}, nil
}

// wait blocks until the request limiter admits one call.
func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}

// handleError translates Binance API errors into ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	c.metrics.ExchangeError(operation)

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003, -1015: // Too many requests / orders
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp outside of recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Invalid signature
			mappedErr = ports.ErrAuthenticationFailed
		case -1121: // Invalid symbol
			mappedErr = ports.ErrSymbolNotFound
		case -1013, -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1125, -1127, -1128, -1130:
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			if strings.Contains(strings.ToLower(apiErr.Message), "insufficient balance") {
				mappedErr = ports.ErrInsufficientFunds
			} else {
				mappedErr = ports.ErrOrderPlacementFailed
			}
		case -2011: // Cancel rejected; the exchange reports unknown orders this way
			if strings.Contains(apiErr.Message, "Unknown order") {
				mappedErr = ports.ErrOrderNotFound
			} else {
				mappedErr = ports.ErrOrderCancelFailed
			}
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // Bad API key format / key, IP or permissions
			mappedErr = ports.ErrInvalidAPIKeys
		default:
			mappedErr = ports.ErrUnknown
		}
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
	}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// SetServerTime synchronizes the client's time offset with the server.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	if _, err := c.api.NewSetServerTimeService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	if err := c.api.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// GetPrice returns the last traded price of symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetPrice"
	if err := c.wait(ctx, op); err != nil {
		return 0, err
	}
	prices, err := c.api.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		price, err := strconv.ParseFloat(p.Price, 64)
		if err != nil {
			return 0, c.handleError(ctx, fmt.Errorf("could not parse price '%s': %w", p.Price, err), op)
		}
		return price, nil
	}
	return 0, c.handleError(ctx, fmt.Errorf("no price returned for symbol %s", symbol), op)
}

// GetFreeBalance returns the unlocked amount of asset. An asset missing from
// the account is reported as zero.
func (c *Client) GetFreeBalance(ctx context.Context, asset string) (float64, error) {
	op := "GetFreeBalance"
	if err := c.wait(ctx, op); err != nil {
		return 0, err
	}
	account, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	for _, bal := range account.Balances {
		if bal.Asset != asset {
			continue
		}
		free, err := strconv.ParseFloat(bal.Free, 64)
		if err != nil {
			return 0, c.handleError(ctx, fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.Free, asset, err), op)
		}
		return free, nil
	}
	c.logger.Debug(ctx, "Asset not present in account balances", map[string]interface{}{"asset": asset})
	return 0, nil
}

// GetSymbolFilters returns the tick and step size of symbol. Filters are
// cached for the life of the client.
func (c *Client) GetSymbolFilters(ctx context.Context, symbol string) (*ports.SymbolFilters, error) {
	op := "GetSymbolFilters"
	c.filtersMu.RLock()
	cached, ok := c.filters[symbol]
	c.filtersMu.RUnlock()
	if ok {
		return cached, nil
	}

	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	info, err := c.api.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		priceFilter := s.PriceFilter()
		lotFilter := s.LotSizeFilter()
		if priceFilter == nil || lotFilter == nil {
			return nil, c.handleError(ctx, fmt.Errorf("symbol %s is missing PRICE_FILTER or LOT_SIZE", symbol), op)
		}
		filters := &ports.SymbolFilters{
			Symbol:         symbol,
			TickSize:       priceFilter.TickSize,
			StepSize:       lotFilter.StepSize,
			QuotePrecision: s.QuoteAssetPrecision,
		}
		c.filtersMu.Lock()
		c.filters[symbol] = filters
		c.filtersMu.Unlock()
		return filters, nil
	}
	err = fmt.Errorf("%s: %w", symbol, ports.ErrSymbolNotFound)
	c.logger.Error(ctx, err, op+" failed")
	return nil, fmt.Errorf("%s failed: %w", op, err)
}

// MarketBuy spends quoteAmount of the quote asset at market.
func (c *Client) MarketBuy(ctx context.Context, symbol, quoteAmount string) (*ports.MarketOrderResult, error) {
	op := "MarketBuy"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	res, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeBuy).
		Type(binance.OrderTypeMarket).
		QuoteOrderQty(quoteAmount).
		NewClientOrderID(newClientOrderID()).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, "Market buy executed", map[string]interface{}{"symbol": symbol, "quoteAmount": quoteAmount, "orderID": res.OrderID, "fills": len(res.Fills)})
	return translateMarketOrder(res)
}

// MarketSell sells quantity of the base asset at market.
func (c *Client) MarketSell(ctx context.Context, symbol, quantity string) (*ports.MarketOrderResult, error) {
	op := "MarketSell"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	res, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeMarket).
		Quantity(quantity).
		NewClientOrderID(newClientOrderID()).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, "Market sell executed", map[string]interface{}{"symbol": symbol, "quantity": quantity, "orderID": res.OrderID, "fills": len(res.Fills)})
	return translateMarketOrder(res)
}

// PlaceLimitSell places a GTC limit sell.
func (c *Client) PlaceLimitSell(ctx context.Context, symbol, quantity, price string) (int64, error) {
	op := "PlaceLimitSell"
	if err := c.wait(ctx, op); err != nil {
		return 0, err
	}
	res, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(quantity).
		Price(price).
		NewClientOrderID(newClientOrderID()).
		Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, "Limit sell placed", map[string]interface{}{"symbol": symbol, "quantity": quantity, "price": price, "orderID": res.OrderID})
	return res.OrderID, nil
}

// PlaceStopLimitSell places a GTC stop-loss-limit sell.
func (c *Client) PlaceStopLimitSell(ctx context.Context, symbol, quantity, stopPrice, limitPrice string) (int64, error) {
	op := "PlaceStopLimitSell"
	if err := c.wait(ctx, op); err != nil {
		return 0, err
	}
	res, err := c.api.NewCreateOrderService().
		Symbol(symbol).
		Side(binance.SideTypeSell).
		Type(binance.OrderTypeStopLossLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(quantity).
		Price(limitPrice).
		StopPrice(stopPrice).
		NewClientOrderID(newClientOrderID()).
		Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, "Stop-limit sell placed", map[string]interface{}{
		"symbol": symbol, "quantity": quantity, "stopPrice": stopPrice, "limitPrice": limitPrice, "orderID": res.OrderID,
	})
	return res.OrderID, nil
}

// CancelOrder cancels an open order. ErrOrderNotFound means the exchange no
// longer has it open.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	op := "CancelOrder"
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	if _, err := c.api.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, "Order canceled", map[string]interface{}{"symbol": symbol, "orderID": orderID})
	return nil
}

// GetOrder fetches the exchange state of an order.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*ports.OrderState, error) {
	op := "GetOrder"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	o, err := c.api.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	state, err := translateOrderState(o)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return state, nil
}

// GetOpenOrders lists open orders across all symbols.
func (c *Client) GetOpenOrders(ctx context.Context) ([]ports.OpenOrder, error) {
	op := "GetOpenOrders"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	orders, err := c.api.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	open := make([]ports.OpenOrder, 0, len(orders))
	for _, o := range orders {
		price, _ := strconv.ParseFloat(o.Price, 64)
		qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
		open = append(open, ports.OpenOrder{
			OrderID:  o.OrderID,
			Symbol:   o.Symbol,
			Side:     domain.OrderSide(o.Side),
			Type:     domain.OrderType(o.Type),
			Price:    price,
			Quantity: qty,
			Status:   domain.OrderStatus(o.Status),
		})
	}
	return open, nil
}

func newClientOrderID() string {
	// Binance caps client order ids at 36 characters.
	return clientOrderIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:32]
}

func translateMarketOrder(res *binance.CreateOrderResponse) (*ports.MarketOrderResult, error) {
	fills := make([]domain.Fill, 0, len(res.Fills))
	for _, f := range res.Fills {
		price, err := strconv.ParseFloat(f.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("parse fill price '%s': %w", f.Price, err)
		}
		qty, err := strconv.ParseFloat(f.Quantity, 64)
		if err != nil {
			return nil, fmt.Errorf("parse fill quantity '%s': %w", f.Quantity, err)
		}
		commission, _ := strconv.ParseFloat(f.Commission, 64)
		fills = append(fills, domain.Fill{
			Price:           price,
			Quantity:        qty,
			Commission:      commission,
			CommissionAsset: f.CommissionAsset,
		})
	}
	return &ports.MarketOrderResult{
		OrderID:      res.OrderID,
		Symbol:       res.Symbol,
		Status:       domain.OrderStatus(res.Status),
		Fills:        fills,
		TransactTime: time.UnixMilli(res.TransactTime).UTC(),
	}, nil
}

func translateOrderState(o *binance.Order) (*ports.OrderState, error) {
	state := &ports.OrderState{
		OrderID:    o.OrderID,
		Symbol:     o.Symbol,
		Status:     domain.OrderStatus(o.Status),
		UpdateTime: time.UnixMilli(o.UpdateTime).UTC(),
	}
	if o.ExecutedQuantity != "" {
		qty, err := strconv.ParseFloat(o.ExecutedQuantity, 64)
		if err != nil {
			return nil, fmt.Errorf("parse executed quantity '%s': %w", o.ExecutedQuantity, err)
		}
		state.ExecutedQty = qty
	}
	if state.ExecutedQty > 0 && o.CummulativeQuoteQuantity != "" {
		quote, err := strconv.ParseFloat(o.CummulativeQuoteQuantity, 64)
		if err != nil {
			return nil, fmt.Errorf("parse cumulative quote '%s': %w", o.CummulativeQuoteQuantity, err)
		}
		state.AvgPrice = quote / state.ExecutedQty
	}
	return state, nil
}
