package binance

// Kline is one candlestick bar. REST history returns closed bars only; the
// stream toggles IsClosed on the final update of a candle.
type Kline struct {
	OpenTime  int64   `json:"open_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"close_time"`
	IsClosed  bool    `json:"is_closed"`
}

// ==================== ORDER ENUMS ====================

type OrderType string

const (
	OrderTypeMarket             OrderType = "MARKET"
	OrderTypeLimit              OrderType = "LIMIT"
	OrderTypeStop               OrderType = "STOP"
	OrderTypeStopMarket         OrderType = "STOP_MARKET"
	OrderTypeTakeProfit         OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitMarket   OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeTrailingStopMarket OrderType = "TRAILING_STOP_MARKET"
)

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
	PositionSideBoth  PositionSide = "BOTH"
)

type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
	TimeInForceGTD TimeInForce = "GTD"
)

type WorkingType string

const (
	WorkingTypeMarkPrice     WorkingType = "MARK_PRICE"
	WorkingTypeContractPrice WorkingType = "CONTRACT_PRICE"
)

// ==================== ORDERS ====================

// OrderParams are the parameters for POST /fapi/v1/order.
type OrderParams struct {
	Symbol       string
	Side         OrderSide
	Type         OrderType
	Quantity     float64
	Price        float64
	StopPrice    float64
	PositionSide PositionSide
	TimeInForce  TimeInForce
	GoodTillDate int64
	ReduceOnly   bool
	WorkingType  WorkingType
}

// OrderResponse is the acknowledgement returned when placing an order.
type OrderResponse struct {
	OrderId       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderId string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	Side          string  `json:"side"`
	PositionSide  string  `json:"positionSide"`
	Type          string  `json:"type"`
	ReduceOnly    bool    `json:"reduceOnly"`
	UpdateTime    int64   `json:"updateTime"`
}

// FuturesOrder is an order as returned by GET /fapi/v1/order and /allOrders.
type FuturesOrder struct {
	OrderId      int64   `json:"orderId"`
	Symbol       string  `json:"symbol"`
	Status       string  `json:"status"`
	Price        float64 `json:"price,string"`
	AvgPrice     float64 `json:"avgPrice,string"`
	OrigQty      float64 `json:"origQty,string"`
	ExecutedQty  float64 `json:"executedQty,string"`
	StopPrice    float64 `json:"stopPrice,string"`
	Side         string  `json:"side"`
	PositionSide string  `json:"positionSide"`
	Type         string  `json:"type"`
	ReduceOnly   bool    `json:"reduceOnly"`
	Time         int64   `json:"time"`
	UpdateTime   int64   `json:"updateTime"`
}

// ==================== ALGO ORDERS ====================

// AlgoOrderParams are the parameters for POST /fapi/v1/algoOrder (conditional
// orders: STOP_MARKET, TAKE_PROFIT_MARKET and friends).
type AlgoOrderParams struct {
	Symbol       string
	Side         OrderSide
	Type         OrderType
	TriggerPrice float64
	Quantity     float64
	Price        float64
	PositionSide PositionSide
	WorkingType  WorkingType
	GoodTillDate int64
	ReduceOnly   bool
}

// AlgoOrderResponse is the acknowledgement for an algo order placement.
type AlgoOrderResponse struct {
	AlgoId       int64  `json:"algoId"`
	Symbol       string `json:"symbol"`
	Success      bool   `json:"success"`
	Code         int    `json:"code"`
	Msg          string `json:"msg"`
	ClientAlgoId string `json:"clientAlgoId"`
}

// AlgoOrder is a conditional order as returned by /openAlgoOrders.
type AlgoOrder struct {
	AlgoId       int64   `json:"algoId"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	PositionSide string  `json:"positionSide"`
	Quantity     float64 `json:"quantity,string"`
	TriggerPrice float64 `json:"triggerPrice,string"`
	Price        float64 `json:"price,string"`
	OrderType    string  `json:"orderType"`
	AlgoStatus   string  `json:"algoStatus"`
	BookTime     int64   `json:"bookTime"`
	UpdateTime   int64   `json:"updateTime"`
}

// ==================== ACCOUNT ====================

// AccountAsset is one asset entry of the account snapshot.
type AccountAsset struct {
	Asset            string  `json:"asset"`
	WalletBalance    float64 `json:"walletBalance,string"`
	UnrealizedProfit float64 `json:"unrealizedProfit,string"`
	MarginBalance    float64 `json:"marginBalance,string"`
	AvailableBalance float64 `json:"availableBalance,string"`
}

// AccountInfo is the response of GET /fapi/v3/account.
type AccountInfo struct {
	TotalWalletBalance    float64        `json:"totalWalletBalance,string"`
	TotalUnrealizedProfit float64        `json:"totalUnrealizedProfit,string"`
	TotalMarginBalance    float64        `json:"totalMarginBalance,string"`
	AvailableBalance      float64        `json:"availableBalance,string"`
	Assets                []AccountAsset `json:"assets"`
}

// PositionRisk is one entry of GET /fapi/v2/positionRisk.
type PositionRisk struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	Leverage         float64 `json:"leverage,string"`
	PositionSide     string  `json:"positionSide"`
}

// PositionModeResponse is the response of GET /fapi/v1/positionSide/dual.
type PositionModeResponse struct {
	DualSidePosition bool `json:"dualSidePosition"`
}

// LeverageResponse is the response of POST /fapi/v1/leverage.
type LeverageResponse struct {
	Symbol           string  `json:"symbol"`
	Leverage         int     `json:"leverage"`
	MaxNotionalValue float64 `json:"maxNotionalValue,string"`
}

// ==================== TRADES ====================

// UserTrade is one fill from GET /fapi/v1/userTrades.
type UserTrade struct {
	Id              int64   `json:"id"`
	OrderId         int64   `json:"orderId"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Price           float64 `json:"price,string"`
	Qty             float64 `json:"qty,string"`
	QuoteQty        float64 `json:"quoteQty,string"`
	Commission      float64 `json:"commission,string"`
	CommissionAsset string  `json:"commissionAsset"`
	RealizedPnl     float64 `json:"realizedPnl,string"`
	Maker           bool    `json:"maker"`
	Time            int64   `json:"time"`
}

// ==================== MARKET DATA ====================

// Ticker24h is one entry of GET /fapi/v1/ticker/24hr.
type Ticker24h struct {
	Symbol      string  `json:"symbol"`
	LastPrice   float64 `json:"lastPrice,string"`
	QuoteVolume float64 `json:"quoteVolume,string"`
	Volume      float64 `json:"volume,string"`
}

// MarkPrice is one entry of GET /fapi/v1/premiumIndex.
type MarkPrice struct {
	Symbol          string  `json:"symbol"`
	MarkPriceValue  float64 `json:"markPrice,string"`
	IndexPrice      float64 `json:"indexPrice,string"`
	LastFundingRate float64 `json:"lastFundingRate,string"`
	NextFundingTime int64   `json:"nextFundingTime"`
}

// OpenInterestHist is one entry of GET /futures/data/openInterestHist.
type OpenInterestHist struct {
	Symbol               string  `json:"symbol"`
	SumOpenInterest      float64 `json:"sumOpenInterest,string"`
	SumOpenInterestValue float64 `json:"sumOpenInterestValue,string"`
	Timestamp            int64   `json:"timestamp"`
}

// ==================== EXCHANGE INFO ====================

// SymbolFilter is one entry of a symbol's filter list in exchangeInfo.
type SymbolFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
	Notional   string `json:"notional"`
}

// SymbolInfo is one symbol entry of exchangeInfo.
type SymbolInfo struct {
	Symbol            string         `json:"symbol"`
	Status            string         `json:"status"`
	ContractType      string         `json:"contractType"`
	QuoteAsset        string         `json:"quoteAsset"`
	PricePrecision    int            `json:"pricePrecision"`
	QuantityPrecision int            `json:"quantityPrecision"`
	Filters           []SymbolFilter `json:"filters"`
}

// ExchangeInfo is the response of GET /fapi/v1/exchangeInfo.
type ExchangeInfo struct {
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// ListenKeyResponse is the response of POST /fapi/v1/listenKey.
type ListenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}
