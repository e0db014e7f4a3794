package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/apihub-kr/apihub/pkg/domain"
)

// Category groups operations by the kind of market data they return.
type Category string

const (
	CategoryHistoricalCandle Category = "HISTORICAL_CANDLE"
	CategoryTickData         Category = "TICK_DATA"
	CategoryInvestorFlow     Category = "INVESTOR_FLOW"
	CategoryShortInterest    Category = "SHORT_INTEREST"
	CategoryProgramTrading   Category = "PROGRAM_TRADING"
	CategoryOverseas         Category = "OVERSEAS"
	CategoryOrderbook        Category = "ORDERBOOK"
)

// Shaper maps caller-level param names (symbol, time, timeframe, ...)
// into the provider's wire field names. It must not mutate its input.
type Shaper func(params map[string]any) map[string]any

// Operation is the single source of truth for one provider endpoint:
// URL path, HTTP method, and request field renaming all resolve here.
type Operation struct {
	ID          string
	Provider    domain.Provider
	Category    Category
	Description string
	Path        string
	Method      string
	// ResponseKey names the primary record list in the provider response.
	// Empty means the client probes the KIS output1/output2/output keys.
	ResponseKey string
	Shape       Shaper
}

func kisShapeCandle(params map[string]any) map[string]any {
	out := map[string]any{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         params["symbol"],
		"FID_INPUT_HOUR_1":       paramOr(params, "time", "153000"),
		"FID_PW_DATA_INCU_YN":    "Y",
	}
	return out
}

func kisShapeTick(params map[string]any) map[string]any {
	return map[string]any{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         params["symbol"],
		"FID_INPUT_HOUR_1":       paramOr(params, "time", "153000"),
	}
}

func kisShapeSymbolOnly(params map[string]any) map[string]any {
	return map[string]any{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         params["symbol"],
	}
}

func kisShapeOverseas(params map[string]any) map[string]any {
	return map[string]any{
		"FID_COND_MRKT_DIV_CODE": paramOr(params, "market", "N"),
		"FID_INPUT_ISCD":         params["symbol"],
		"FID_INPUT_DATE_1":       paramOr(params, "start", ""),
		"FID_INPUT_DATE_2":       paramOr(params, "end", ""),
		"FID_PERIOD_DIV_CODE":    paramOr(params, "period", "D"),
	}
}

func kiwoomShapeMinute(params map[string]any) map[string]any {
	return map[string]any{
		"stk_cd":       params["symbol"],
		"tic_scope":    paramOr(params, "timeframe", "1"),
		"upd_stkpc_tp": "1",
	}
}

func kiwoomShapeTick(params map[string]any) map[string]any {
	return map[string]any{
		"stk_cd":       params["symbol"],
		"tic_scope":    paramOr(params, "tick_unit", "1"),
		"upd_stkpc_tp": "1",
	}
}

func paramOr(params map[string]any, key string, def any) any {
	if v, ok := params[key]; ok && v != nil && v != "" {
		return v
	}
	return def
}

var operations = map[string]Operation{
	// KIS
	"FHKST01010100": {
		ID:          "FHKST01010100",
		Provider:    domain.ProviderKIS,
		Category:    CategoryHistoricalCandle,
		Description: "domestic minute candles by time",
		Path:        "/uapi/domestic-stock/v1/quotations/inquire-time-itemchartprice",
		Method:      "GET",
		Shape:       kisShapeCandle,
	},
	"FHKST01010300": {
		ID:          "FHKST01010300",
		Provider:    domain.ProviderKIS,
		Category:    CategoryTickData,
		Description: "domestic tick conclusions by time",
		Path:        "/uapi/domestic-stock/v1/quotations/inquire-time-itemconclusion",
		Method:      "GET",
		Shape:       kisShapeTick,
	},
	"FHKST01010400": {
		ID:          "FHKST01010400",
		Provider:    domain.ProviderKIS,
		Category:    CategoryHistoricalCandle,
		Description: "domestic current-price minute candles",
		Path:        "/uapi/domestic-stock/v1/quotations/inquire-ccnl",
		Method:      "GET",
		Shape:       kisShapeCandle,
	},
	"FHKST03010200": {
		ID:          "FHKST03010200",
		Provider:    domain.ProviderKIS,
		Category:    CategoryHistoricalCandle,
		Description: "domestic minute candles by period",
		Path:        "/uapi/domestic-stock/v1/quotations/inquire-time-itemchartprice",
		Method:      "GET",
		Shape:       kisShapeCandle,
	},
	"FHKST01010900": {
		ID:          "FHKST01010900",
		Provider:    domain.ProviderKIS,
		Category:    CategoryInvestorFlow,
		Description: "domestic investor flow by stock",
		Path:        "/uapi/domestic-stock/v1/quotations/inquire-investor",
		Method:      "GET",
		Shape:       kisShapeSymbolOnly,
	},
	"FHPST04830000": {
		ID:          "FHPST04830000",
		Provider:    domain.ProviderKIS,
		Category:    CategoryShortInterest,
		Description: "domestic daily short sale balance",
		Path:        "/uapi/domestic-stock/v1/quotations/daily-short-sale",
		Method:      "GET",
		Shape:       kisShapeSymbolOnly,
	},
	"FHPPG04650100": {
		ID:          "FHPPG04650100",
		Provider:    domain.ProviderKIS,
		Category:    CategoryProgramTrading,
		Description: "program trading by stock",
		Path:        "/uapi/domestic-stock/v1/quotations/program-trade-by-stock",
		Method:      "GET",
		Shape:       kisShapeSymbolOnly,
	},
	"FHKST01010200": {
		ID:          "FHKST01010200",
		Provider:    domain.ProviderKIS,
		Category:    CategoryOrderbook,
		Description: "domestic orderbook snapshot",
		Path:        "/uapi/domestic-stock/v1/quotations/inquire-asking-price-exp-ccn",
		Method:      "GET",
		Shape:       kisShapeSymbolOnly,
	},
	"HHDFS76950200": {
		ID:          "HHDFS76950200",
		Provider:    domain.ProviderKIS,
		Category:    CategoryOverseas,
		Description: "overseas daily candles by period",
		Path:        "/uapi/overseas-price/v1/quotations/inquire-daily-chartprice",
		Method:      "GET",
		Shape:       kisShapeOverseas,
	},

	// Kiwoom (single chart path, selected by api-id header)
	"ka10080": {
		ID:          "ka10080",
		Provider:    domain.ProviderKiwoom,
		Category:    CategoryHistoricalCandle,
		Description: "domestic minute candles",
		Path:        "/api/dostk/chart",
		Method:      "POST",
		ResponseKey: "stk_min_pole_chart_qry",
		Shape:       kiwoomShapeMinute,
	},
	"ka10079": {
		ID:          "ka10079",
		Provider:    domain.ProviderKiwoom,
		Category:    CategoryTickData,
		Description: "domestic tick chart",
		Path:        "/api/dostk/chart",
		Method:      "POST",
		ResponseKey: "stk_tic_chart_qry",
		Shape:       kiwoomShapeTick,
	},
}

// Lookup resolves an operation id. The registry is the only place in the
// system where operation identifiers are interpreted.
func Lookup(operationID string) (Operation, bool) {
	op, ok := operations[operationID]
	return op, ok
}

// Validate checks an operation id against the registry and, optionally,
// against the expected provider.
func Validate(operationID string, provider domain.Provider) error {
	op, ok := operations[operationID]
	if !ok {
		return fmt.Errorf("unknown operation_id: %s", operationID)
	}
	if provider != "" && op.Provider != provider {
		return fmt.Errorf("operation %s belongs to %s, not %s", operationID, op.Provider, provider)
	}
	return validateIDFormat(op)
}

// KIS transaction ids are uppercase alphanumerics of at least 10 chars;
// Kiwoom REST api-ids are "ka" followed by five digits.
func validateIDFormat(op Operation) error {
	switch op.Provider {
	case domain.ProviderKIS:
		if len(op.ID) < 10 || op.ID != strings.ToUpper(op.ID) {
			return fmt.Errorf("invalid KIS operation id format: %s", op.ID)
		}
	case domain.ProviderKiwoom:
		if len(op.ID) != 7 || !strings.HasPrefix(op.ID, "ka") {
			return fmt.Errorf("invalid Kiwoom operation id format: %s", op.ID)
		}
	}
	return nil
}

// List returns operations filtered by provider and/or category, sorted
// by id for stable output.
func List(provider domain.Provider, category Category) []Operation {
	out := make([]Operation, 0, len(operations))
	for _, op := range operations {
		if provider != "" && op.Provider != provider {
			continue
		}
		if category != "" && op.Category != category {
			continue
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UseCase names a semantic intent that maps onto one concrete operation.
type UseCase string

const (
	UseCaseMinuteCandleKIS    UseCase = "MINUTE_CANDLE_KIS"
	UseCaseMinuteCandleKiwoom UseCase = "MINUTE_CANDLE_KIWOOM"
	UseCaseTickDataKIS        UseCase = "TICK_DATA_KIS"
	UseCaseTickDataKiwoom     UseCase = "TICK_DATA_KIWOOM"
	UseCaseHistoricalKIS      UseCase = "HISTORICAL_CANDLE_KIS"
	UseCaseOverseasKIS        UseCase = "OVERSEAS_CANDLE_KIS"
)

var useCaseMapping = map[UseCase]string{
	UseCaseMinuteCandleKIS:    "FHKST01010400",
	UseCaseMinuteCandleKiwoom: "ka10080",
	UseCaseTickDataKIS:        "FHKST01010300",
	UseCaseTickDataKiwoom:     "ka10079",
	UseCaseHistoricalKIS:      "FHKST03010200",
	UseCaseOverseasKIS:        "HHDFS76950200",
}

// ForUseCase resolves the operation id mapped to a use case.
func ForUseCase(uc UseCase) (string, error) {
	id, ok := useCaseMapping[uc]
	if !ok {
		return "", fmt.Errorf("no operation mapped for use case: %s", uc)
	}
	return id, nil
}
