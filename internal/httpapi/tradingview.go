package httpapi

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/yitech/marketfeed/internal/candle"
	"github.com/yitech/marketfeed/internal/market"
)

// tradingViewConfig is the static UDF datafeed configuration TradingView's
// charting library fetches once at startup.
var tradingViewConfig = map[string]any{
	"supported_resolutions": []string{"1", "5", "15", "60", "D"},
	"supports_time":         true,
	"supports_search":       true,
	"supports_group_request": false,
}

func (s *Server) handleTradingViewConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tradingViewConfig)
}

func (s *Server) handleTradingViewSymbolInfo(w http.ResponseWriter, r *http.Request) {
	symbol := market.NewSymbol(r.URL.Query().Get("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name":         symbol.String(),
		"ticker":       symbol.String(),
		"has_intraday": true,
		"timezone":     "America/New_York",
		"minmov":       1,
		"pricescale":   100,
	})
}

// tradingViewHistoryResponse is the UDF "getBars" shape.
type tradingViewHistoryResponse struct {
	Status string    `json:"s"`
	T      []int64   `json:"t,omitempty"`
	O      []float64 `json:"o,omitempty"`
	H      []float64 `json:"h,omitempty"`
	L      []float64 `json:"l,omitempty"`
	C      []float64 `json:"c,omitempty"`
	V      []float64 `json:"v,omitempty"`
}

func (s *Server) handleTradingViewHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := market.NewSymbol(q.Get("symbol"))
	fromTS, err := strconv.ParseInt(q.Get("from_ts"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "from_ts must be a unix timestamp")
		return
	}
	toTS, err := strconv.ParseInt(q.Get("to_ts"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "to_ts must be a unix timestamp")
		return
	}

	var entries []candle.Entry
	if s.candles != nil {
		entries, err = s.candles.GetRange(r.Context(), symbol, candle.Minute(fromTS), candle.Minute(toTS))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	if len(entries) == 0 {
		writeJSON(w, http.StatusOK, tradingViewHistoryResponse{Status: "no_data"})
		return
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Minute < entries[j].Minute })

	resp := tradingViewHistoryResponse{
		Status: "ok",
		T:      make([]int64, len(entries)),
		O:      make([]float64, len(entries)),
		H:      make([]float64, len(entries)),
		L:      make([]float64, len(entries)),
		C:      make([]float64, len(entries)),
		V:      make([]float64, len(entries)),
	}
	for i, e := range entries {
		resp.T[i] = int64(e.Minute)
		resp.O[i] = e.Candle.Open
		resp.H[i] = e.Candle.High
		resp.L[i] = e.Candle.Low
		resp.C[i] = e.Candle.Close
		resp.V[i] = e.Candle.Volume
	}
	writeJSON(w, http.StatusOK, resp)
}
