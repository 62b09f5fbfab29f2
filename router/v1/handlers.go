package v1

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/perpdata/candle-feeder/fanout"
	"github.com/perpdata/candle-feeder/feed/types"
)

const (
	defaultReadLimit = 1000
	maxReadLimit     = 5000
)

// ErrResponse defines an HTTP error response body.
type ErrResponse struct {
	Error string `json:"error"`
}

type (
	// CandlesResponse defines the response type of the candles route.
	CandlesResponse struct {
		Exchange   string              `json:"exchange"`
		Coin       string              `json:"coin"`
		Quote      string              `json:"quote"`
		MarketType string              `json:"market_type"`
		Interval   string              `json:"interval"`
		Rows       []fanout.CandleView `json:"rows"`
	}

	// FundingResponse defines the response type of the funding route.
	FundingResponse struct {
		Exchange   string               `json:"exchange"`
		Coin       string               `json:"coin"`
		Quote      string               `json:"quote"`
		MarketType string               `json:"market_type"`
		Rows       []fanout.FundingView `json:"rows"`
	}

	// OpenInterestResponse defines the response type of the open-interest
	// route.
	OpenInterestResponse struct {
		Exchange   string                    `json:"exchange"`
		Coin       string                    `json:"coin"`
		Quote      string                    `json:"quote"`
		MarketType string                    `json:"market_type"`
		Rows       []fanout.OpenInterestView `json:"rows"`
	}

	// readWindow is the parsed time window and row limit of a history
	// request.
	readWindow struct {
		start time.Time
		end   time.Time
		limit int
	}
)

func (r *Router) candlesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)
		key := types.SeriesKey{
			MarketKey: marketKeyFromVars(vars),
			Interval:  vars["interval"],
		}

		window, err := parseReadWindow(req)
		if err != nil {
			writeErrorResponse(w, err)
			return
		}
		seriesID, err := r.resolver.ResolveSeries(key)
		if err != nil {
			writeErrorResponse(w, err)
			return
		}

		rows, err := r.gateway.Candles(req.Context(), seriesID, window.start, window.end, window.limit)
		if err != nil {
			writeErrorResponse(w, err)
			return
		}

		views := make([]fanout.CandleView, len(rows))
		for i, row := range rows {
			views[len(rows)-1-i] = fanout.NewCandleView(row)
		}
		writeJSONResponse(w, http.StatusOK, CandlesResponse{
			Exchange:   vars["exchange"],
			Coin:       vars["coin"],
			Quote:      vars["quote"],
			MarketType: vars["market_type"],
			Interval:   vars["interval"],
			Rows:       views,
		})
	}
}

func (r *Router) fundingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)

		window, err := parseReadWindow(req)
		if err != nil {
			writeErrorResponse(w, err)
			return
		}
		marketID, err := r.resolver.ResolveMarket(marketKeyFromVars(vars))
		if err != nil {
			writeErrorResponse(w, err)
			return
		}

		rows, err := r.gateway.FundingPoints(req.Context(), marketID, window.start, window.end, window.limit)
		if err != nil {
			writeErrorResponse(w, err)
			return
		}

		views := make([]fanout.FundingView, len(rows))
		for i, row := range rows {
			views[len(rows)-1-i] = fanout.NewFundingView(row)
		}
		writeJSONResponse(w, http.StatusOK, FundingResponse{
			Exchange:   vars["exchange"],
			Coin:       vars["coin"],
			Quote:      vars["quote"],
			MarketType: vars["market_type"],
			Rows:       views,
		})
	}
}

func (r *Router) openInterestHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		vars := mux.Vars(req)

		window, err := parseReadWindow(req)
		if err != nil {
			writeErrorResponse(w, err)
			return
		}
		marketID, err := r.resolver.ResolveMarket(marketKeyFromVars(vars))
		if err != nil {
			writeErrorResponse(w, err)
			return
		}

		rows, err := r.gateway.OpenInterestPoints(req.Context(), marketID, window.start, window.end, window.limit)
		if err != nil {
			writeErrorResponse(w, err)
			return
		}

		views := make([]fanout.OpenInterestView, len(rows))
		for i, row := range rows {
			views[len(rows)-1-i] = fanout.NewOpenInterestView(row)
		}
		writeJSONResponse(w, http.StatusOK, OpenInterestResponse{
			Exchange:   vars["exchange"],
			Coin:       vars["coin"],
			Quote:      vars["quote"],
			MarketType: vars["market_type"],
			Rows:       views,
		})
	}
}

func marketKeyFromVars(vars map[string]string) types.MarketKey {
	return types.MarketKey{
		Exchange:   exchangeParam(vars["exchange"]),
		Base:       vars["coin"],
		Quote:      vars["quote"],
		MarketType: vars["market_type"],
	}
}

func exchangeParam(s string) types.ExchangeName {
	return types.ExchangeName(s)
}

// parseReadWindow parses start_time, end_time, and limit. Times accept
// RFC3339 or unix seconds; the window defaults to everything up to now.
func parseReadWindow(req *http.Request) (readWindow, error) {
	query := req.URL.Query()

	window := readWindow{
		start: time.Unix(0, 0).UTC(),
		end:   time.Now().UTC(),
		limit: defaultReadLimit,
	}

	var err error
	if s := query.Get("start_time"); s != "" {
		if window.start, err = parseTimeParam(s); err != nil {
			return readWindow{}, err
		}
	}
	if s := query.Get("end_time"); s != "" {
		if window.end, err = parseTimeParam(s); err != nil {
			return readWindow{}, err
		}
	}
	if window.end.Before(window.start) {
		return readWindow{}, fmt.Errorf("%w: end_time before start_time", types.ErrValidation)
	}

	if s := query.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 {
			return readWindow{}, fmt.Errorf("%w: limit must be a positive integer", types.ErrValidation)
		}
		if limit > maxReadLimit {
			limit = maxReadLimit
		}
		window.limit = limit
	}
	return window, nil
}

func parseTimeParam(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: time must be RFC3339 or unix seconds: %s", types.ErrValidation, s)
}

// writeErrorResponse maps resolution and validation errors onto their
// HTTP statuses and everything else onto a 500.
func writeErrorResponse(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	}
	writeJSONResponse(w, status, ErrResponse{Error: err.Error()})
}
