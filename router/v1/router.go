package v1

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/perpdata/candle-feeder/config"
	"github.com/perpdata/candle-feeder/refdata"
)

const (
	// APIPathPrefix defines the v1 API path prefix.
	APIPathPrefix = "/api/v1"

	// StatusAvailable defines the value of a healthy status response.
	StatusAvailable = "available"
)

// Router defines a router wrapper used for registering v1 API routes.
type Router struct {
	logger     zerolog.Logger
	cfg        config.Config
	gateway    Gateway
	resolver   Resolver
	collectors Collectors
	wsHandler  http.HandlerFunc
}

// New creates a new v1 Router. collectors and wsHandler are optional;
// the API process passes a fan-out handler and no collectors, the
// collector process the reverse.
func New(
	logger zerolog.Logger,
	cfg config.Config,
	gateway Gateway,
	resolver Resolver,
	collectors Collectors,
	wsHandler http.HandlerFunc,
) *Router {
	return &Router{
		logger:     logger.With().Str("module", "router").Logger(),
		cfg:        cfg,
		gateway:    gateway,
		resolver:   resolver,
		collectors: collectors,
		wsHandler:  wsHandler,
	}
}

// RegisterRoutes register v1 API routes on the provided sub-router.
func (r *Router) RegisterRoutes(rtr *mux.Router, prefix string) {
	v1Router := rtr.PathPrefix(prefix).Subrouter()

	mChain := alice.New(
		AddRequestLoggingMiddleware(r.logger),
		cors.New(cors.Options{
			AllowedOrigins: r.cfg.Server.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet},
			Debug:          r.cfg.Server.VerboseCORS,
		}).Handler,
	)

	v1Router.Handle(
		"/healthz",
		mChain.ThenFunc(r.healthzHandler()),
	).Methods(http.MethodGet)

	v1Router.Handle(
		"/metrics",
		mChain.Then(promhttp.Handler()),
	).Methods(http.MethodGet)

	v1Router.Handle(
		"/starlistings",
		mChain.ThenFunc(r.listingsHandler()),
	).Methods(http.MethodGet)

	v1Router.Handle(
		"/candles/{exchange}/{coin}/{quote}/{market_type}/{interval}",
		mChain.ThenFunc(r.candlesHandler()),
	).Methods(http.MethodGet)

	v1Router.Handle(
		"/funding/{exchange}/{coin}/{quote}/{market_type}",
		mChain.ThenFunc(r.fundingHandler()),
	).Methods(http.MethodGet)

	v1Router.Handle(
		"/open-interest/{exchange}/{coin}/{quote}/{market_type}",
		mChain.ThenFunc(r.openInterestHandler()),
	).Methods(http.MethodGet)

	if r.wsHandler != nil {
		v1Router.Handle("/ws", mChain.ThenFunc(r.wsHandler)).Methods(http.MethodGet)
	}
}

// HealthZResponse defines the response type of the healthz route.
type HealthZResponse struct {
	Status     string            `json:"status"`
	Database   string            `json:"database"`
	Collectors map[string]string `json:"collectors,omitempty"`
}

func (r *Router) healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		resp := HealthZResponse{
			Status:   StatusAvailable,
			Database: "ok",
		}
		if err := r.gateway.Ping(req.Context()); err != nil {
			r.logger.Error().Err(err).Msg("healthz database ping failed")
			resp.Status = "degraded"
			resp.Database = "unavailable"
		}
		if r.collectors != nil {
			states := r.collectors.States()
			resp.Collectors = make(map[string]string, len(states))
			for name, state := range states {
				resp.Collectors[name.String()] = state
			}
			if !r.collectors.Healthy() {
				resp.Status = "degraded"
			}
		}

		writeJSONResponse(w, http.StatusOK, resp)
	}
}

// Listing is one entry of the listings route.
type Listing struct {
	Exchange   string   `json:"exchange"`
	Coin       string   `json:"coin"`
	Quote      string   `json:"quote"`
	MarketType string   `json:"market_type"`
	Intervals  []string `json:"intervals"`
}

// ListingsResponse defines the response type of the listings route.
type ListingsResponse struct {
	Listings []Listing `json:"listings"`
}

func (r *Router) listingsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		filter := refdata.Filter{
			Exchange: exchangeParam(req.URL.Query().Get("exchange")),
			Base:     req.URL.Query().Get("coin"),
		}

		// markets in stable order, each carrying its active intervals
		markets := r.resolver.ActiveMarkets(filter)
		byMarket := make(map[int64][]string, len(markets))
		for _, series := range r.resolver.ActiveSeries(filter) {
			byMarket[series.MarketID] = append(byMarket[series.MarketID], series.Key.Interval)
		}

		resp := ListingsResponse{Listings: make([]Listing, 0, len(markets))}
		for _, market := range markets {
			resp.Listings = append(resp.Listings, Listing{
				Exchange:   string(market.Key.Exchange),
				Coin:       market.Key.Base,
				Quote:      market.Key.Quote,
				MarketType: market.Key.MarketType,
				Intervals:  byMarket[market.ID],
			})
		}

		writeJSONResponse(w, http.StatusOK, resp)
	}
}

// writeJSONResponse writes a JSON response with the given status.
func writeJSONResponse(w http.ResponseWriter, status int, resp interface{}) {
	bz, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(bz)
}
