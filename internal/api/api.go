// Package api exposes the ledger engine over HTTP.
package api

import (
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/commission"
	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/pricing"
	"github.com/atmx/ledger-engine/internal/store"
	"github.com/atmx/ledger-engine/internal/tournament"
	"github.com/atmx/ledger-engine/internal/trade"
)

// PriceSetter overrides simulated prices.
type PriceSetter interface {
	SetPrice(sym string, price decimal.Decimal) error
	ClearPrice(sym string) error
}

// Deps are the components the handlers call. PriceAdmin and WS are
// optional.
type Deps struct {
	Users       store.UserStore
	Ledger      *ledger.Ledger
	Trades      *trade.Engine
	Commissions *commission.Engine
	Tournaments *tournament.Engine
	Prices      pricing.Source
	PriceAdmin  PriceSetter
	WS          http.HandlerFunc
}

// Server holds the HTTP handlers.
type Server struct {
	Deps
	validate *validator.Validate
}

// New creates the handler set.
func New(d Deps) *Server {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{Deps: d, validate: v}
}

// Routes mounts every endpoint on r, typically under /api/v1.
func (s *Server) Routes(r chi.Router) {
	if s.WS != nil {
		r.Get("/ws", s.WS)
	}

	r.Route("/users", func(r chi.Router) {
		r.Post("/", s.CreateUser)
		r.Route("/{userID}", func(r chi.Router) {
			r.Get("/", s.GetUser)
			r.Patch("/", s.UpdateUser)

			r.Get("/trades/open", s.OpenTrades)
			r.Get("/trades/closed", s.ClosedTrades)
			r.Get("/trades/history", s.TradeHistory)
			r.Get("/exposure", s.Exposure)
		})
	})

	r.Route("/wallet/{userID}", func(r chi.Router) {
		r.Get("/balance", s.Balance)
		r.Post("/deposit", s.Deposit)
		r.Post("/withdraw", s.Withdraw)
		r.Get("/history", s.WalletHistory)
		r.Get("/assets", s.Assets)
	})

	r.Route("/trades", func(r chi.Router) {
		r.Get("/", s.FilterTrades)
		r.Post("/buy", s.openTrade(model.Buy))
		r.Post("/sell", s.openTrade(model.Sell))
		r.Get("/{tradeID}", s.GetTrade)
		r.Post("/{tradeID}/settle", s.SettleTrade)
	})

	r.Route("/affiliates", func(r chi.Router) {
		r.Get("/stats", s.AffiliateStats)
		r.Post("/distribute", s.Distribute)
		r.Route("/{userID}", func(r chi.Router) {
			r.Post("/", s.EnsureAffiliate)
			r.Post("/join", s.JoinAffiliate)
			r.Get("/dashboard", s.AffiliateDashboard)
			r.Get("/referrals", s.Referrals)
			r.Post("/commission", s.ManualCommission)
		})
	})

	r.Route("/tournaments", func(r chi.Router) {
		r.Get("/", s.ListTournaments)
		r.Post("/", s.CreateTournament)
		r.Get("/active", s.ActiveTournaments)
		r.Route("/{tournamentID}", func(r chi.Router) {
			r.Get("/", s.GetTournament)
			r.Post("/join", s.JoinTournament)
			r.Post("/start", s.StartTournament)
			r.Post("/results", s.RecordResult)
			r.Post("/settle", s.SettleTournament)
			r.Post("/reconcile", s.ReconcileTournament)
			r.Get("/leaderboard", s.Leaderboard)
		})
	})

	r.Get("/prices/{symbol}", s.GetPrice)
	if s.PriceAdmin != nil {
		r.Put("/prices/{symbol}", s.SetPrice)
		r.Delete("/prices/{symbol}", s.ClearPrice)
	}
}
