// Package api exposes the auction engine over HTTP: bid placement, listing
// and balance queries, manual finalization, and the WebSocket event feed.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/carbontc/auction-engine/internal/auction"
	"github.com/carbontc/auction-engine/internal/auth"
	"github.com/carbontc/auction-engine/internal/balance"
	"github.com/carbontc/auction-engine/internal/model"
	"github.com/carbontc/auction-engine/internal/store"
)

// Server holds the handlers' dependencies.
type Server struct {
	store     store.Store
	bids      *auction.BidHandler
	finalizer *auction.Finalizer
	balance   balance.Client
}

// NewServer creates the HTTP handlers.
func NewServer(st store.Store, bids *auction.BidHandler, fin *auction.Finalizer, bal balance.Client) *Server {
	return &Server{store: st, bids: bids, finalizer: fin, balance: bal}
}

// Routes registers the /api/v1 endpoints on r. Everything except listing
// reads requires a bearer token.
func (s *Server) Routes(r chi.Router, secret []byte, hub *Hub) {
	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}
		r.Get("/listings/{listingID}", s.GetListing)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(secret))
			r.Post("/listings/{listingID}/bids", s.PlaceBid)
			r.Post("/listings/{listingID}/finalize", s.Finalize)
			r.Get("/balance", s.GetBalance)
		})
	})
}

// --- Request/Response types ---

// PlaceBidRequest is the JSON body for POST /listings/{listingID}/bids.
type PlaceBidRequest struct {
	BidAmount decimal.Decimal `json:"bid_amount"`
}

// BidResponse is returned for an accepted bid.
type BidResponse struct {
	ListingID string          `json:"listing_id"`
	BidID     string          `json:"bid_id"`
	BidderID  string          `json:"bidder_id"`
	Amount    decimal.Decimal `json:"amount"`
	Status    model.BidStatus `json:"status"`
	BidTime   time.Time       `json:"bid_time"`
}

// FinalizeResponse reports what a finalize call did.
type FinalizeResponse struct {
	ListingID string          `json:"listing_id"`
	Outcome   auction.Outcome `json:"outcome"`
}

// BalanceResponse is the caller's cached balance.
type BalanceResponse struct {
	UserID    string          `json:"user_id"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// --- HTTP Handlers ---

// PlaceBid handles POST /api/v1/listings/{listingID}/bids
func (s *Server) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req PlaceBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.BidAmount.IsPositive() {
		writeError(w, "bid_amount must be greater than zero", http.StatusBadRequest)
		return
	}

	bid, err := s.bids.Handle(r.Context(), auction.BidCommand{
		ListingID: chi.URLParam(r, "listingID"),
		BidderID:  auth.UserID(r.Context()),
		Amount:    req.BidAmount,
	})
	if err != nil {
		writeAuctionError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, BidResponse{
		ListingID: bid.ListingID,
		BidID:     bid.ID,
		BidderID:  bid.BidderID,
		Amount:    bid.Amount,
		Status:    bid.Status,
		BidTime:   bid.BidTime,
	})
}

// GetListing handles GET /api/v1/listings/{listingID}
func (s *Server) GetListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.store.GetListing(r.Context(), chi.URLParam(r, "listingID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "listing not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("get listing", "err", err)
		writeError(w, "failed to load listing", http.StatusInternalServerError)
		return
	}
	if l.Bids == nil {
		l.Bids = []model.Bid{}
	}
	writeJSON(w, http.StatusOK, l)
}

// Finalize handles POST /api/v1/listings/{listingID}/finalize
func (s *Server) Finalize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "listingID")
	out, err := s.finalizer.Finalize(r.Context(), id)
	if err != nil {
		writeAuctionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FinalizeResponse{ListingID: id, Outcome: out})
}

// GetBalance handles GET /api/v1/balance
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	b, err := s.balance.GetBalance(r.Context(), userID)
	if errors.Is(err, balance.ErrNotLoaded) {
		// Not cached means nothing is locked here.
		writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Available: decimal.Zero, Locked: decimal.Zero})
		return
	}
	if err != nil {
		slog.Error("get balance", "user_id", userID, "err", err)
		writeError(w, "balance service unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Available: b.Available, Locked: b.Locked})
}

// --- Helpers ---

type insufficientBody struct {
	Error     string          `json:"error"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Required  decimal.Decimal `json:"required"`
}

// writeAuctionError maps the auction error taxonomy to HTTP status codes.
func writeAuctionError(w http.ResponseWriter, err error) {
	var ie *auction.InsufficientBalanceError
	switch {
	case errors.As(err, &ie):
		writeJSON(w, http.StatusPaymentRequired, insufficientBody{
			Error:     "insufficient balance",
			Available: ie.Available,
			Locked:    ie.Locked,
			Required:  ie.Required,
		})
	case errors.Is(err, auction.ErrNotFound):
		writeError(w, "listing not found", http.StatusNotFound)
	case errors.Is(err, auction.ErrUnauthorized):
		writeError(w, "authentication required", http.StatusUnauthorized)
	case errors.Is(err, auction.ErrAlreadyHighestBidder),
		errors.Is(err, auction.ErrBidTooLow),
		errors.Is(err, auction.ErrDomainRejected),
		errors.Is(err, auction.ErrNotExpired),
		errors.Is(err, auction.ErrBusy):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, auction.ErrBalanceUnavailable):
		writeError(w, "balance service unavailable", http.StatusServiceUnavailable)
	default:
		slog.Error("unexpected auction error", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
