// Package api is the REST + WebSocket front door: order submission and
// cancellation, book/balance/proof queries, and a /ws upgrade that bridges
// connections into the broadcaster.
package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/ctfexchange/clob-engine/pkg/clobtypes"
	"github.com/ctfexchange/clob-engine/pkg/engine"
	"github.com/ctfexchange/clob-engine/pkg/matching"
	"github.com/ctfexchange/clob-engine/pkg/orderservice"
)

// Server serves the HTTP surface over one engine.
type Server struct {
	log            *zap.Logger
	engine         *engine.Engine
	router         *mux.Router
	allowedOrigins []string
}

// NewServer wires the routes.
func NewServer(log *zap.Logger, eng *engine.Engine, allowedOrigins []string) *Server {
	s := &Server{
		log:            log.With(zap.String("component", "api")),
		engine:         eng,
		router:         mux.NewRouter(),
		allowedOrigins: allowedOrigins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")

	api.HandleFunc("/markets", s.handleRegisterMarket).Methods("POST")
	api.HandleFunc("/markets/{marketId}/status", s.handleSetMarketStatus).Methods("POST")

	api.HandleFunc("/books/{marketId}/{tokenId}", s.handleGetOrderbook).Methods("GET")

	api.HandleFunc("/accounts/{address}/balances/{tokenId}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/accounts/{address}/nonce", s.handleGetNonce).Methods("GET")
	api.HandleFunc("/accounts/{address}/epochs", s.handleGetUnclaimedEpochs).Methods("GET")

	api.HandleFunc("/epochs/{epochId}/proof/{address}", s.handleGetProof).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the fully wrapped http.Handler (router + CORS).
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start blocks serving on addr.
func (s *Server) Start(addr string) error {
	s.log.Info("api server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "")
		return
	}
	order, err := req.ToOrder()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	res, err := s.engine.SubmitOrder(order)
	if err != nil {
		var rej *orderservice.ErrRejected
		if errors.As(err, &rej) {
			respondError(w, http.StatusUnprocessableEntity, rej.Details, string(rej.Code))
			return
		}
		s.log.Error("submit failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error", "")
		return
	}

	trades := make([]TradeInfo, len(res.Trades))
	for i, t := range res.Trades {
		trades[i] = TradeInfo{
			ID:        t.ID,
			Maker:     clobtypes.NormalizeAddress(t.Maker),
			Taker:     clobtypes.NormalizeAddress(t.Taker),
			Amount:    t.Amount.String(),
			Price:     t.Price.String(),
			MatchType: t.MatchType.String(),
			Fee:       t.Fee.String(),
			Timestamp: t.Timestamp,
		}
	}
	respondJSON(w, SubmitOrderResponse{
		Status:    "accepted",
		OrderHash: "0x" + hex.EncodeToString(res.OrderHash[:]),
		Trades:    trades,
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "")
		return
	}
	hash, err := parseHex32("orderHash", req.OrderHash)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	maker, err := parseAddress("maker", req.Maker)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	if err := s.engine.CancelOrder(clobtypes.OrderHash(hash), maker); err != nil {
		var rej *orderservice.ErrRejected
		if errors.As(err, &rej) {
			status := http.StatusUnprocessableEntity
			if rej.Code == orderservice.ErrCodeOrderNotFound {
				status = http.StatusNotFound
			}
			respondError(w, status, rej.Details, string(rej.Code))
			return
		}
		s.log.Error("cancel failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	respondJSON(w, map[string]string{"status": "cancelled", "orderHash": req.OrderHash})
}

func (s *Server) handleRegisterMarket(w http.ResponseWriter, r *http.Request) {
	var req RegisterMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "")
		return
	}
	marketID, err := parseHex32("marketId", req.MarketID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	if req.TokenA == req.TokenB {
		respondError(w, http.StatusBadRequest, "tokenA and tokenB must differ", "")
		return
	}
	s.engine.Matching().Market.RegisterMarket(marketID, req.TokenA, req.TokenB)
	respondJSON(w, map[string]string{"status": "registered", "marketId": req.MarketID})
}

func (s *Server) handleSetMarketStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	marketID, err := parseHex32("marketId", vars["marketId"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	var req SetMarketStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "")
		return
	}
	if err := s.engine.Matching().Market.SetStatus(marketID, matching.MarketStatus(req.Status)); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, matching.ErrMarketNotFound) {
			status = http.StatusNotFound
		}
		respondError(w, status, err.Error(), "")
		return
	}
	respondJSON(w, map[string]string{"status": req.Status, "marketId": vars["marketId"]})
}

func levelsOut(levels []matching.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price.String(), Quantity: l.Quantity.String()}
	}
	return out
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	marketID, err := parseHex32("marketId", vars["marketId"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	tokenID, err := strconv.ParseUint(vars["tokenId"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "tokenId must be an unsigned integer", "")
		return
	}

	bids, asks := s.engine.Matching().Depth(marketID, tokenID)
	respondJSON(w, OrderbookSnapshot{
		MarketID:  vars["marketId"],
		TokenID:   tokenID,
		Bids:      levelsOut(bids),
		Asks:      levelsOut(asks),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["address"]) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	tokenID, err := strconv.ParseUint(vars["tokenId"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "tokenId must be an unsigned integer", "")
		return
	}
	addr := clobtypes.NormalizeAddress(common.HexToAddress(vars["address"]))
	bal := s.engine.Ledger().GetBalance(addr, tokenID)
	respondJSON(w, BalanceInfo{
		Address:   addr,
		TokenID:   tokenID,
		Available: bal.Available.String(),
		Locked:    bal.Locked.String(),
	})
}

func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["address"]) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	addr := clobtypes.NormalizeAddress(common.HexToAddress(vars["address"]))
	respondJSON(w, map[string]string{
		"address": addr,
		"nonce":   s.engine.Ledger().GetNonce(addr).String(),
	})
}

func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	epochID, err := strconv.ParseUint(vars["epochId"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "epochId must be an unsigned integer", "")
		return
	}
	if !common.IsHexAddress(vars["address"]) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	addr := common.HexToAddress(vars["address"])

	proof, ok := s.engine.Settlement().GetProof(epochID, addr)
	if !ok {
		respondError(w, http.StatusNotFound, "no proof for address in epoch", "")
		return
	}
	path := make([]string, len(proof.Path))
	for i, h := range proof.Path {
		path[i] = "0x" + hex.EncodeToString(h[:])
	}
	respondJSON(w, ProofResponse{
		EpochID: epochID,
		Address: clobtypes.NormalizeAddress(addr),
		Amount:  proof.Amount.String(),
		Path:    path,
	})
}

func (s *Server) handleGetUnclaimedEpochs(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["address"]) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	addr := common.HexToAddress(vars["address"])
	ids := s.engine.Settlement().GetUnclaimedEpochs(addr)
	if ids == nil {
		ids = []uint64{}
	}
	respondJSON(w, map[string]interface{}{
		"address": clobtypes.NormalizeAddress(addr),
		"epochs":  ids,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"status": "ok"}
	if recon := s.engine.Reconciler(); recon != nil {
		status["reconciliationHealthy"] = recon.IsHealthy()
		status["reconciliationPaused"] = recon.Paused()
		if !recon.IsHealthy() {
			status["status"] = "degraded"
		}
	}
	respondJSON(w, status)
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Code: code})
}

// parseChannel splits a subscription channel string into its parts.
func parseChannel(channel string) (kind string, parts []string) {
	parts = strings.Split(channel, ":")
	return parts[0], parts[1:]
}
