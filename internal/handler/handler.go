// Package handler содержит HTTP-обработчики API сервиса tanglemarket.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/tanglemarket-system/internal/middleware"
	"github.com/mmeshcher/tanglemarket-system/internal/model"
	"github.com/mmeshcher/tanglemarket-system/internal/repository"
	"github.com/mmeshcher/tanglemarket-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterMember(ctx context.Context, login, password string) (int64, error)
	AuthenticateMember(ctx context.Context, login, password string) (int64, error)
	CreateOrder(ctx context.Context, ownerID int64, payload model.Payload, ttl time.Duration) (*model.Order, error)
	GetOrdersByOwner(ctx context.Context, ownerID int64) ([]model.Order, error)
	GetDistributions(ctx context.Context, memberID int64) ([]model.Distribution, error)
	GetTradeOrdersByOwner(ctx context.Context, ownerID int64) ([]model.TradeOrder, error)
	CancelTradeOrder(ctx context.Context, orderID, ownerID int64) (*model.TradeOrder, error)
	GetCreditsByMember(ctx context.Context, memberID int64) ([]model.Credit, error)
	ProposalResults(ctx context.Context, proposalID int64) (*model.Proposal, []model.Vote, error)
	OnConfirmedPayment(ctx context.Context, p model.IncomingPayment) error
	ExpireStaleOrders(ctx context.Context) (int64, error)
	ReconcilePartiallyFunded(ctx context.Context) (int64, error)
	UnlockUnrefundable(ctx context.Context, creditID int64) error
}

// Handler реализует HTTP-обработчики API сервиса tanglemarket.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового участника.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	memberID, err := h.service.RegisterMember(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrMemberExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register member error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, memberID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию участника и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	memberID, err := h.service.AuthenticateMember(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrMemberNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login member error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, memberID)
	w.WriteHeader(http.StatusOK)
}

type createOrderRequest struct {
	Payload    model.Payload `json:"payload"`
	TTLSeconds int64         `json:"ttlSeconds"`
}

type orderResponse struct {
	ID             int64                `json:"id"`
	DepositAddress string               `json:"depositAddress"`
	Asset          string               `json:"asset"`
	ExpectedAmount *int64               `json:"expectedAmount,omitempty"`
	CapAmount      int64                `json:"capAmount,omitempty"`
	FundedAmount   int64                `json:"fundedAmount,omitempty"`
	Status         string               `json:"status"`
	Response       *model.OrderResponse `json:"response,omitempty"`
	CreatedAt      string               `json:"createdAt"`
	ExpiresAt      string               `json:"expiresAt"`
}

func newOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:             o.ID,
		DepositAddress: o.DepositAddress,
		Asset:          o.ExpectedAsset,
		ExpectedAmount: o.ExpectedAmount,
		CapAmount:      o.CapAmount,
		FundedAmount:   o.FundedAmount,
		Status:         string(o.Status),
		Response:       o.Response,
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
		ExpiresAt:      o.ExpiresAt.Format(time.RFC3339),
	}
}

// CreateOrder создаёт платёжный ордер с депозитным адресом для текущего участника.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	memberID, ok := middleware.GetMemberIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second

	order, err := h.service.CreateOrder(r.Context(), memberID, req.Payload, ttl)
	if err != nil {
		if errors.Is(err, model.ErrInvalidPayload) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("create order error", zap.Error(err), zap.Int64("memberID", memberID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(newOrderResponse(order)); err != nil {
		h.logger.Error("encode order response", zap.Error(err))
	}
}

// GetOrders возвращает список платёжных ордеров текущего участника.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	memberID, ok := middleware.GetMemberIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.GetOrdersByOwner(r.Context(), memberID)
	if err != nil {
		h.logger.Error("get orders error", zap.Error(err), zap.Int64("memberID", memberID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, newOrderResponse(&orders[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type distributionResponse struct {
	Asset            string `json:"asset"`
	Owned            int64  `json:"owned"`
	LockedForSale    int64  `json:"lockedForSale"`
	Claimed          int64  `json:"claimed"`
	Staked           int64  `json:"staked"`
	UnclaimedAirdrop int64  `json:"unclaimedAirdrop"`
}

// GetBalance возвращает балансовые записи текущего участника по всем активам.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	memberID, ok := middleware.GetMemberIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	distributions, err := h.service.GetDistributions(r.Context(), memberID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("memberID", memberID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]distributionResponse, 0, len(distributions))
	for _, d := range distributions {
		resp = append(resp, distributionResponse{
			Asset:            d.Asset,
			Owned:            d.Owned,
			LockedForSale:    d.LockedForSale,
			Claimed:          d.Claimed,
			Staked:           d.Staked,
			UnclaimedAirdrop: d.UnclaimedAirdrop,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type tradeOrderResponse struct {
	ID          int64  `json:"id"`
	Asset       string `json:"asset"`
	Side        string `json:"side"`
	Price       int64  `json:"price"`
	Count       int64  `json:"count"`
	FilledCount int64  `json:"filledCount"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
}

func newTradeOrderResponse(t *model.TradeOrder) tradeOrderResponse {
	return tradeOrderResponse{
		ID:          t.ID,
		Asset:       t.Asset,
		Side:        string(t.Side),
		Price:       t.Price,
		Count:       t.Count,
		FilledCount: t.FilledCount,
		Status:      string(t.Status),
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
	}
}

// GetTradeOrders возвращает торговые заявки текущего участника.
func (h *Handler) GetTradeOrders(w http.ResponseWriter, r *http.Request) {
	memberID, ok := middleware.GetMemberIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	trades, err := h.service.GetTradeOrdersByOwner(r.Context(), memberID)
	if err != nil {
		h.logger.Error("get trade orders error", zap.Error(err), zap.Int64("memberID", memberID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(trades) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]tradeOrderResponse, 0, len(trades))
	for i := range trades {
		resp = append(resp, newTradeOrderResponse(&trades[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type cancelTradeRequest struct {
	TradeOrderID int64 `json:"tradeOrderId"`
}

// CancelTradeOrder отменяет торговую заявку текущего участника и возвращает
// заблокированный остаток.
func (h *Handler) CancelTradeOrder(w http.ResponseWriter, r *http.Request) {
	memberID, ok := middleware.GetMemberIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req cancelTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	trade, err := h.service.CancelTradeOrder(r.Context(), req.TradeOrderID, memberID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTradeOrderNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrNotOwner):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, repository.ErrAlreadyTerminal):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("cancel trade order error", zap.Error(err), zap.Int64("tradeOrderID", req.TradeOrderID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(newTradeOrderResponse(trade)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type creditResponse struct {
	ID        int64  `json:"id"`
	ToAddress string `json:"toAddress,omitempty"`
	Amount    int64  `json:"amount"`
	Asset     string `json:"asset"`
	Reason    string `json:"reason"`
	Status    string `json:"status"`
	ChainTxID string `json:"chainTxId,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// GetCredits возвращает компенсирующие переводы текущего участника.
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	memberID, ok := middleware.GetMemberIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	credits, err := h.service.GetCreditsByMember(r.Context(), memberID)
	if err != nil {
		h.logger.Error("get credits error", zap.Error(err), zap.Int64("memberID", memberID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(credits) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]creditResponse, 0, len(credits))
	for _, c := range credits {
		cr := creditResponse{
			ID:        c.ID,
			ToAddress: c.ToAddress,
			Amount:    c.Amount,
			Asset:     c.Asset,
			Reason:    string(c.Reason),
			Status:    string(c.Status),
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
		}
		if c.ChainTxID != nil {
			cr.ChainTxID = *c.ChainTxID
		}
		resp = append(resp, cr)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type proposalResultsResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Asset       string `json:"asset"`
	WindowStart string `json:"windowStart"`
	WindowEnd   string `json:"windowEnd"`
	TotalWeight int64  `json:"totalWeight"`
	VotedWeight int64  `json:"votedWeight"`
	Votes       int    `json:"votes"`
}

// GetProposalResults возвращает агрегированные результаты голосования.
func (h *Handler) GetProposalResults(w http.ResponseWriter, r *http.Request) {
	proposalID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	proposal, votes, err := h.service.ProposalResults(r.Context(), proposalID)
	if err != nil {
		if errors.Is(err, repository.ErrProposalNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("proposal results error", zap.Error(err), zap.Int64("proposalID", proposalID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := proposalResultsResponse{
		ID:          proposal.ID,
		Name:        proposal.Name,
		Asset:       proposal.Asset,
		WindowStart: proposal.WindowStart.Format(time.RFC3339),
		WindowEnd:   proposal.WindowEnd.Format(time.RFC3339),
		TotalWeight: proposal.TotalWeight,
		VotedWeight: proposal.VotedWeight,
		Votes:       len(votes),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type chainPaymentRequest struct {
	TxID        string    `json:"txId"`
	ToAddress   string    `json:"toAddress"`
	FromAddress string    `json:"fromAddress"`
	Amount      int64     `json:"amount"`
	Asset       string    `json:"asset"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// ChainPayment принимает уведомление шлюза о подтверждённом входящем платеже.
// Повторная доставка того же txId безопасна и отвечает 200.
func (h *Handler) ChainPayment(w http.ResponseWriter, r *http.Request) {
	var req chainPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.TxID == "" || req.Amount <= 0 || req.Asset == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidAddress(req.ToAddress) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	if req.ConfirmedAt.IsZero() {
		req.ConfirmedAt = time.Now()
	}

	payment := model.IncomingPayment{
		TxID:        req.TxID,
		ToAddress:   req.ToAddress,
		FromAddress: req.FromAddress,
		Amount:      req.Amount,
		Asset:       req.Asset,
		ConfirmedAt: req.ConfirmedAt,
	}

	if err := h.service.OnConfirmedPayment(r.Context(), payment); err != nil {
		h.logger.Error("process chain payment error", zap.Error(err), zap.String("txID", req.TxID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type sweepResponse struct {
	Affected int64 `json:"affected"`
}

// ExpireOrders принудительно закрывает просроченные ордера без накопленных средств.
func (h *Handler) ExpireOrders(w http.ResponseWriter, r *http.Request) {
	affected, err := h.service.ExpireStaleOrders(r.Context())
	if err != nil {
		h.logger.Error("expire orders sweep error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sweepResponse{Affected: affected}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// ReconcileOrders закрывает просроченные частично оплаченные ордера и ставит
// возвраты накопленных сумм в очередь.
func (h *Handler) ReconcileOrders(w http.ResponseWriter, r *http.Request) {
	affected, err := h.service.ReconcilePartiallyFunded(r.Context())
	if err != nil {
		h.logger.Error("reconcile orders sweep error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sweepResponse{Affected: affected}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// UnlockCredit возвращает невозвратный перевод в очередь после ручной проверки.
func (h *Handler) UnlockCredit(w http.ResponseWriter, r *http.Request) {
	creditID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.UnlockUnrefundable(r.Context(), creditID); err != nil {
		if errors.Is(err, repository.ErrCreditNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("unlock credit error", zap.Error(err), zap.Int64("creditID", creditID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}
