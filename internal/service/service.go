// Package service реализует бизнес-логику маркетплейса tanglemarket:
// реестр платёжных ордеров, сопоставление входящих платежей, диспетчеризацию
// бизнес-действий, книгу торговых заявок, баланс распределений и возвраты.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/tanglemarket-system/internal/chain"
	"github.com/mmeshcher/tanglemarket-system/internal/model"
	"github.com/mmeshcher/tanglemarket-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateMember(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetMemberByLogin(ctx context.Context, login string) (*model.Member, error)
	GetMemberPayoutAddress(ctx context.Context, memberID int64) (string, error)
	SetMemberPayoutAddress(ctx context.Context, memberID int64, address string) error

	CreateOrder(ctx context.Context, o *model.Order, intentKey string) (*model.Order, bool, error)
	GetOrderByID(ctx context.Context, id int64) (*model.Order, error)
	GetOrderByDepositAddress(ctx context.Context, address string) (*model.Order, error)
	GetOrdersByOwner(ctx context.Context, ownerID int64) ([]model.Order, error)
	SetOrderResponse(ctx context.Context, orderID int64, resp model.OrderResponse) error
	MarkOrderDispatched(ctx context.Context, orderID int64) error
	ExpireStaleOrders(ctx context.Context, now time.Time) (int64, error)
	ReconcilePartiallyFundedOrders(ctx context.Context, now time.Time) (int64, error)

	ApplyPaymentOutcome(ctx context.Context, out repository.PaymentOutcome) error
	GetPayment(ctx context.Context, txID string) (*model.IncomingPayment, error)

	PlaceTradeOrder(ctx context.Context, t *model.TradeOrder) (*model.TradeOrder, error)
	GetTradeOrder(ctx context.Context, id int64) (*model.TradeOrder, error)
	ListTradeOrdersByOwner(ctx context.Context, ownerID int64) ([]model.TradeOrder, error)
	ListOpenCounterOrders(ctx context.Context, taker *model.TradeOrder, limit int) ([]model.TradeOrder, error)
	ApplyFill(ctx context.Context, taker, maker *model.TradeOrder, count int64) error
	CancelTradeOrder(ctx context.Context, orderID, ownerID int64) (*model.TradeOrder, error)

	GetDistribution(ctx context.Context, memberID int64, asset string) (*model.Distribution, error)
	ListDistributionsByMember(ctx context.Context, memberID int64) ([]model.Distribution, error)
	GrantAirdrop(ctx context.Context, memberID int64, asset string, amount int64) error
	ClaimAirdrop(ctx context.Context, memberID int64, asset string) (int64, error)
	CreateStake(ctx context.Context, s *model.Stake) (*model.Stake, error)
	ListActiveStakes(ctx context.Context, memberID int64, now time.Time) ([]model.Stake, error)

	CreateProposal(ctx context.Context, p *model.Proposal) (*model.Proposal, error)
	GetProposal(ctx context.Context, id int64) (*model.Proposal, error)
	UpsertVote(ctx context.Context, v *model.Vote) error
	ListVotes(ctx context.Context, proposalID int64) ([]model.Vote, error)

	EnqueueCredit(ctx context.Context, c *model.Credit) (*model.Credit, error)
	ListCreditsForProcessing(ctx context.Context, limit int) ([]model.Credit, error)
	ListCreditsByMember(ctx context.Context, memberID int64) ([]model.Credit, error)
	MarkCreditSubmitted(ctx context.Context, id int64, chainTxID string) error
	MarkCreditFailed(ctx context.Context, id int64) error
	MarkCreditConfirmed(ctx context.Context, id int64) error
	MarkCreditUnrefundable(ctx context.Context, id int64) error
	UnlockUnrefundableCredit(ctx context.Context, id int64) error

	TransferNft(ctx context.Context, nftID string, buyerID int64) error
	PlaceAuctionBid(ctx context.Context, auctionID string, bidderID, amount int64, now time.Time) error
	FundAward(ctx context.Context, awardID string, amount int64) (int64, error)
}

// ChainClient описывает контракт шлюза сети для исходящих переводов.
type ChainClient interface {
	SubmitTransfer(ctx context.Context, req chain.TransferRequest) (string, error)
	GetTransferStatus(ctx context.Context, txID string) (chain.TransferStatus, error)
}

// Service содержит бизнес-логику маркетплейса.
type Service struct {
	repo       Repository
	chain      ChainClient
	logger     *zap.Logger
	dispatcher *Dispatcher

	sweepInterval  time.Duration
	creditInterval time.Duration
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом сети.
func NewService(repo Repository, chainClient ChainClient, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		repo:           repo,
		chain:          chainClient,
		logger:         logger,
		sweepInterval:  time.Minute,
		creditInterval: 5 * time.Second,
	}
	s.dispatcher = NewDispatcher(s)
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterMember регистрирует нового участника.
func (s *Service) RegisterMember(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	id, err := s.repo.CreateMember(ctx, login, hashed)
	if err != nil {
		if errors.Is(err, repository.ErrMemberExists) {
			return 0, repository.ErrMemberExists
		}
		return 0, err
	}
	return id, nil
}

// AuthenticateMember проверяет логин и пароль участника и возвращает его идентификатор.
func (s *Service) AuthenticateMember(ctx context.Context, login, password string) (int64, error) {
	m, err := s.repo.GetMemberByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(m.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return m.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// GetOrdersByOwner возвращает платёжные ордера участника.
func (s *Service) GetOrdersByOwner(ctx context.Context, ownerID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByOwner(ctx, ownerID)
}

// GetDistributions возвращает балансовые записи участника.
func (s *Service) GetDistributions(ctx context.Context, memberID int64) ([]model.Distribution, error) {
	return s.repo.ListDistributionsByMember(ctx, memberID)
}

// GetTradeOrdersByOwner возвращает торговые заявки участника.
func (s *Service) GetTradeOrdersByOwner(ctx context.Context, ownerID int64) ([]model.TradeOrder, error) {
	return s.repo.ListTradeOrdersByOwner(ctx, ownerID)
}

// GetCreditsByMember возвращает компенсирующие переводы участника.
func (s *Service) GetCreditsByMember(ctx context.Context, memberID int64) ([]model.Credit, error) {
	return s.repo.ListCreditsByMember(ctx, memberID)
}

// CancelTradeOrder отменяет торговую заявку по запросу владельца.
func (s *Service) CancelTradeOrder(ctx context.Context, orderID, ownerID int64) (*model.TradeOrder, error) {
	return s.repo.CancelTradeOrder(ctx, orderID, ownerID)
}

// StartBackgroundWorkers запускает фоновые процессы: периодическое закрытие
// просроченных ордеров и обработку очереди компенсирующих переводов.
func (s *Service) StartBackgroundWorkers(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.ExpireStaleOrders(ctx); err != nil {
					s.logger.Error("expire stale orders", zap.Error(err))
				}
				if _, err := s.ReconcilePartiallyFunded(ctx); err != nil {
					s.logger.Error("reconcile partially funded orders", zap.Error(err))
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(s.creditInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processCreditBatch(ctx)
			}
		}
	}()
}
