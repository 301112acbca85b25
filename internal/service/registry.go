package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/tanglemarket-system/internal/model"
	"github.com/mmeshcher/tanglemarket-system/internal/repository"
)

// depositAddressPrefix — префикс депозитных адресов, выделяемых системой.
const depositAddressPrefix = "tgl1"

// maxAddressAllocations ограничивает число повторных попыток выделения
// адреса при коллизии.
const maxAddressAllocations = 5

// defaultAirdropClaimFee — фиксированная плата за получение аирдропа.
const defaultAirdropClaimFee int64 = 1_000

func newDepositAddress() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate deposit address: %w", err)
	}
	return depositAddressPrefix + hex.EncodeToString(buf), nil
}

// orderTerms выводит из полезной нагрузки ожидаемый актив и сумму платежа.
// ExpectedAmount == nil означает ордер на произвольную сумму (cap == 0 — без лимита).
func orderTerms(p model.Payload) (asset string, expected *int64, cap int64, err error) {
	amount := func(v int64) *int64 { return &v }

	switch p.Tag {
	case model.TagTokenTrade:
		if p.TokenTrade.Side == model.TradeSideBuy {
			return model.BaseAsset, amount(p.TokenTrade.Price * p.TokenTrade.Count), 0, nil
		}
		// Продавец отправляет сами токены, выставляемые на продажу.
		return p.TokenTrade.Asset, amount(p.TokenTrade.Count), 0, nil
	case model.TagNftPurchase:
		return model.BaseAsset, amount(p.NftPurchase.Price), 0, nil
	case model.TagAuctionBid:
		// Сумма платежа и есть размер ставки.
		return model.BaseAsset, nil, 0, nil
	case model.TagVoteCast:
		return model.BaseAsset, nil, 0, nil
	case model.TagStakeDeposit:
		// Сумма депозита и есть размер стейка.
		return p.StakeDeposit.Asset, nil, 0, nil
	case model.TagAirdropClaim:
		return model.BaseAsset, amount(defaultAirdropClaimFee), 0, nil
	case model.TagAwardFund:
		return model.BaseAsset, amount(p.AwardFund.Target), 0, nil
	case model.TagAddressValidation:
		return model.BaseAsset, nil, 0, nil
	}
	return "", nil, 0, fmt.Errorf("unknown payload tag %q", p.Tag)
}

func intentKey(ownerID int64, p model.Payload) string {
	return fmt.Sprintf("%d:%s:%s", ownerID, p.Tag, p.TargetID())
}

// CreateOrder создаёт платёжный ордер с выделенным депозитным адресом.
// Повторный вызов с тем же намерением возвращает уже существующий
// незавершённый ордер вместо создания нового.
func (s *Service) CreateOrder(ctx context.Context, ownerID int64, payload model.Payload, ttl time.Duration) (*model.Order, error) {
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: order ttl must be positive", model.ErrInvalidPayload)
	}

	asset, expected, capAmount, err := orderTerms(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}

	key := intentKey(ownerID, payload)

	for attempt := 0; attempt < maxAddressAllocations; attempt++ {
		address, err := newDepositAddress()
		if err != nil {
			return nil, err
		}

		o := &model.Order{
			OwnerID:        ownerID,
			DepositAddress: address,
			ExpectedAsset:  asset,
			ExpectedAmount: expected,
			CapAmount:      capAmount,
			Payload:        payload,
			ExpiresAt:      time.Now().Add(ttl),
		}

		created, isNew, err := s.repo.CreateOrder(ctx, o, key)
		if err != nil {
			if errors.Is(err, repository.ErrDuplicateAddress) {
				continue
			}
			return nil, err
		}

		if isNew {
			s.logger.Info("order created",
				zap.Int64("orderId", created.ID),
				zap.String("tag", string(payload.Tag)),
				zap.String("depositAddress", created.DepositAddress))
		}
		return created, nil
	}

	return nil, fmt.Errorf("allocate deposit address: %w", repository.ErrDuplicateAddress)
}

// GetOrder возвращает ордер по идентификатору.
func (s *Service) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return s.repo.GetOrderByID(ctx, id)
}

// ExpireStaleOrders переводит просроченные ожидающие ордера в статус EXPIRED.
// Функция идемпотентна и безопасна при вызове по любому расписанию.
func (s *Service) ExpireStaleOrders(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireStaleOrders(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired stale orders", zap.Int64("count", n))
	}
	return n, nil
}

// ReconcilePartiallyFunded закрывает просроченные частично профинансированные
// ордера и ставит возврат накопленных сумм в очередь.
func (s *Service) ReconcilePartiallyFunded(ctx context.Context) (int64, error) {
	n, err := s.repo.ReconcilePartiallyFundedOrders(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("reconciled partially funded orders", zap.Int64("count", n))
	}
	return n, nil
}
