package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/tanglemarket-system/internal/model"
	"github.com/mmeshcher/tanglemarket-system/internal/repository"
)

// ErrVoteWindowClosed возвращается при голосовании вне окна голосования.
var ErrVoteWindowClosed = errors.New("voting window is closed")

// ErrNoSenderAddress возвращается, когда бизнес-действию нужен адрес
// отправителя, а сеть его не сообщила.
var ErrNoSenderAddress = errors.New("payment carries no sender address")

// OrderHandler выполняет бизнес-действие исполненного ордера.
// leftover — часть суммы, не потреблённая действием; диспетчер возвращает
// её владельцу компенсирующим переводом.
type OrderHandler interface {
	Apply(ctx context.Context, order *model.Order, amount int64, payment *model.IncomingPayment) (leftover int64, err error)
}

// Dispatcher сопоставляет тег полезной нагрузки ордера с обработчиком.
// Каждый ордер диспетчеризуется ровно один раз — при переходе в FULFILLED.
type Dispatcher struct {
	handlers map[model.PayloadTag]OrderHandler
}

// NewDispatcher создаёт диспетчер со всеми зарегистрированными обработчиками.
func NewDispatcher(s *Service) *Dispatcher {
	return &Dispatcher{
		handlers: map[model.PayloadTag]OrderHandler{
			model.TagTokenTrade:        &tokenTradeHandler{s},
			model.TagNftPurchase:       &nftPurchaseHandler{s},
			model.TagAuctionBid:        &auctionBidHandler{s},
			model.TagVoteCast:          &voteCastHandler{s},
			model.TagStakeDeposit:      &stakeDepositHandler{s},
			model.TagAirdropClaim:      &airdropClaimHandler{s},
			model.TagAwardFund:         &awardFundHandler{s},
			model.TagAddressValidation: &addressValidationHandler{s},
		},
	}
}

// isBusinessRejection отличает нарушение бизнес-правила от инфраструктурного
// сбоя. Отклонённый платёж считается потреблённым и возвращается, инцидентом
// он не является.
func isBusinessRejection(err error) bool {
	return errors.Is(err, repository.ErrNftUnavailable) ||
		errors.Is(err, repository.ErrBidTooLow) ||
		errors.Is(err, repository.ErrAuctionClosed) ||
		errors.Is(err, repository.ErrInsufficientBalance) ||
		errors.Is(err, repository.ErrNothingToClaim) ||
		errors.Is(err, repository.ErrAwardFunded) ||
		errors.Is(err, repository.ErrAwardNotFound) ||
		errors.Is(err, repository.ErrProposalNotFound) ||
		errors.Is(err, ErrVoteWindowClosed) ||
		errors.Is(err, ErrNoSenderAddress)
}

// dispatch выполняет бизнес-действие исполненного ордера.
// Отказ бизнес-правила не является отказом платежа: сумма возвращается
// владельцу, ордер остаётся исполненным с зафиксированной причиной.
func (s *Service) dispatch(ctx context.Context, order *model.Order, amount int64, payment *model.IncomingPayment) error {
	handler, ok := s.dispatcher.handlers[order.Payload.Tag]
	if !ok {
		// Ошибка конфигурации: неизвестный тег. Средства не теряются.
		s.logger.Error("no handler for payload tag",
			zap.String("tag", string(order.Payload.Tag)),
			zap.Int64("orderId", order.ID))
		return s.refundFulfilled(ctx, order, amount, payment, model.OrderResponse{
			Code:    "unknown_payload",
			Message: fmt.Sprintf("no handler registered for tag %s", order.Payload.Tag),
		})
	}

	leftover, err := handler.Apply(ctx, order, amount, payment)
	if err != nil {
		if isBusinessRejection(err) {
			s.logger.Info("business action rejected",
				zap.Int64("orderId", order.ID),
				zap.String("tag", string(order.Payload.Tag)),
				zap.Error(err))
			return s.refundFulfilled(ctx, order, amount, payment, model.OrderResponse{
				Code:    "rejected",
				Message: err.Error(),
			})
		}
		return fmt.Errorf("dispatch order %d: %w", order.ID, err)
	}

	if leftover > 0 {
		if err := s.refundLeftover(ctx, order, leftover, payment); err != nil {
			return err
		}
	}

	return nil
}

// refundFulfilled возвращает всю применённую сумму исполненного ордера
// и фиксирует бизнес-результат в ордере.
func (s *Service) refundFulfilled(ctx context.Context, order *model.Order, amount int64, payment *model.IncomingPayment, resp model.OrderResponse) error {
	if err := s.repo.SetOrderResponse(ctx, order.ID, resp); err != nil {
		return err
	}

	_, err := s.repo.EnqueueCredit(ctx, &model.Credit{
		MemberID:   &order.OwnerID,
		ToAddress:  payment.FromAddress,
		Amount:     amount,
		Asset:      order.ExpectedAsset,
		Reason:     model.CreditReasonBusinessRejected,
		SourceTxID: payment.TxID,
	})
	return err
}

// refundLeftover возвращает часть суммы, не потреблённую бизнес-действием.
func (s *Service) refundLeftover(ctx context.Context, order *model.Order, leftover int64, payment *model.IncomingPayment) error {
	_, err := s.repo.EnqueueCredit(ctx, &model.Credit{
		MemberID:   &order.OwnerID,
		ToAddress:  payment.FromAddress,
		Amount:     leftover,
		Asset:      order.ExpectedAsset,
		Reason:     model.CreditReasonExcess,
		SourceTxID: payment.TxID,
	})
	return err
}
