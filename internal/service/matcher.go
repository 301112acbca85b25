package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/tanglemarket-system/internal/model"
	"github.com/mmeshcher/tanglemarket-system/internal/repository"
)

// PaymentClass — результат классификации входящего платежа.
type PaymentClass string

const (
	ClassExact            PaymentClass = "EXACT"
	ClassOver             PaymentClass = "OVER"
	ClassUnder            PaymentClass = "UNDER"
	ClassUnmatched        PaymentClass = "UNMATCHED"
	ClassExpiredOrder     PaymentClass = "ON_EXPIRED_ORDER"
	ClassAlreadyFulfilled PaymentClass = "ORDER_ALREADY_FULFILLED"
)

// maxMatchAttempts ограничивает повторные попытки применения платежа
// при конкурентных изменениях ордера.
const maxMatchAttempts = 5

// matchDecision описывает, как платёж распределяется между бизнес-результатом
// и возвратом. Всегда applied + credited == сумма платежа.
type matchDecision struct {
	class        PaymentClass
	applied      int64
	credited     int64
	creditReason model.CreditReason
	// updateOrder указывает, нужно ли условно изменить ордер.
	updateOrder bool
	newStatus   model.OrderStatus
	newFunded   int64
}

// classifyPayment решает судьбу платежа относительно ордера (nil, если адрес
// никому не принадлежит). Моментом наблюдения служит время подтверждения
// платежа сетью.
func classifyPayment(o *model.Order, p *model.IncomingPayment) matchDecision {
	if o == nil {
		return matchDecision{
			class:        ClassUnmatched,
			credited:     p.Amount,
			creditReason: model.CreditReasonInvalidPayment,
		}
	}

	if o.Status.Terminal() {
		reason := model.CreditReasonInvalidPayment
		class := ClassUnmatched
		if o.Status == model.OrderStatusFulfilled {
			reason = model.CreditReasonOrderFulfilled
			class = ClassAlreadyFulfilled
		}
		return matchDecision{class: class, credited: p.Amount, creditReason: reason}
	}

	if o.Expired(p.ConfirmedAt) {
		d := matchDecision{
			class:        ClassExpiredOrder,
			credited:     p.Amount,
			creditReason: model.CreditReasonExpiredOrder,
		}
		// Частично профинансированный ордер закрывает фоновая сверка:
		// она же возвращает накопленную сумму. Здесь возвращается только
		// опоздавший платёж.
		if o.FundedAmount == 0 {
			d.updateOrder = true
			d.newStatus = model.OrderStatusExpired
		}
		return d
	}

	if p.Asset != o.ExpectedAsset {
		return matchDecision{
			class:        ClassUnmatched,
			credited:     p.Amount,
			creditReason: model.CreditReasonInvalidPayment,
		}
	}

	// Ордер на произвольную сумму исполняется первым же платежом.
	if o.ExpectedAmount == nil {
		applied := p.Amount
		var credited int64
		if o.CapAmount > 0 && applied > o.CapAmount {
			credited = applied - o.CapAmount
			applied = o.CapAmount
		}
		return matchDecision{
			class:        ClassExact,
			applied:      applied,
			credited:     credited,
			creditReason: model.CreditReasonExcess,
			updateOrder:  true,
			newStatus:    model.OrderStatusFulfilled,
			newFunded:    o.FundedAmount + applied,
		}
	}

	remaining := *o.ExpectedAmount - o.FundedAmount

	switch {
	case p.Amount == remaining:
		return matchDecision{
			class:       ClassExact,
			applied:     p.Amount,
			updateOrder: true,
			newStatus:   model.OrderStatusFulfilled,
			newFunded:   o.FundedAmount + p.Amount,
		}
	case p.Amount > remaining:
		return matchDecision{
			class:        ClassOver,
			applied:      remaining,
			credited:     p.Amount - remaining,
			creditReason: model.CreditReasonExcess,
			updateOrder:  true,
			newStatus:    model.OrderStatusFulfilled,
			newFunded:    *o.ExpectedAmount,
		}
	default:
		if o.Payload.Tag.AllowsPartialFunding() {
			return matchDecision{
				class:       ClassUnder,
				applied:     p.Amount,
				updateOrder: true,
				newStatus:   model.OrderStatusPartiallyFunded,
				newFunded:   o.FundedAmount + p.Amount,
			}
		}
		// Одношаговый ордер: недоплата возвращается целиком.
		return matchDecision{
			class:        ClassUnder,
			credited:     p.Amount,
			creditReason: model.CreditReasonInvalidPayment,
		}
	}
}

// OnConfirmedPayment обрабатывает подтверждённый входящий перевод.
// Обработка идемпотентна: повторная доставка того же tx_id не имеет эффекта.
// Конкурирующие платежи на один ордер сериализуются через версию ордера;
// проигравший классифицируется заново и возвращается целиком.
func (s *Service) OnConfirmedPayment(ctx context.Context, p model.IncomingPayment) error {
	if p.TxID == "" {
		return errors.New("payment txId is empty")
	}
	if p.Amount <= 0 {
		return fmt.Errorf("payment %s has non-positive amount", p.TxID)
	}

	backoff := retry.WithMaxRetries(maxMatchAttempts, retry.NewConstant(50*time.Millisecond))

	var (
		dispatchOrder  *model.Order
		dispatchAmount int64
	)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		dispatchOrder = nil

		o, err := s.repo.GetOrderByDepositAddress(ctx, p.ToAddress)
		if err != nil && !errors.Is(err, repository.ErrOrderNotFound) {
			return err
		}

		d := classifyPayment(o, &p)

		out := repository.PaymentOutcome{
			Payment: model.IncomingPayment{
				TxID:           p.TxID,
				ToAddress:      p.ToAddress,
				FromAddress:    p.FromAddress,
				Amount:         p.Amount,
				Asset:          p.Asset,
				ConfirmedAt:    p.ConfirmedAt,
				AppliedAmount:  d.applied,
				CreditedAmount: d.credited,
			},
		}

		if d.updateOrder {
			out.Order = o
			out.NewOrderStatus = d.newStatus
			out.NewFundedAmount = d.newFunded
		} else if o != nil {
			out.Payment.OrderID = &o.ID
		}

		if d.credited > 0 {
			credit := &model.Credit{
				ToAddress:  p.FromAddress,
				Amount:     d.credited,
				Asset:      p.Asset,
				Reason:     d.creditReason,
				SourceTxID: p.TxID,
			}
			if o != nil {
				credit.MemberID = &o.OwnerID
			}
			out.Credit = credit
		}

		err = s.repo.ApplyPaymentOutcome(ctx, out)
		if errors.Is(err, repository.ErrConflict) {
			// Ордер изменился параллельным платежом — классифицируем заново.
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}

		s.logger.Info("payment processed",
			zap.String("txId", p.TxID),
			zap.String("class", string(d.class)),
			zap.Int64("applied", d.applied),
			zap.Int64("credited", d.credited))

		if d.updateOrder && d.newStatus == model.OrderStatusFulfilled {
			dispatchOrder = o
			dispatchAmount = d.newFunded
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrPaymentProcessed) {
			// Повторная доставка: эффект платежа уже зафиксирован, но
			// бизнес-действие могло не выполниться, если предыдущая
			// доставка оборвалась после фиксации.
			s.logger.Debug("duplicate payment delivery", zap.String("txId", p.TxID))
			return s.redispatchOnRedelivery(ctx, p.TxID)
		}
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("payment %s: contention not resolved: %w", p.TxID, err)
		}
		return err
	}

	if dispatchOrder != nil {
		if err := s.dispatch(ctx, dispatchOrder, dispatchAmount, &p); err != nil {
			return err
		}
		return s.repo.MarkOrderDispatched(ctx, dispatchOrder.ID)
	}
	return nil
}

// redispatchOnRedelivery повторяет бизнес-действие исполненного, но не
// диспетчеризованного ордера. Такое состояние остаётся после сбоя между
// фиксацией платежа и выполнением действия; шлюз в этом случае получает
// ошибку и доставляет платёж повторно.
func (s *Service) redispatchOnRedelivery(ctx context.Context, txID string) error {
	p, err := s.repo.GetPayment(ctx, txID)
	if err != nil {
		return err
	}
	if p.OrderID == nil || p.AppliedAmount == 0 {
		return nil
	}

	o, err := s.repo.GetOrderByID(ctx, *p.OrderID)
	if err != nil {
		return err
	}
	if o.Status != model.OrderStatusFulfilled || o.Dispatched {
		return nil
	}

	s.logger.Warn("re-running business action after interrupted dispatch",
		zap.String("txId", txID),
		zap.Int64("orderId", o.ID))
	if err := s.dispatch(ctx, o, o.FundedAmount, p); err != nil {
		return err
	}
	return s.repo.MarkOrderDispatched(ctx, o.ID)
}
