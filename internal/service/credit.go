package service

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/tanglemarket-system/internal/chain"
	"github.com/mmeshcher/tanglemarket-system/internal/model"
)

// maxCreditAttempts — предел попыток доставки компенсирующего перевода,
// после которого перевод требует ручной разблокировки.
const maxCreditAttempts = 5

// creditSubmitRetries — ретраи одной отправки при временных сбоях шлюза.
const creditSubmitRetries = 3

// processCreditBatch продвигает очередь компенсирующих переводов:
// ожидающие отправляются в сеть, отправленные опрашиваются на подтверждение.
func (s *Service) processCreditBatch(ctx context.Context) {
	if s.chain == nil {
		// Без шлюза переводы остаются в очереди до его появления.
		return
	}

	credits, err := s.repo.ListCreditsForProcessing(ctx, 100)
	if err != nil {
		s.logger.Error("list credits", zap.Error(err))
		return
	}

	for i := range credits {
		c := &credits[i]

		var err error
		switch c.Status {
		case model.CreditStatusPending:
			err = s.submitCredit(ctx, c)
		case model.CreditStatusSubmitted:
			err = s.confirmCredit(ctx, c)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			s.logger.Error("process credit", zap.Int64("creditId", c.ID), zap.Error(err))
		}
	}
}

// resolveCreditDestination возвращает адрес получателя перевода: явный адрес
// возврата либо подтверждённый адрес выплат участника.
func (s *Service) resolveCreditDestination(ctx context.Context, c *model.Credit) (string, error) {
	if c.ToAddress != "" {
		return c.ToAddress, nil
	}
	if c.MemberID == nil {
		return "", nil
	}
	return s.repo.GetMemberPayoutAddress(ctx, *c.MemberID)
}

func (s *Service) submitCredit(ctx context.Context, c *model.Credit) error {
	if c.Attempts >= maxCreditAttempts {
		s.logger.Warn("credit exhausted delivery attempts",
			zap.Int64("creditId", c.ID), zap.Int("attempts", c.Attempts))
		return s.repo.MarkCreditUnrefundable(ctx, c.ID)
	}

	dest, err := s.resolveCreditDestination(ctx, c)
	if err != nil {
		return err
	}
	if dest == "" {
		// Перевести некуда: у участника нет подтверждённого адреса выплат.
		s.logger.Warn("credit has no destination address", zap.Int64("creditId", c.ID))
		return s.repo.MarkCreditUnrefundable(ctx, c.ID)
	}

	req := chain.TransferRequest{
		ToAddress: dest,
		Amount:    c.Amount,
		Asset:     c.Asset,
		Metadata: map[string]string{
			"reason":   string(c.Reason),
			"sourceTx": c.SourceTxID,
		},
	}

	backoff := retry.WithMaxRetries(creditSubmitRetries, retry.NewFibonacci(500*time.Millisecond))

	var txID string
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		id, err := s.chain.SubmitTransfer(ctx, req)
		if err != nil {
			if errors.Is(err, chain.ErrTransferRejected) {
				return err
			}
			return retry.RetryableError(err)
		}
		txID = id
		return nil
	})
	if err != nil {
		if errors.Is(err, chain.ErrTransferRejected) {
			// Сеть окончательно отклонила перевод — повторять бессмысленно.
			s.logger.Warn("credit rejected by chain gateway", zap.Int64("creditId", c.ID))
			return s.repo.MarkCreditUnrefundable(ctx, c.ID)
		}
		if markErr := s.repo.MarkCreditFailed(ctx, c.ID); markErr != nil {
			return markErr
		}
		return err
	}

	s.logger.Info("credit submitted",
		zap.Int64("creditId", c.ID),
		zap.String("chainTxId", txID),
		zap.Int64("amount", c.Amount))
	return s.repo.MarkCreditSubmitted(ctx, c.ID, txID)
}

func (s *Service) confirmCredit(ctx context.Context, c *model.Credit) error {
	if c.ChainTxID == nil {
		return s.repo.MarkCreditFailed(ctx, c.ID)
	}

	status, err := s.chain.GetTransferStatus(ctx, *c.ChainTxID)
	if err != nil {
		return err
	}

	switch status {
	case chain.TransferStatusConfirmed:
		s.logger.Info("credit confirmed", zap.Int64("creditId", c.ID))
		return s.repo.MarkCreditConfirmed(ctx, c.ID)
	case chain.TransferStatusFailed:
		if c.Attempts >= maxCreditAttempts {
			return s.repo.MarkCreditUnrefundable(ctx, c.ID)
		}
		return s.repo.MarkCreditFailed(ctx, c.ID)
	default:
		// Ещё не подтверждён — проверим на следующем проходе.
		return nil
	}
}

// UnlockUnrefundable возвращает перевод из терминального состояния обратно
// в очередь. Административная операция.
func (s *Service) UnlockUnrefundable(ctx context.Context, creditID int64) error {
	return s.repo.UnlockUnrefundableCredit(ctx, creditID)
}
