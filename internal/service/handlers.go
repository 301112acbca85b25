package service

import (
	"context"

	"github.com/mmeshcher/tanglemarket-system/internal/model"
	"github.com/mmeshcher/tanglemarket-system/internal/validation"
)

type tokenTradeHandler struct{ s *Service }

// Apply ставит оплаченную торговую заявку в книгу и сразу прогоняет
// сопоставление со встречными заявками.
func (h *tokenTradeHandler) Apply(ctx context.Context, order *model.Order, amount int64, payment *model.IncomingPayment) (int64, error) {
	terms := order.Payload.TokenTrade

	placed, err := h.s.repo.PlaceTradeOrder(ctx, &model.TradeOrder{
		OwnerID: order.OwnerID,
		Asset:   terms.Asset,
		Side:    terms.Side,
		Price:   terms.Price,
		Count:   terms.Count,
	})
	if err != nil {
		return 0, err
	}

	if err := h.s.matchTradeOrder(ctx, placed); err != nil {
		return 0, err
	}

	return 0, nil
}

type nftPurchaseHandler struct{ s *Service }

// Apply передаёт NFT покупателю; уже проданный NFT — отказ бизнес-правила.
func (h *nftPurchaseHandler) Apply(ctx context.Context, order *model.Order, amount int64, payment *model.IncomingPayment) (int64, error) {
	terms := order.Payload.NftPurchase
	if err := h.s.repo.TransferNft(ctx, terms.NftID, order.OwnerID); err != nil {
		return 0, err
	}
	return 0, nil
}

type auctionBidHandler struct{ s *Service }

// Apply регистрирует ставку; прежнему лидеру ставится в очередь возврат.
func (h *auctionBidHandler) Apply(ctx context.Context, order *model.Order, amount int64, payment *model.IncomingPayment) (int64, error) {
	terms := order.Payload.AuctionBid
	err := h.s.repo.PlaceAuctionBid(ctx, terms.AuctionID, order.OwnerID, amount, payment.ConfirmedAt)
	if err != nil {
		return 0, err
	}
	return 0, nil
}

type voteCastHandler struct{ s *Service }

// Apply записывает голос с весом, вычисленным из балансов и активных стейков
// на момент подтверждения платежа.
func (h *voteCastHandler) Apply(ctx context.Context, order *model.Order, amount int64, payment *model.IncomingPayment) (int64, error) {
	terms := order.Payload.VoteCast

	if err := h.s.CastVote(ctx, order.OwnerID, terms.ProposalID, terms.Answer, payment.ConfirmedAt); err != nil {
		return 0, err
	}

	// Плата за голосование символическая, её излишек возвращать не из чего:
	// ордер принимает произвольную сумму и потребляет её целиком.
	return 0, nil
}

type stakeDepositHandler struct{ s *Service }

// Apply создаёт стейк на всю поступившую сумму.
func (h *stakeDepositHandler) Apply(ctx context.Context, order *model.Order, amount int64, payment *model.IncomingPayment) (int64, error) {
	terms := order.Payload.StakeDeposit

	now := payment.ConfirmedAt
	_, err := h.s.repo.CreateStake(ctx, &model.Stake{
		MemberID:  order.OwnerID,
		Asset:     terms.Asset,
		Amount:    amount,
		CreatedOn: now,
		ExpiresAt: now.Add(terms.LockDuration),
	})
	if err != nil {
		return 0, err
	}
	return 0, nil
}

type airdropClaimHandler struct{ s *Service }

// Apply переводит нераспределённый аирдроп участника во владение.
// Отсутствие начислений — отказ бизнес-правила, плата возвращается.
func (h *airdropClaimHandler) Apply(ctx context.Context, order *model.Order, amount int64, payment *model.IncomingPayment) (int64, error) {
	terms := order.Payload.AirdropClaim
	if _, err := h.s.repo.ClaimAirdrop(ctx, order.OwnerID, terms.Asset); err != nil {
		return 0, err
	}
	return 0, nil
}

type awardFundHandler struct{ s *Service }

// Apply наращивает финансирование награды; часть сверх целевой суммы
// возвращается владельцу.
func (h *awardFundHandler) Apply(ctx context.Context, order *model.Order, amount int64, payment *model.IncomingPayment) (int64, error) {
	terms := order.Payload.AwardFund
	applied, err := h.s.repo.FundAward(ctx, terms.AwardID, amount)
	if err != nil {
		return 0, err
	}
	return amount - applied, nil
}

type addressValidationHandler struct{ s *Service }

// Apply подтверждает владение адресом отправителя и сохраняет его как адрес
// выплат участника. Сам платёж возвращается целиком: он служил только
// доказательством владения.
func (h *addressValidationHandler) Apply(ctx context.Context, order *model.Order, amount int64, payment *model.IncomingPayment) (int64, error) {
	if !validation.IsValidAddress(payment.FromAddress) {
		return 0, ErrNoSenderAddress
	}

	if err := h.s.repo.SetMemberPayoutAddress(ctx, order.OwnerID, payment.FromAddress); err != nil {
		return 0, err
	}

	return amount, nil
}
