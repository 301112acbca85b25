package model

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrInvalidPayload возвращается при некорректной полезной нагрузке ордера.
var ErrInvalidPayload = errors.New("invalid order payload")

// PayloadTag определяет тип бизнес-действия платёжного ордера.
type PayloadTag string

const (
	TagTokenTrade        PayloadTag = "TOKEN_TRADE"
	TagNftPurchase       PayloadTag = "NFT_PURCHASE"
	TagAuctionBid        PayloadTag = "AUCTION_BID"
	TagVoteCast          PayloadTag = "VOTE_CAST"
	TagStakeDeposit      PayloadTag = "STAKE_DEPOSIT"
	TagAirdropClaim      PayloadTag = "AIRDROP_CLAIM"
	TagAwardFund         PayloadTag = "AWARD_FUND"
	TagAddressValidation PayloadTag = "ADDRESS_VALIDATION"
)

// AllowsPartialFunding сообщает, допускает ли тип ордера накопительное
// частичное финансирование. Для остальных типов недоплата возвращается целиком.
func (t PayloadTag) AllowsPartialFunding() bool {
	return t == TagAirdropClaim || t == TagAwardFund
}

// TokenTradeTerms — условия торговой заявки, оплачиваемой ордером.
type TokenTradeTerms struct {
	Asset string    `json:"asset"`
	Side  TradeSide `json:"side"`
	Price int64     `json:"price"`
	Count int64     `json:"count"`
}

// NftPurchaseTerms — условия покупки NFT.
type NftPurchaseTerms struct {
	NftID        string `json:"nftId"`
	CollectionID string `json:"collectionId"`
	Price        int64  `json:"price"`
}

// AuctionBidTerms — условия ставки на аукционе.
type AuctionBidTerms struct {
	AuctionID string `json:"auctionId"`
}

// VoteCastTerms — условия голосования.
type VoteCastTerms struct {
	ProposalID int64  `json:"proposalId"`
	Answer     string `json:"answer"`
}

// StakeDepositTerms — условия создания стейка.
type StakeDepositTerms struct {
	Asset        string        `json:"asset"`
	LockDuration time.Duration `json:"lockDuration"`
}

// AirdropClaimTerms — условия получения аирдропа.
type AirdropClaimTerms struct {
	Asset string `json:"asset"`
}

// AwardFundTerms — условия финансирования награды.
type AwardFundTerms struct {
	AwardID string `json:"awardId"`
	Target  int64  `json:"target"`
}

// AddressValidationTerms — условия подтверждения владения адресом.
type AddressValidationTerms struct {
	Network string `json:"network"`
}

// Payload — закрытое размеченное объединение бизнес-действий.
// Заполняется ровно одно поле, соответствующее Tag.
type Payload struct {
	Tag               PayloadTag              `json:"tag"`
	TokenTrade        *TokenTradeTerms        `json:"tokenTrade,omitempty"`
	NftPurchase       *NftPurchaseTerms       `json:"nftPurchase,omitempty"`
	AuctionBid        *AuctionBidTerms        `json:"auctionBid,omitempty"`
	VoteCast          *VoteCastTerms          `json:"voteCast,omitempty"`
	StakeDeposit      *StakeDepositTerms      `json:"stakeDeposit,omitempty"`
	AirdropClaim      *AirdropClaimTerms      `json:"airdropClaim,omitempty"`
	AwardFund         *AwardFundTerms         `json:"awardFund,omitempty"`
	AddressValidation *AddressValidationTerms `json:"addressValidation,omitempty"`
}

// Validate проверяет согласованность тега и заполненного варианта.
func (p Payload) Validate() error {
	var set int
	for _, ok := range []bool{
		p.TokenTrade != nil, p.NftPurchase != nil, p.AuctionBid != nil,
		p.VoteCast != nil, p.StakeDeposit != nil, p.AirdropClaim != nil,
		p.AwardFund != nil, p.AddressValidation != nil,
	} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("payload must carry exactly one variant, got %d", set)
	}

	switch p.Tag {
	case TagTokenTrade:
		if p.TokenTrade == nil {
			return fmt.Errorf("payload tag %s without terms", p.Tag)
		}
		if p.TokenTrade.Side != TradeSideBuy && p.TokenTrade.Side != TradeSideSell {
			return fmt.Errorf("unknown trade side %q", p.TokenTrade.Side)
		}
		if p.TokenTrade.Price <= 0 || p.TokenTrade.Count <= 0 {
			return fmt.Errorf("trade price and count must be positive")
		}
	case TagNftPurchase:
		if p.NftPurchase == nil {
			return fmt.Errorf("payload tag %s without terms", p.Tag)
		}
		if p.NftPurchase.Price <= 0 {
			return fmt.Errorf("nft price must be positive")
		}
	case TagAuctionBid:
		if p.AuctionBid == nil {
			return fmt.Errorf("payload tag %s without terms", p.Tag)
		}
	case TagVoteCast:
		if p.VoteCast == nil {
			return fmt.Errorf("payload tag %s without terms", p.Tag)
		}
	case TagStakeDeposit:
		if p.StakeDeposit == nil {
			return fmt.Errorf("payload tag %s without terms", p.Tag)
		}
		if p.StakeDeposit.LockDuration <= 0 {
			return fmt.Errorf("stake lock duration must be positive")
		}
	case TagAirdropClaim:
		if p.AirdropClaim == nil {
			return fmt.Errorf("payload tag %s without terms", p.Tag)
		}
	case TagAwardFund:
		if p.AwardFund == nil {
			return fmt.Errorf("payload tag %s without terms", p.Tag)
		}
		if p.AwardFund.Target <= 0 {
			return fmt.Errorf("award funding target must be positive")
		}
	case TagAddressValidation:
		if p.AddressValidation == nil {
			return fmt.Errorf("payload tag %s without terms", p.Tag)
		}
	default:
		return fmt.Errorf("unknown payload tag %q", p.Tag)
	}

	return nil
}

// TargetID возвращает идентификатор целевой сущности действия.
// Используется в ключе намерения при дедупликации создаваемых ордеров.
func (p Payload) TargetID() string {
	switch p.Tag {
	case TagTokenTrade:
		return p.TokenTrade.Asset + ":" + string(p.TokenTrade.Side)
	case TagNftPurchase:
		return p.NftPurchase.NftID
	case TagAuctionBid:
		return p.AuctionBid.AuctionID
	case TagVoteCast:
		return strconv.FormatInt(p.VoteCast.ProposalID, 10)
	case TagStakeDeposit:
		return p.StakeDeposit.Asset
	case TagAirdropClaim:
		return p.AirdropClaim.Asset
	case TagAwardFund:
		return p.AwardFund.AwardID
	case TagAddressValidation:
		return p.AddressValidation.Network
	}
	return ""
}
