// Package model содержит доменные сущности маркетплейса tanglemarket.
package model

import "time"

// Member представляет зарегистрированного участника маркетплейса.
type Member struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// OrderStatus описывает статус платёжного ордера.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPartiallyFunded OrderStatus = "PARTIALLY_FUNDED"
	OrderStatusFulfilled       OrderStatus = "FULFILLED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusVoided          OrderStatus = "VOIDED"
)

// Terminal сообщает, завершён ли ордер и не принимает ли он новые платежи.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFulfilled || s == OrderStatusExpired || s == OrderStatusVoided
}

// OrderResponse содержит структурированный результат бизнес-обработки ордера.
type OrderResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Order описывает ожидающий оплаты запрос участника: выделенный депозитный адрес,
// ожидаемую сумму и бизнес-действие, которое выполняется после подтверждения платежа.
type Order struct {
	ID             int64
	OwnerID        int64
	DepositAddress string
	ExpectedAsset  string
	// ExpectedAmount равен nil для ордеров, принимающих произвольную сумму
	// в пределах CapAmount.
	ExpectedAmount *int64
	CapAmount      int64
	// FundedAmount — накопленная сумма для ордеров с частичным финансированием.
	FundedAmount int64
	// RefundAddress — адрес отправителя последнего применённого платежа;
	// используется как адрес возврата при закрытии ордера.
	RefundAddress string
	Payload       Payload
	Response      *OrderResponse
	Status        OrderStatus
	// Dispatched выставляется после выполнения бизнес-действия исполненного
	// ордера; не выставлен у исполненного ордера, если доставка платежа
	// оборвалась между фиксацией платежа и действием.
	Dispatched bool
	Version    int64
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Expired сообщает, истёк ли срок действия ордера на момент now.
func (o *Order) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// IncomingPayment — неизменяемая запись о подтверждённом входящем переводе.
// TxID уникален глобально и служит ключом идемпотентности.
type IncomingPayment struct {
	TxID        string
	ToAddress   string
	FromAddress string
	Amount      int64
	Asset       string
	ConfirmedAt time.Time
	Processed   bool
	// OrderID заполняется, если платёж был сопоставлен с ордером.
	OrderID *int64
	// AppliedAmount + CreditedAmount == Amount после обработки.
	AppliedAmount  int64
	CreditedAmount int64
}

// TradeSide описывает сторону торговой заявки.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// TradeOrderStatus описывает статус торговой заявки в книге.
type TradeOrderStatus string

const (
	TradeOrderStatusActive          TradeOrderStatus = "ACTIVE"
	TradeOrderStatusPartiallyFilled TradeOrderStatus = "PARTIALLY_FILLED"
	TradeOrderStatusFilled          TradeOrderStatus = "FILLED"
	TradeOrderStatusCancelled       TradeOrderStatus = "CANCELLED"
)

// Terminal сообщает, завершена ли заявка.
func (s TradeOrderStatus) Terminal() bool {
	return s == TradeOrderStatusFilled || s == TradeOrderStatusCancelled
}

// TradeOrder — заявка на покупку или продажу токена в книге заявок.
// Инвариант: FilledCount <= Count; для SELL-заявок остаток Count-FilledCount
// заблокирован в распределении владельца.
type TradeOrder struct {
	ID          int64
	OwnerID     int64
	Asset       string
	Side        TradeSide
	Price       int64
	Count       int64
	FilledCount int64
	Status      TradeOrderStatus
	Version     int64
	CreatedAt   time.Time
}

// Remaining возвращает неисполненный остаток заявки.
func (t *TradeOrder) Remaining() int64 {
	return t.Count - t.FilledCount
}

// Fill описывает одно сопоставление покупки и продажи.
type Fill struct {
	BuyOrderID  int64
	SellOrderID int64
	Asset       string
	Price       int64
	Count       int64
	ExecutedAt  time.Time
}

// Distribution — балансовая запись участника по одному активу.
// Инвариант: Owned >= LockedForSale.
type Distribution struct {
	MemberID         int64
	Asset            string
	Owned            int64
	LockedForSale    int64
	Claimed          int64
	Staked           int64
	UnclaimedAirdrop int64
	Version          int64
}

// Available возвращает количество токенов, доступное для блокировки под продажу.
func (d *Distribution) Available() int64 {
	return d.Owned - d.LockedForSale
}

// Proposal описывает голосование с окном действия и агрегированными результатами.
type Proposal struct {
	ID   int64
	Name string
	// Asset — токен, по балансам и стейкам которого считается вес голосов.
	Asset       string
	WindowStart time.Time
	WindowEnd   time.Time
	TotalWeight int64
	VotedWeight int64
}

// Vote — голос участника с вычисленным весом; повторный голос того же участника
// замещает предыдущий, а не суммируется с ним.
type Vote struct {
	ProposalID int64
	MemberID   int64
	Answer     string
	Weight     int64
	CastAt     time.Time
}

// Stake — срочная блокировка актива, дающая вес в голосованиях.
// Запись не изменяется после создания, только замещается новыми стейками.
type Stake struct {
	ID        int64
	MemberID  int64
	Asset     string
	Amount    int64
	CreatedOn time.Time
	ExpiresAt time.Time
}

// Active сообщает, действует ли стейк в момент now.
func (s *Stake) Active(now time.Time) bool {
	return !now.Before(s.CreatedOn) && now.Before(s.ExpiresAt)
}

// CreditStatus описывает состояние компенсирующего исходящего перевода.
type CreditStatus string

const (
	CreditStatusPending      CreditStatus = "PENDING"
	CreditStatusSubmitted    CreditStatus = "SUBMITTED"
	CreditStatusConfirmed    CreditStatus = "CONFIRMED"
	CreditStatusUnrefundable CreditStatus = "UNREFUNDABLE"
)

// CreditReason — причина возврата средств.
type CreditReason string

const (
	CreditReasonInvalidPayment   CreditReason = "invalid_payment"
	CreditReasonExcess           CreditReason = "excess"
	CreditReasonOrderFulfilled   CreditReason = "order_already_fulfilled"
	CreditReasonBusinessRejected CreditReason = "business_rejected"
	CreditReasonExpiredOrder     CreditReason = "expired_order"
	CreditReasonTradeSettlement  CreditReason = "trade_settlement"
	CreditReasonTradeCancelled   CreditReason = "trade_cancelled"
	CreditReasonAuctionOutbid    CreditReason = "auction_outbid"
)

// BaseAsset — базовая валюта маркетплейса, в которой оплачиваются ордера
// и рассчитываются сделки.
const BaseAsset = "IOTA"

// Credit — компенсирующий исходящий перевод для средств, которые не удалось
// применить к бизнес-результату.
type Credit struct {
	ID         int64
	MemberID   *int64
	ToAddress  string
	Amount     int64
	Asset      string
	Reason     CreditReason
	SourceTxID string
	Status     CreditStatus
	Attempts   int
	ChainTxID  *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
