package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mmeshcher/tanglemarket-system/internal/model"
)

func int64ptr(v int64) *int64 { return &v }

func TestClassifyPayment(t *testing.T) {
	now := time.Now()
	expires := now.Add(time.Hour)

	nftOrder := &model.Order{
		ID: 1, OwnerID: 1,
		ExpectedAsset:  model.BaseAsset,
		ExpectedAmount: int64ptr(100),
		Payload:        model.Payload{Tag: model.TagNftPurchase, NftPurchase: &model.NftPurchaseTerms{NftID: "n", Price: 100}},
		Status:         model.OrderStatusPending,
		ExpiresAt:      expires,
	}
	awardOrder := &model.Order{
		ID: 2, OwnerID: 1,
		ExpectedAsset:  model.BaseAsset,
		ExpectedAmount: int64ptr(100),
		FundedAmount:   30,
		Payload:        model.Payload{Tag: model.TagAwardFund, AwardFund: &model.AwardFundTerms{AwardID: "a", Target: 100}},
		Status:         model.OrderStatusPartiallyFunded,
		ExpiresAt:      expires,
	}
	fulfilledOrder := &model.Order{
		ID: 3, OwnerID: 1,
		ExpectedAsset:  model.BaseAsset,
		ExpectedAmount: int64ptr(100),
		Status:         model.OrderStatusFulfilled,
		ExpiresAt:      expires,
	}
	anyAmountOrder := &model.Order{
		ID: 4, OwnerID: 1,
		ExpectedAsset: model.BaseAsset,
		Payload:       model.Payload{Tag: model.TagAuctionBid, AuctionBid: &model.AuctionBidTerms{AuctionID: "au"}},
		Status:        model.OrderStatusPending,
		ExpiresAt:     expires,
	}

	tests := []struct {
		name         string
		order        *model.Order
		payment      model.IncomingPayment
		class        PaymentClass
		applied      int64
		credited     int64
		creditReason model.CreditReason
		newStatus    model.OrderStatus
	}{
		{
			name:         "unmatched address",
			order:        nil,
			payment:      model.IncomingPayment{Amount: 50, Asset: model.BaseAsset, ConfirmedAt: now},
			class:        ClassUnmatched,
			credited:     50,
			creditReason: model.CreditReasonInvalidPayment,
		},
		{
			name:      "exact payment fulfills",
			order:     nftOrder,
			payment:   model.IncomingPayment{Amount: 100, Asset: model.BaseAsset, ConfirmedAt: now},
			class:     ClassExact,
			applied:   100,
			newStatus: model.OrderStatusFulfilled,
		},
		{
			name:         "overpayment fulfills and refunds excess",
			order:        nftOrder,
			payment:      model.IncomingPayment{Amount: 130, Asset: model.BaseAsset, ConfirmedAt: now},
			class:        ClassOver,
			applied:      100,
			credited:     30,
			creditReason: model.CreditReasonExcess,
			newStatus:    model.OrderStatusFulfilled,
		},
		{
			name:         "underpayment on one-shot order refunded whole",
			order:        nftOrder,
			payment:      model.IncomingPayment{Amount: 60, Asset: model.BaseAsset, ConfirmedAt: now},
			class:        ClassUnder,
			credited:     60,
			creditReason: model.CreditReasonInvalidPayment,
		},
		{
			name:      "underpayment accumulates on partial-funding order",
			order:     awardOrder,
			payment:   model.IncomingPayment{Amount: 40, Asset: model.BaseAsset, ConfirmedAt: now},
			class:     ClassUnder,
			applied:   40,
			newStatus: model.OrderStatusPartiallyFunded,
		},
		{
			name:      "remainder completes partial-funding order",
			order:     awardOrder,
			payment:   model.IncomingPayment{Amount: 70, Asset: model.BaseAsset, ConfirmedAt: now},
			class:     ClassExact,
			applied:   70,
			newStatus: model.OrderStatusFulfilled,
		},
		{
			name:         "payment to fulfilled order refunded",
			order:        fulfilledOrder,
			payment:      model.IncomingPayment{Amount: 100, Asset: model.BaseAsset, ConfirmedAt: now},
			class:        ClassAlreadyFulfilled,
			credited:     100,
			creditReason: model.CreditReasonOrderFulfilled,
		},
		{
			name:         "payment after expiry refunded",
			order:        nftOrder,
			payment:      model.IncomingPayment{Amount: 100, Asset: model.BaseAsset, ConfirmedAt: now.Add(2 * time.Hour)},
			class:        ClassExpiredOrder,
			credited:     100,
			creditReason: model.CreditReasonExpiredOrder,
			newStatus:    model.OrderStatusExpired,
		},
		{
			name:         "late payment to partially funded order leaves it for the sweep",
			order:        awardOrder,
			payment:      model.IncomingPayment{Amount: 50, Asset: model.BaseAsset, ConfirmedAt: now.Add(2 * time.Hour)},
			class:        ClassExpiredOrder,
			credited:     50,
			creditReason: model.CreditReasonExpiredOrder,
		},
		{
			name:         "wrong asset refunded",
			order:        nftOrder,
			payment:      model.IncomingPayment{Amount: 100, Asset: "SOON", ConfirmedAt: now},
			class:        ClassUnmatched,
			credited:     100,
			creditReason: model.CreditReasonInvalidPayment,
		},
		{
			name:      "any-amount order fulfilled by first payment",
			order:     anyAmountOrder,
			payment:   model.IncomingPayment{Amount: 777, Asset: model.BaseAsset, ConfirmedAt: now},
			class:     ClassExact,
			applied:   777,
			newStatus: model.OrderStatusFulfilled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := classifyPayment(tt.order, &tt.payment)

			if d.class != tt.class {
				t.Fatalf("class = %s, want %s", d.class, tt.class)
			}
			if d.applied != tt.applied {
				t.Fatalf("applied = %d, want %d", d.applied, tt.applied)
			}
			if d.credited != tt.credited {
				t.Fatalf("credited = %d, want %d", d.credited, tt.credited)
			}
			if d.applied+d.credited != tt.payment.Amount {
				t.Fatalf("applied %d + credited %d != payment amount %d", d.applied, d.credited, tt.payment.Amount)
			}
			if tt.credited > 0 && d.creditReason != tt.creditReason {
				t.Fatalf("credit reason = %s, want %s", d.creditReason, tt.creditReason)
			}
			if tt.newStatus != "" {
				if !d.updateOrder {
					t.Fatalf("expected order update to %s", tt.newStatus)
				}
				if d.newStatus != tt.newStatus {
					t.Fatalf("new status = %s, want %s", d.newStatus, tt.newStatus)
				}
			} else if d.updateOrder {
				t.Fatalf("unexpected order update to %s", d.newStatus)
			}
		})
	}
}

func createTestOrder(t *testing.T, svc *Service, ownerID int64, payload model.Payload) *model.Order {
	t.Helper()
	order, err := svc.CreateOrder(context.Background(), ownerID, payload, time.Hour)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func TestOnConfirmedPayment_ExactPaymentDispatchesAction(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	order := createTestOrder(t, svc, 7, model.Payload{
		Tag:         model.TagNftPurchase,
		NftPurchase: &model.NftPurchaseTerms{NftID: "nft-1", CollectionID: "col", Price: 500},
	})

	err := svc.OnConfirmedPayment(ctx, model.IncomingPayment{
		TxID:        "tx-1",
		ToAddress:   order.DepositAddress,
		FromAddress: "tgl1aaaa",
		Amount:      500,
		Asset:       model.BaseAsset,
		ConfirmedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("OnConfirmedPayment: %v", err)
	}

	got, err := svc.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != model.OrderStatusFulfilled {
		t.Fatalf("order status = %s, want FULFILLED", got.Status)
	}
	if got.FundedAmount != 500 {
		t.Fatalf("funded = %d, want 500", got.FundedAmount)
	}

	if owner := repo.nftOwners["nft-1"]; owner != 7 {
		t.Fatalf("nft owner = %d, want 7", owner)
	}
	if credits := repo.creditsByReason(model.CreditReasonExcess); len(credits) != 0 {
		t.Fatalf("exact payment must not produce refunds, got %d", len(credits))
	}
}

func TestOnConfirmedPayment_DuplicateDeliveryIsNoop(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	order := createTestOrder(t, svc, 7, model.Payload{
		Tag:         model.TagNftPurchase,
		NftPurchase: &model.NftPurchaseTerms{NftID: "nft-1", Price: 500},
	})

	payment := model.IncomingPayment{
		TxID:        "tx-dup",
		ToAddress:   order.DepositAddress,
		FromAddress: "tgl1aaaa",
		Amount:      500,
		Asset:       model.BaseAsset,
		ConfirmedAt: time.Now(),
	}

	if err := svc.OnConfirmedPayment(ctx, payment); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	got, _ := svc.GetOrder(ctx, order.ID)
	versionAfterFirst := got.Version
	creditsAfterFirst := len(repo.credits)

	if err := svc.OnConfirmedPayment(ctx, payment); err != nil {
		t.Fatalf("second delivery must be a no-op, got %v", err)
	}

	got, _ = svc.GetOrder(ctx, order.ID)
	if got.Version != versionAfterFirst {
		t.Fatalf("duplicate delivery changed the order: version %d -> %d", versionAfterFirst, got.Version)
	}
	if len(repo.credits) != creditsAfterFirst {
		t.Fatalf("duplicate delivery enqueued credits: %d -> %d", creditsAfterFirst, len(repo.credits))
	}
}

func TestOnConfirmedPayment_OverpaymentRefundsExcess(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	order := createTestOrder(t, svc, 7, model.Payload{
		Tag:         model.TagNftPurchase,
		NftPurchase: &model.NftPurchaseTerms{NftID: "nft-1", Price: 500},
	})

	err := svc.OnConfirmedPayment(ctx, model.IncomingPayment{
		TxID:        "tx-over",
		ToAddress:   order.DepositAddress,
		FromAddress: "tgl1sender",
		Amount:      720,
		Asset:       model.BaseAsset,
		ConfirmedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("OnConfirmedPayment: %v", err)
	}

	p, err := repo.GetPayment(ctx, "tx-over")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if p.AppliedAmount+p.CreditedAmount != p.Amount {
		t.Fatalf("conservation violated: applied %d + credited %d != %d",
			p.AppliedAmount, p.CreditedAmount, p.Amount)
	}

	credits := repo.creditsByReason(model.CreditReasonExcess)
	if len(credits) != 1 {
		t.Fatalf("expected one excess refund, got %d", len(credits))
	}
	if credits[0].Amount != 220 {
		t.Fatalf("refund amount = %d, want 220", credits[0].Amount)
	}
	if credits[0].ToAddress != "tgl1sender" {
		t.Fatalf("refund must go to the sender, got %q", credits[0].ToAddress)
	}
}

func TestOnConfirmedPayment_UnmatchedAddressRefundsWhole(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	err := svc.OnConfirmedPayment(ctx, model.IncomingPayment{
		TxID:        "tx-stray",
		ToAddress:   "tgl1nobody",
		FromAddress: "tgl1sender",
		Amount:      333,
		Asset:       model.BaseAsset,
		ConfirmedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("OnConfirmedPayment: %v", err)
	}

	credits := repo.creditsByReason(model.CreditReasonInvalidPayment)
	if len(credits) != 1 || credits[0].Amount != 333 {
		t.Fatalf("expected full refund of 333, got %+v", credits)
	}
}

func TestOnConfirmedPayment_PartialFundingAccumulates(t *testing.T) {
	repo := newFakeRepo()
	repo.awardTargets["aw-1"] = 1000
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	order := createTestOrder(t, svc, 7, model.Payload{
		Tag:       model.TagAwardFund,
		AwardFund: &model.AwardFundTerms{AwardID: "aw-1", Target: 1000},
	})

	first := model.IncomingPayment{
		TxID: "tx-p1", ToAddress: order.DepositAddress, FromAddress: "tgl1sender",
		Amount: 400, Asset: model.BaseAsset, ConfirmedAt: time.Now(),
	}
	if err := svc.OnConfirmedPayment(ctx, first); err != nil {
		t.Fatalf("first payment: %v", err)
	}

	got, _ := svc.GetOrder(ctx, order.ID)
	if got.Status != model.OrderStatusPartiallyFunded || got.FundedAmount != 400 {
		t.Fatalf("after first payment: status %s funded %d, want PARTIALLY_FUNDED 400", got.Status, got.FundedAmount)
	}

	second := model.IncomingPayment{
		TxID: "tx-p2", ToAddress: order.DepositAddress, FromAddress: "tgl1sender",
		Amount: 600, Asset: model.BaseAsset, ConfirmedAt: time.Now(),
	}
	if err := svc.OnConfirmedPayment(ctx, second); err != nil {
		t.Fatalf("second payment: %v", err)
	}

	got, _ = svc.GetOrder(ctx, order.ID)
	if got.Status != model.OrderStatusFulfilled || got.FundedAmount != 1000 {
		t.Fatalf("after second payment: status %s funded %d, want FULFILLED 1000", got.Status, got.FundedAmount)
	}

	if funded := repo.awardFunded["aw-1"]; funded != 1000 {
		t.Fatalf("award funded = %d, want 1000", funded)
	}
}

func TestOnConfirmedPayment_ExpiredOrderRefundsAndCloses(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	order := createTestOrder(t, svc, 7, model.Payload{
		Tag:         model.TagNftPurchase,
		NftPurchase: &model.NftPurchaseTerms{NftID: "nft-1", Price: 500},
	})

	err := svc.OnConfirmedPayment(ctx, model.IncomingPayment{
		TxID:        "tx-late",
		ToAddress:   order.DepositAddress,
		FromAddress: "tgl1sender",
		Amount:      500,
		Asset:       model.BaseAsset,
		ConfirmedAt: time.Now().Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("OnConfirmedPayment: %v", err)
	}

	got, _ := svc.GetOrder(ctx, order.ID)
	if got.Status != model.OrderStatusExpired {
		t.Fatalf("order status = %s, want EXPIRED", got.Status)
	}

	credits := repo.creditsByReason(model.CreditReasonExpiredOrder)
	if len(credits) != 1 || credits[0].Amount != 500 {
		t.Fatalf("expected full refund of 500, got %+v", credits)
	}

	if repo.nftSold["nft-1"] {
		t.Fatalf("late payment must not trigger the business action")
	}
}

func TestOnConfirmedPayment_LatePaymentKeepsAccumulatedFundsRecoverable(t *testing.T) {
	repo := newFakeRepo()
	repo.awardTargets["aw-1"] = 1000
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	order := createTestOrder(t, svc, 7, model.Payload{
		Tag:       model.TagAwardFund,
		AwardFund: &model.AwardFundTerms{AwardID: "aw-1", Target: 1000},
	})

	err := svc.OnConfirmedPayment(ctx, model.IncomingPayment{
		TxID: "tx-part", ToAddress: order.DepositAddress, FromAddress: "tgl1sender",
		Amount: 400, Asset: model.BaseAsset, ConfirmedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("partial payment: %v", err)
	}

	repo.mu.Lock()
	repo.orders[order.ID].ExpiresAt = time.Now().Add(-time.Minute)
	repo.mu.Unlock()

	err = svc.OnConfirmedPayment(ctx, model.IncomingPayment{
		TxID: "tx-late", ToAddress: order.DepositAddress, FromAddress: "tgl1late",
		Amount: 200, Asset: model.BaseAsset, ConfirmedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("late payment: %v", err)
	}

	got, _ := svc.GetOrder(ctx, order.ID)
	if got.Status != model.OrderStatusPartiallyFunded || got.FundedAmount != 400 {
		t.Fatalf("late payment must not close the order: status %s funded %d, want PARTIALLY_FUNDED 400",
			got.Status, got.FundedAmount)
	}

	n, err := svc.ReconcilePartiallyFunded(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("reconciled = %d, want 1", n)
	}

	got, _ = svc.GetOrder(ctx, order.ID)
	if got.Status != model.OrderStatusExpired {
		t.Fatalf("order status = %s, want EXPIRED after reconcile", got.Status)
	}

	credits := repo.creditsByReason(model.CreditReasonExpiredOrder)
	var refunded int64
	for _, c := range credits {
		refunded += c.Amount
	}
	if len(credits) != 2 || refunded != 600 {
		t.Fatalf("received 600 must come back in full: %d credits totalling %d", len(credits), refunded)
	}
}

func TestOnConfirmedPayment_RedeliveryRecoversInterruptedDispatch(t *testing.T) {
	repo := newFakeRepo()
	repo.placeTradeFailures = 1
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	order := createTestOrder(t, svc, 7, model.Payload{
		Tag:        model.TagTokenTrade,
		TokenTrade: &model.TokenTradeTerms{Asset: "SOON", Side: model.TradeSideBuy, Price: 10, Count: 5},
	})

	payment := model.IncomingPayment{
		TxID: "tx-crash", ToAddress: order.DepositAddress, FromAddress: "tgl1sender",
		Amount: 50, Asset: model.BaseAsset, ConfirmedAt: time.Now(),
	}

	if err := svc.OnConfirmedPayment(ctx, payment); err == nil {
		t.Fatalf("expected an error while the storage is unavailable")
	}

	got, _ := svc.GetOrder(ctx, order.ID)
	if got.Status != model.OrderStatusFulfilled || got.Dispatched {
		t.Fatalf("after failure: status %s dispatched %v, want FULFILLED and not dispatched",
			got.Status, got.Dispatched)
	}

	if err := svc.OnConfirmedPayment(ctx, payment); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	trades, _ := repo.ListTradeOrdersByOwner(ctx, 7)
	if len(trades) != 1 {
		t.Fatalf("redelivery must place the paid trade order, got %d", len(trades))
	}

	got, _ = svc.GetOrder(ctx, order.ID)
	if !got.Dispatched {
		t.Fatalf("order must be marked dispatched after recovery")
	}

	if err := svc.OnConfirmedPayment(ctx, payment); err != nil {
		t.Fatalf("delivery after recovery: %v", err)
	}
	trades, _ = repo.ListTradeOrdersByOwner(ctx, 7)
	if len(trades) != 1 {
		t.Fatalf("redelivery after success must not repeat the action, got %d trade orders", len(trades))
	}
}

func TestOnConfirmedPayment_ConflictReclassifiesLoser(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	order := createTestOrder(t, svc, 7, model.Payload{
		Tag:         model.TagNftPurchase,
		NftPurchase: &model.NftPurchaseTerms{NftID: "nft-1", Price: 500},
	})

	// Конкурирующий платёж исполняет ордер между классификацией
	// и применением проигравшего.
	repo.applyHook = func() {
		err := svc.OnConfirmedPayment(ctx, model.IncomingPayment{
			TxID: "tx-win", ToAddress: order.DepositAddress, FromAddress: "tgl1a",
			Amount: 500, Asset: model.BaseAsset, ConfirmedAt: time.Now(),
		})
		if err != nil {
			t.Errorf("competing payment: %v", err)
		}
	}

	err := svc.OnConfirmedPayment(ctx, model.IncomingPayment{
		TxID: "tx-lose", ToAddress: order.DepositAddress, FromAddress: "tgl1b",
		Amount: 500, Asset: model.BaseAsset, ConfirmedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("losing payment must settle as a refund, got %v", err)
	}

	credits := repo.creditsByReason(model.CreditReasonOrderFulfilled)
	if len(credits) != 1 || credits[0].Amount != 500 || credits[0].ToAddress != "tgl1b" {
		t.Fatalf("expected the loser refunded in full to its sender, got %+v", credits)
	}
	if owner := repo.nftOwners["nft-1"]; owner != 7 {
		t.Fatalf("nft owner = %d, want a single transfer to 7", owner)
	}
}

func TestOnConfirmedPayment_ConcurrentPaymentsFulfillOnce(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	order := createTestOrder(t, svc, 7, model.Payload{
		Tag:         model.TagNftPurchase,
		NftPurchase: &model.NftPurchaseTerms{NftID: "nft-1", Price: 500},
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.OnConfirmedPayment(ctx, model.IncomingPayment{
				TxID:        fmt.Sprintf("tx-race-%d", i),
				ToAddress:   order.DepositAddress,
				FromAddress: "tgl1racer",
				Amount:      500,
				Asset:       model.BaseAsset,
				ConfirmedAt: time.Now(),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("payment %d: %v", i, err)
		}
	}

	got, _ := svc.GetOrder(ctx, order.ID)
	if got.Status != model.OrderStatusFulfilled || got.FundedAmount != 500 {
		t.Fatalf("status %s funded %d, want FULFILLED 500", got.Status, got.FundedAmount)
	}

	refunds := repo.creditsByReason(model.CreditReasonOrderFulfilled)
	if len(refunds) != 1 || refunds[0].Amount != 500 {
		t.Fatalf("exactly one payment must win and one lose, refunds: %+v", refunds)
	}
	if owner := repo.nftOwners["nft-1"]; owner != 7 {
		t.Fatalf("nft owner = %d, want 7", owner)
	}
}

func TestOnConfirmedPayment_BusinessRejectionRefunds(t *testing.T) {
	repo := newFakeRepo()
	repo.nftSold["nft-1"] = true
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	order := createTestOrder(t, svc, 7, model.Payload{
		Tag:         model.TagNftPurchase,
		NftPurchase: &model.NftPurchaseTerms{NftID: "nft-1", Price: 500},
	})

	err := svc.OnConfirmedPayment(ctx, model.IncomingPayment{
		TxID:        "tx-sold",
		ToAddress:   order.DepositAddress,
		FromAddress: "tgl1sender",
		Amount:      500,
		Asset:       model.BaseAsset,
		ConfirmedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("business rejection must not surface as an error, got %v", err)
	}

	got, _ := svc.GetOrder(ctx, order.ID)
	if got.Status != model.OrderStatusFulfilled {
		t.Fatalf("order status = %s, want FULFILLED even after rejection", got.Status)
	}
	if got.Response == nil || got.Response.Code != "rejected" {
		t.Fatalf("expected rejected response, got %+v", got.Response)
	}

	credits := repo.creditsByReason(model.CreditReasonBusinessRejected)
	if len(credits) != 1 || credits[0].Amount != 500 {
		t.Fatalf("expected full refund of 500, got %+v", credits)
	}
}

func TestOnConfirmedPayment_SecondPaymentToFulfilledOrder(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()

	order := createTestOrder(t, svc, 7, model.Payload{
		Tag:         model.TagNftPurchase,
		NftPurchase: &model.NftPurchaseTerms{NftID: "nft-1", Price: 500},
	})

	first := model.IncomingPayment{
		TxID: "tx-win", ToAddress: order.DepositAddress, FromAddress: "tgl1a",
		Amount: 500, Asset: model.BaseAsset, ConfirmedAt: time.Now(),
	}
	if err := svc.OnConfirmedPayment(ctx, first); err != nil {
		t.Fatalf("first payment: %v", err)
	}

	second := model.IncomingPayment{
		TxID: "tx-lose", ToAddress: order.DepositAddress, FromAddress: "tgl1b",
		Amount: 500, Asset: model.BaseAsset, ConfirmedAt: time.Now(),
	}
	if err := svc.OnConfirmedPayment(ctx, second); err != nil {
		t.Fatalf("second payment: %v", err)
	}

	credits := repo.creditsByReason(model.CreditReasonOrderFulfilled)
	if len(credits) != 1 || credits[0].Amount != 500 || credits[0].ToAddress != "tgl1b" {
		t.Fatalf("expected full refund of the losing payment to its sender, got %+v", credits)
	}

	if owner := repo.nftOwners["nft-1"]; owner != 7 {
		t.Fatalf("nft must be transferred exactly once, owner = %d", owner)
	}
}

func TestOnConfirmedPayment_RejectsInvalidInput(t *testing.T) {
	svc := NewService(newFakeRepo(), nil, nil)
	ctx := context.Background()

	if err := svc.OnConfirmedPayment(ctx, model.IncomingPayment{Amount: 10}); err == nil {
		t.Fatalf("expected error for empty txId")
	}
	if err := svc.OnConfirmedPayment(ctx, model.IncomingPayment{TxID: "tx", Amount: 0}); err == nil {
		t.Fatalf("expected error for non-positive amount")
	}
}
