package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSubmitTransfer_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/transfers" {
			t.Fatalf("path = %s, want /api/transfers", r.URL.Path)
		}

		var req TransferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ToAddress != "tgl1dest" || req.Amount != 100 {
			t.Fatalf("unexpected request: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(transferResponse{TxID: "chain-tx-1"}); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	txID, err := client.SubmitTransfer(ctx, TransferRequest{
		ToAddress: "tgl1dest",
		Amount:    100,
		Asset:     "IOTA",
	})
	if err != nil {
		t.Fatalf("SubmitTransfer error: %v", err)
	}
	if txID != "chain-tx-1" {
		t.Fatalf("txID = %s, want chain-tx-1", txID)
	}
}

func TestSubmitTransfer_Rejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.SubmitTransfer(ctx, TransferRequest{ToAddress: "tgl1dest", Amount: 1, Asset: "IOTA"})
	if !errors.Is(err, ErrTransferRejected) {
		t.Fatalf("expected ErrTransferRejected, got %v", err)
	}
}

func TestGetTransferStatus_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/transfers/chain-tx-1" {
			t.Fatalf("path = %s, want /api/transfers/chain-tx-1", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statusResponse{TxID: "chain-tx-1", Status: TransferStatusConfirmed}); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	status, err := client.GetTransferStatus(ctx, "chain-tx-1")
	if err != nil {
		t.Fatalf("GetTransferStatus error: %v", err)
	}
	if status != TransferStatusConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", status)
	}
}

func TestGetTransferStatus_UnknownTxIsFailed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	status, err := client.GetTransferStatus(ctx, "missing")
	if err != nil {
		t.Fatalf("GetTransferStatus error: %v", err)
	}
	if status != TransferStatusFailed {
		t.Fatalf("status = %s, want FAILED for unknown tx", status)
	}
}
