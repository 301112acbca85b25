package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// paymentEchoHandler разбирает уведомление о платеже и возвращает его txId,
// как это делает обработчик приёма платежей.
func paymentEchoHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req struct {
		TxID   string `json:"txId"`
		Amount int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"accepted": req.TxID})
}

func gzipBody(t *testing.T, body string) io.Reader {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(body)); err != nil {
		t.Fatalf("write gzip body: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip writer: %v", err)
	}
	return &buf
}

func TestGzipMiddleware(t *testing.T) {
	notification := `{"txId":"chain-tx-42","amount":500}`

	tests := []struct {
		name         string
		gzipRequest  bool
		acceptGzip   bool
		wantEncoding string
	}{
		{
			name:         "plain request, client accepts gzip",
			acceptGzip:   true,
			wantEncoding: "gzip",
		},
		{
			name:         "plain request, client without gzip",
			wantEncoding: "",
		},
		{
			name:         "compressed request body",
			gzipRequest:  true,
			acceptGzip:   true,
			wantEncoding: "gzip",
		},
		{
			name:        "compressed request, plain response",
			gzipRequest: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(notification)
			if tt.gzipRequest {
				body = gzipBody(t, notification)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/chain/payments", body)
			req.Header.Set("Content-Type", "application/json")
			if tt.gzipRequest {
				req.Header.Set("Content-Encoding", "gzip")
			}
			if tt.acceptGzip {
				req.Header.Set("Accept-Encoding", "gzip")
			}

			w := httptest.NewRecorder()
			h := GzipMiddleware(http.HandlerFunc(paymentEchoHandler))
			h.ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.wantEncoding {
				t.Fatalf("content-encoding = %q, want %q", ce, tt.wantEncoding)
			}

			reader := io.Reader(res.Body)
			if tt.wantEncoding == "gzip" {
				gr, err := gzip.NewReader(res.Body)
				if err != nil {
					t.Fatalf("new gzip reader: %v", err)
				}
				defer gr.Close()
				reader = gr
			}

			var resp struct {
				Accepted string `json:"accepted"`
			}
			if err := json.NewDecoder(reader).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Accepted != "chain-tx-42" {
				t.Fatalf("accepted = %q, want %q", resp.Accepted, "chain-tx-42")
			}
		})
	}
}

func TestGzipMiddleware_MalformedCompressedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/chain/payments",
		strings.NewReader("not a gzip stream"))
	req.Header.Set("Content-Encoding", "gzip")

	w := httptest.NewRecorder()
	h := GzipMiddleware(http.HandlerFunc(paymentEchoHandler))
	h.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}
