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

// walletOpEcho разбирает тело операции над кошельком и возвращает его
// обратно в JSON, чтобы проверить оба направления сжатия.
func walletOpEcho(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var op struct {
		Operation   string `json:"operation"`
		AmountCents int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(op)
}

func gzipBody(t *testing.T, payload string) io.Reader {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(payload)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func TestGzipMiddleware(t *testing.T) {
	const opBody = `{"operation":"CREDIT","amount":2450}`

	tests := []struct {
		name           string
		acceptEncoding string
		compressedReq  bool
		wantEncoding   string
	}{
		{
			name:           "compresses response for gzip-aware client",
			acceptEncoding: "gzip",
			wantEncoding:   "gzip",
		},
		{
			name:           "plain response without accept-encoding",
			acceptEncoding: "",
			wantEncoding:   "",
		},
		{
			name:           "decompresses request body",
			acceptEncoding: "",
			compressedReq:  true,
			wantEncoding:   "",
		},
		{
			name:           "both directions compressed",
			acceptEncoding: "gzip, deflate",
			compressedReq:  true,
			wantEncoding:   "gzip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = strings.NewReader(opBody)
			if tt.compressedReq {
				body = gzipBody(t, opBody)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/wallets/1/operations", body)
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept-Encoding", tt.acceptEncoding)
			if tt.compressedReq {
				req.Header.Set("Content-Encoding", "gzip")
			}

			w := httptest.NewRecorder()
			GzipMiddleware(http.HandlerFunc(walletOpEcho)).ServeHTTP(w, req)

			res := w.Result()
			defer res.Body.Close()

			if res.StatusCode != http.StatusOK {
				t.Fatalf("status: got %d want %d", res.StatusCode, http.StatusOK)
			}
			if ce := res.Header.Get("Content-Encoding"); ce != tt.wantEncoding {
				t.Fatalf("content-encoding: got %q want %q", ce, tt.wantEncoding)
			}
			if ct := res.Header.Get("Content-Type"); ct != "application/json" {
				t.Fatalf("content-type: got %q want application/json", ct)
			}

			reader := res.Body
			if tt.wantEncoding == "gzip" {
				gr, err := gzip.NewReader(res.Body)
				if err != nil {
					t.Fatalf("new gzip reader: %v", err)
				}
				defer gr.Close()
				reader = gr
			}

			var op struct {
				Operation   string `json:"operation"`
				AmountCents int64  `json:"amount"`
			}
			if err := json.NewDecoder(reader).Decode(&op); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if op.Operation != "CREDIT" || op.AmountCents != 2450 {
				t.Fatalf("echoed operation: got %+v", op)
			}
		})
	}
}

func TestGzipMiddlewareCorruptRequestBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/pos/sales", strings.NewReader("not a gzip stream"))
	req.Header.Set("Content-Encoding", "gzip")

	w := httptest.NewRecorder()
	handlerCalled := false
	GzipMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		handlerCalled = true
	})).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusBadRequest)
	}
	if handlerCalled {
		t.Fatal("handler must not run on a corrupt request body")
	}
}
