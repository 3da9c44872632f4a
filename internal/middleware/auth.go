// Package middleware содержит HTTP middleware ядра расчётов.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
)

type contextKey string

const (
	tenantIDKey contextKey = "tenantID"
	vendorIDKey contextKey = "vendorID"
)

// AuthMiddleware проверяет подписанный bearer-токен, несущий идентификатор
// арендатора и, для вендорских клиентов, идентификатор вендора.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет заголовок Authorization и добавляет идентификаторы
// арендатора и вендора в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		tenantID, vendorID, valid := a.parseToken(token)
		if !valid {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), tenantIDKey, tenantID)
		if vendorID != nil {
			ctx = context.WithValue(ctx, vendorIDKey, *vendorID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// MintToken выпускает подписанный токен для арендатора; ненулевой vendorID
// добавляет в токен вендорскую идентичность.
func (a *AuthMiddleware) MintToken(tenantID int64, vendorID *int64) string {
	payload := strconv.FormatInt(tenantID, 10)
	if vendorID != nil {
		payload += ":" + strconv.FormatInt(*vendorID, 10)
	}
	return payload + "." + a.sign(payload)
}

func (a *AuthMiddleware) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseToken(token string) (int64, *int64, bool) {
	payload, signature, found := strings.Cut(token, ".")
	if !found {
		return 0, nil, false
	}

	if !hmac.Equal([]byte(signature), []byte(a.sign(payload))) {
		return 0, nil, false
	}

	tenantStr, vendorStr, hasVendor := strings.Cut(payload, ":")
	tenantID, err := strconv.ParseInt(tenantStr, 10, 64)
	if err != nil {
		return 0, nil, false
	}

	if !hasVendor {
		return tenantID, nil, true
	}

	vendorID, err := strconv.ParseInt(vendorStr, 10, 64)
	if err != nil {
		return 0, nil, false
	}

	return tenantID, &vendorID, true
}

// GetTenantIDFromContext извлекает идентификатор арендатора из контекста запроса.
func GetTenantIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(tenantIDKey).(int64)
	return id, ok
}

// GetVendorIDFromContext извлекает идентификатор вендора из контекста запроса.
// Для токенов без вендорской идентичности возвращает false.
func GetVendorIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(vendorIDKey).(int64)
	return id, ok
}
