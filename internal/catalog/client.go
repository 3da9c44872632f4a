// Package catalog предоставляет клиент для внешнего сервиса каталога и склада.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrNotFound возвращается, если товар или остаток отсутствуют в каталоге.
var ErrNotFound = errors.New("catalog record not found")

// ProductStatusActive — единственный статус товара, допускающий продажу.
const ProductStatusActive = "ACTIVE"

// Client инкапсулирует HTTP-взаимодействие с сервисом каталога.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Product описывает товар в ответе каталога. Цена в минорных единицах валюты.
type Product struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	PriceCents int64  `json:"price"`
}

// Inventory описывает текущий остаток товара в локации.
type Inventory struct {
	ProductID         int64 `json:"product_id"`
	LocationID        int64 `json:"location_id"`
	QuantityAvailable int32 `json:"quantity_available"`
}

// NewClient создаёт HTTP-клиент каталога с повторами временных ошибок.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("catalog client not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func (c *Client) base() string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base
}

// GetProduct возвращает актуальную запись товара из каталога арендатора.
func (c *Client) GetProduct(ctx context.Context, tenantID, productID int64) (*Product, error) {
	url := fmt.Sprintf("%s/api/tenants/%d/products/%d", c.base(), tenantID, productID)

	var p Product
	if err := c.get(ctx, url, &p); err != nil {
		return nil, err
	}

	return &p, nil
}

// GetInventory возвращает текущий остаток товара в указанной локации.
func (c *Client) GetInventory(ctx context.Context, tenantID, locationID, productID int64) (*Inventory, error) {
	url := fmt.Sprintf("%s/api/tenants/%d/locations/%d/inventory/%d", c.base(), tenantID, locationID, productID)

	var inv Inventory
	if err := c.get(ctx, url, &inv); err != nil {
		return nil, err
	}

	return &inv, nil
}
