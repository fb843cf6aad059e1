// Package iyzico is a minimal HTTP client for the iyzico hosted checkout form.
// It implements payment.Gateway.
package iyzico

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointments/internal/config"
	"github.com/hackgods/clinic-appointments/internal/payment"
)

const (
	initializePath = "/payment/iyzipos/checkoutform/initialize/auth/ecom"
	retrievePath   = "/payment/iyzipos/checkoutform/auth/ecom/detail"

	productionHost = "api.iyzipay.com"
	sandboxURL     = "https://sandbox-api.iyzipay.com"

	dateLayout = "2006-01-02 15:04:05"
)

var (
	ErrMissingCredentials = errors.New("iyzico: api key and secret key are required")
	ErrCheckoutRejected   = errors.New("iyzico: checkout initialization rejected")
)

var tracer = otel.Tracer("github.com/hackgods/clinic-appointments/internal/iyzico")

type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
	randomKey  func() string
}

var _ payment.Gateway = (*Client)(nil)

// New builds a client. A sandbox key paired with the production host is
// redirected to the sandbox host.
func New(cfg config.IyzicoConfig, log *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, ErrMissingCredentials
	}

	return &Client{
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		baseURL:    resolveBaseURL(cfg.APIKey, cfg.BaseURL, log),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
		randomKey:  newRandomKey,
	}, nil
}

func resolveBaseURL(apiKey, raw string, log *zap.Logger) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		return sandboxURL
	}
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}

	if strings.Contains(strings.ToLower(apiKey), "sandbox") {
		if u, err := url.Parse(base); err == nil && strings.EqualFold(u.Host, productionHost) {
			log.Warn("sandbox api key used with production host, switching to sandbox",
				zap.String("configured", base),
				zap.String("using", sandboxURL),
			)
			return sandboxURL
		}
	}
	return base
}

// InitializeCheckout implements payment.Gateway.
func (c *Client) InitializeCheckout(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	ctx, span := tracer.Start(ctx, "iyzico.InitializeCheckout")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", req.ConversationID))

	price := req.Price.String()
	currency := req.Currency
	if currency == "" {
		currency = "TRY"
	}

	buyer := buyerPayload(req.Buyer)
	address := addressPayload(buyer)

	body := map[string]any{
		"locale":              "tr",
		"conversationId":      req.ConversationID,
		"price":               price,
		"paidPrice":           price,
		"currency":            currency,
		"basketId":            req.BasketID,
		"paymentGroup":        "PRODUCT",
		"callbackUrl":         req.CallbackURL,
		"enabledInstallments": []int{1},
		"buyer":               buyer,
		"shippingAddress":     address,
		"billingAddress":      address,
		"basketItems": []map[string]string{{
			"id":        req.Item.ID,
			"name":      req.Item.Name,
			"category1": req.Item.Category1,
			"category2": req.Item.Category2,
			"itemType":  "VIRTUAL",
			"price":     req.Item.Price.String(),
		}},
	}

	raw, err := c.post(ctx, initializePath, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	session, err := parseInitialize(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return session, nil
}

// RetrieveCheckout implements payment.Gateway.
func (c *Client) RetrieveCheckout(ctx context.Context, token string) payment.Result {
	ctx, span := tracer.Start(ctx, "iyzico.RetrieveCheckout")
	defer span.End()

	raw, err := c.post(ctx, retrievePath, map[string]any{
		"locale": "tr",
		"token":  token,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Error("iyzico retrieve failed", zap.Error(err))
		return payment.Malformed{Reason: err.Error()}
	}

	result := Normalize(raw)
	if m, ok := result.(payment.Malformed); ok {
		span.SetStatus(codes.Error, m.Reason)
	}
	return result
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	rnd := c.randomKey()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-iyzi-rnd", rnd)
	req.Header.Set("Authorization", authorization(c.apiKey, c.secretKey, rnd, path, b))

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("iyzico returned %d", res.StatusCode)
	}
	return raw, nil
}

// authorization builds the IYZWSv2 header: an HMAC-SHA256 over the random
// key, the uri path and the body.
func authorization(apiKey, secretKey, randomKey, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(randomKey))
	mac.Write([]byte(path))
	mac.Write(body)
	signature := hex.EncodeToString(mac.Sum(nil))

	params := "apiKey:" + apiKey + "&randomKey:" + randomKey + "&signature:" + signature
	return "IYZWSv2 " + base64.StdEncoding.EncodeToString([]byte(params))
}

func newRandomKey() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + hex.EncodeToString(b)
}

func buyerPayload(b payment.Buyer) map[string]string {
	name := strings.TrimSpace(b.Name)
	if name == "" {
		name, _, _ = strings.Cut(b.Email, "@")
	}
	surname := strings.TrimSpace(b.Surname)
	if surname == "" {
		surname = name
	}

	identity := b.IdentityNumber
	if identity == "" {
		identity = "11111111111" // accepted by the sandbox
	}
	ip := b.IP
	if ip == "" {
		ip = "127.0.0.1"
	}

	registered := b.RegisteredAt
	if registered.IsZero() {
		registered = time.Now()
	}
	lastLogin := b.LastLoginAt
	if lastLogin.IsZero() {
		lastLogin = time.Now()
	}

	return map[string]string{
		"id":                  b.ID,
		"name":                name,
		"surname":             surname,
		"gsmNumber":           NormalizePhone(b.Phone),
		"email":               b.Email,
		"identityNumber":      identity,
		"registrationDate":    registered.UTC().Format(dateLayout),
		"lastLoginDate":       lastLogin.UTC().Format(dateLayout),
		"registrationAddress": orDefault(b.Address, "No address on file"),
		"ip":                  ip,
		"city":                orDefault(b.City, "Istanbul"),
		"country":             orDefault(b.Country, "Turkey"),
		"zipCode":             orDefault(b.ZipCode, "34000"),
	}
}

func addressPayload(buyer map[string]string) map[string]string {
	return map[string]string{
		"contactName": strings.TrimSpace(buyer["name"] + " " + buyer["surname"]),
		"city":        buyer["city"],
		"country":     buyer["country"],
		"address":     buyer["registrationAddress"],
		"zipCode":     buyer["zipCode"],
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
