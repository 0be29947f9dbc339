package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/example/rzshop/internal/config"
	"github.com/example/rzshop/internal/models"
)

const (
	tradeVersion  = "2.0"
	orderNoPrefix = "RZ"
)

var (
	// ErrOrphanCallback means a verified callback carried no merchant
	// order number at all, so there is no key to reconcile under.
	ErrOrphanCallback = errors.New("callback carries no merchant order number")
	// ErrStoreTimeout means the order store did not answer within the
	// configured deadline. The triggering request surfaces a 5xx so the
	// gateway's own redelivery takes care of the retry.
	ErrStoreTimeout = errors.New("order store timed out")
)

// InvalidIntentError rejects a checkout request the caller can correct.
type InvalidIntentError struct {
	Detail  string
	Missing []string
}

func (e *InvalidIntentError) Error() string {
	if len(e.Missing) > 0 {
		return "invalid order intent: missing " + strings.Join(e.Missing, ", ")
	}
	return "invalid order intent: " + e.Detail
}

// Gateway failure statuses are short upper-case codes like TRA10003 or
// MPG03009. Anything that is neither SUCCESS nor code-shaped maps to
// UNKNOWN rather than guessing.
var gatewayErrorCode = regexp.MustCompile(`^[A-Z]{3}[0-9]{5}$`)

// OrderIntent is the immutable checkout request built by the storefront.
type OrderIntent struct {
	OrderNo  string
	Amount   int64
	Email    string
	ItemDesc string
	Items    []models.ItemSnapshot
}

// PaymentRequest is the signed envelope ready for the redirect renderer.
type PaymentRequest struct {
	OrderNo    string
	GatewayURL string
	MerchantID string
	TradeInfo  string
	TradeSha   string
	Version    string
}

// ReturnResult is the outcome of the browser-facing return callback.
type ReturnResult struct {
	OrderNo     string
	Status      models.OrderStatus
	RedirectURL string
}

// CallbackSource identifies where an inbound callback came from, for the
// audit log only.
type CallbackSource struct {
	Path string
	IP   string
}

// NewebpayService orchestrates the payment-order gateway bridge: it
// builds signed payment requests and reconciles the two outcome
// callbacks into the authoritative order record.
type NewebpayService struct {
	cfg      *config.Config
	codec    *Codec
	store    OrderStore
	node     *snowflake.Node
	telegram *TelegramService
	now      func() time.Time
}

// NewNewebpayService wires the service from validated config and an
// order store. A nil clock defaults to time.Now.
func NewNewebpayService(cfg *config.Config, store OrderStore, telegram *TelegramService, now func() time.Time) (*NewebpayService, error) {
	codec, err := NewCodec(cfg)
	if err != nil {
		return nil, err
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &NewebpayService{
		cfg:      cfg,
		codec:    codec,
		store:    store,
		node:     node,
		telegram: telegram,
		now:      now,
	}, nil
}

// Codec exposes the payload codec, mainly for the HTTP tests.
func (s *NewebpayService) Codec() *Codec {
	return s.codec
}

// CreateRequest validates the intent, persists the INIT record and
// returns the signed envelope for the gateway redirect. The record is
// not marked PENDING here: the MPG flow has no redirect-accepted ack.
func (s *NewebpayService) CreateRequest(ctx context.Context, intent OrderIntent) (*PaymentRequest, error) {
	if err := validateIntent(&intent); err != nil {
		return nil, err
	}

	if intent.OrderNo == "" {
		intent.OrderNo = orderNoPrefix + s.node.Generate().String()
	}

	status := models.StatusInit
	_, err := s.upsert(ctx, intent.OrderNo, OrderPatch{
		Status:   &status,
		Amount:   &intent.Amount,
		Email:    &intent.Email,
		ItemDesc: &intent.ItemDesc,
		Items:    models.MarshalItems(models.NormalizeItems(intent.Items)),
	})
	if err != nil {
		return nil, err
	}

	tradeInfo, tradeSha, err := s.codec.Encode([]FormField{
		{Key: "MerchantID", Value: s.cfg.MerchantID},
		{Key: "RespondType", Value: "JSON"},
		{Key: "TimeStamp", Value: strconv.FormatInt(s.now().Unix(), 10)},
		{Key: "Version", Value: tradeVersion},
		{Key: "LangType", Value: "zh-tw"},
		{Key: "MerchantOrderNo", Value: intent.OrderNo},
		{Key: "Amt", Value: strconv.FormatInt(intent.Amount, 10)},
		{Key: "ItemDesc", Value: intent.ItemDesc},
		{Key: "Email", Value: intent.Email},
		{Key: "ReturnURL", Value: s.cfg.ReturnURL},
		{Key: "NotifyURL", Value: s.cfg.NotifyURL},
		{Key: "ClientBackURL", Value: s.clientBackURL(intent.OrderNo, "")},
		{Key: "LoginType", Value: "0"},
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Newebpay] payment request built: order=%s amount=%d tradeInfoLen=%d",
		intent.OrderNo, intent.Amount, len(tradeInfo))

	return &PaymentRequest{
		OrderNo:    intent.OrderNo,
		GatewayURL: s.cfg.GatewayURL(),
		MerchantID: s.cfg.MerchantID,
		TradeInfo:  tradeInfo,
		TradeSha:   tradeSha,
		Version:    tradeVersion,
	}, nil
}

// HandleReturn processes the synchronous, browser-mediated callback and
// computes the client redirect. Apart from the store write it performs
// no blocking I/O; the operator notification runs on its own goroutine.
func (s *NewebpayService) HandleReturn(ctx context.Context, tradeInfo, tradeSha string, source CallbackSource) (*ReturnResult, error) {
	order, err := s.applyCallback(ctx, tradeInfo, tradeSha, source)
	if err != nil {
		return nil, err
	}
	return &ReturnResult{
		OrderNo:     order.OrderNumber,
		Status:      order.Status,
		RedirectURL: s.clientBackURL(order.OrderNumber, string(order.Status)),
	}, nil
}

// HandleNotify processes the asynchronous server-to-server callback.
// Redelivery of an identical payload only refreshes the timestamp.
func (s *NewebpayService) HandleNotify(ctx context.Context, tradeInfo, tradeSha string, source CallbackSource) error {
	_, err := s.applyCallback(ctx, tradeInfo, tradeSha, source)
	return err
}

func (s *NewebpayService) applyCallback(ctx context.Context, tradeInfo, tradeSha string, source CallbackSource) (*models.Order, error) {
	payload, err := s.codec.Decode(tradeInfo, tradeSha)
	if err != nil {
		// enough context to audit, never the key or plaintext
		log.Printf("[Newebpay] callback rejected: path=%s ip=%s tradeInfoLen=%d at=%s err=%v",
			source.Path, source.IP, len(tradeInfo), s.now().UTC().Format(time.RFC3339), err)
		return nil, err
	}

	info := payload.Callback()
	if info.OrderNo == "" {
		log.Printf("[Newebpay] orphan callback: path=%s ip=%s status=%q", source.Path, source.IP, info.GatewayStatus)
		return nil, ErrOrphanCallback
	}

	status := mapGatewayStatus(info.GatewayStatus)
	patch := OrderPatch{
		Status:      &status,
		GatewayStat: &info.GatewayStatus,
		Message:     &info.Message,
		RawCallback: info.Raw,
	}
	if info.TradeNo != "" {
		patch.TradeNo = &info.TradeNo
	}
	if info.PayTime != "" {
		patch.PayTime = &info.PayTime
	}
	if info.PaymentType != "" {
		patch.PaymentType = &info.PaymentType
	}
	if info.HasAmount {
		// the gateway-reported amount is the source of truth for settlement
		patch.Amount = &info.Amount
	}

	before, err := s.get(ctx, info.OrderNo)
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		return nil, err
	}

	order, err := s.upsert(ctx, info.OrderNo, patch)
	if err != nil {
		return nil, err
	}

	log.Printf("[Newebpay] callback reconciled: path=%s order=%s gatewayStatus=%q status=%s tradeNo=%s",
		source.Path, order.OrderNumber, info.GatewayStatus, order.Status, order.TradeNo)

	if s.telegram != nil && order.Status.Final() && (before == nil || !before.Status.Final()) {
		snapshot := *order
		go func() {
			if err := s.telegram.NotifyPaymentOutcome(snapshot); err != nil {
				log.Printf("[Newebpay] telegram notification failed for order %s: %v", snapshot.OrderNumber, err)
			}
		}()
	}

	return order, nil
}

// GetOrder looks up the record for a merchant order number.
func (s *NewebpayService) GetOrder(ctx context.Context, orderNo string) (*models.Order, error) {
	return s.get(ctx, orderNo)
}

func (s *NewebpayService) upsert(ctx context.Context, orderNo string, patch OrderPatch) (*models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	order, err := s.store.Upsert(ctx, orderNo, patch)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrStoreTimeout
	}
	return order, err
}

func (s *NewebpayService) get(ctx context.Context, orderNo string) (*models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	order, err := s.store.Get(ctx, orderNo)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrStoreTimeout
	}
	return order, err
}

func (s *NewebpayService) clientBackURL(orderNo, status string) string {
	parsed, err := url.Parse(s.cfg.ClientBackURL)
	if err != nil {
		return s.cfg.ClientBackURL
	}
	query := parsed.Query()
	if orderNo != "" {
		query.Set("orderId", orderNo)
	}
	if status != "" {
		query.Set("status", status)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func validateIntent(intent *OrderIntent) error {
	var missing []string
	if intent.Email == "" {
		missing = append(missing, "email")
	}
	if intent.ItemDesc == "" {
		missing = append(missing, "itemDesc")
	}
	if len(missing) > 0 {
		return &InvalidIntentError{Missing: missing}
	}

	if intent.Amount <= 0 {
		return &InvalidIntentError{Detail: "amount must be greater than zero"}
	}
	if _, err := mail.ParseAddress(intent.Email); err != nil {
		return &InvalidIntentError{Detail: fmt.Sprintf("email %q is not a valid address", intent.Email)}
	}
	if strings.TrimSpace(intent.ItemDesc) == "" {
		return &InvalidIntentError{Detail: "item description must not be blank"}
	}
	return nil
}

// mapGatewayStatus folds the gateway's free-form status string into the
// order lifecycle enum. Unrecognized strings become UNKNOWN; the raw
// value is kept on the record either way.
func mapGatewayStatus(status string) models.OrderStatus {
	switch {
	case status == "SUCCESS":
		return models.StatusPaid
	case strings.EqualFold(status, "PENDING") || strings.EqualFold(status, "WAITING"):
		return models.StatusPending
	case gatewayErrorCode.MatchString(status):
		return models.StatusFailed
	default:
		return models.StatusUnknown
	}
}
