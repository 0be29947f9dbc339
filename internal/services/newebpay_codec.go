package services

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/example/rzshop/internal/config"
)

// Codec failure taxonomy. Signature checks run before any decryption, so
// a tampered envelope is always reported as ErrSignatureMismatch.
var (
	ErrSignatureMismatch = errors.New("trade sha does not match trade info")
	ErrDecodeFailure     = errors.New("trade info cannot be decrypted")
	ErrMalformedPayload  = errors.New("trade info payload is malformed")
)

// FormField is one key/value pair of the gateway's flat wire format.
// Field order is preserved when canonicalizing.
type FormField struct {
	Key   string
	Value string
}

// Codec encrypts and signs TradeInfo payloads for the NewebPay MPG
// protocol: AES-256-CBC over a canonical query string, with a separate
// SHA-256 digest over the ciphertext and both shared secrets.
type Codec struct {
	hashKey string
	hashIV  string
	key     []byte
	iv      []byte
}

// NewCodec builds a codec from validated gateway credentials.
func NewCodec(cfg *config.Config) (*Codec, error) {
	key := []byte(cfg.HashKey)
	iv := []byte(cfg.HashIV)
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid hash key length: expected 32 bytes, got %d", len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("invalid hash IV length: expected %d bytes, got %d", aes.BlockSize, len(iv))
	}
	return &Codec{hashKey: cfg.HashKey, hashIV: cfg.HashIV, key: key, iv: iv}, nil
}

// Encode canonicalizes the fields, encrypts them and signs the result.
// Fields with empty values are omitted rather than encoded as markers.
func (c *Codec) Encode(fields []FormField) (tradeInfo, tradeSha string, err error) {
	var buf strings.Builder
	for _, field := range fields {
		if field.Value == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('&')
		}
		buf.WriteString(url.QueryEscape(field.Key))
		buf.WriteByte('=')
		buf.WriteString(url.QueryEscape(field.Value))
	}

	ciphertext, err := c.encrypt([]byte(buf.String()))
	if err != nil {
		return "", "", err
	}

	tradeInfo = hex.EncodeToString(ciphertext)
	return tradeInfo, c.Sign(tradeInfo), nil
}

// Sign computes the TradeSha digest over the hex ciphertext bracketed by
// the two shared secrets, upper-cased per the gateway contract.
func (c *Codec) Sign(tradeInfo string) string {
	sum := sha256.Sum256([]byte("HashKey=" + c.hashKey + "&" + tradeInfo + "&HashIV=" + c.hashIV))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Decode verifies the signature, decrypts the ciphertext and parses the
// plaintext. Verification happens first, in constant time; nothing is
// decrypted for a mismatched envelope.
func (c *Codec) Decode(tradeInfo, tradeSha string) (*DecodedPayload, error) {
	expected := c.Sign(tradeInfo)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(tradeSha)) != 1 {
		return nil, ErrSignatureMismatch
	}

	ciphertext, err := hex.DecodeString(tradeInfo)
	if err != nil {
		return nil, ErrDecodeFailure
	}

	plain, err := c.decrypt(ciphertext)
	if err != nil {
		return nil, ErrDecodeFailure
	}

	return parsePayload(string(plain))
}

func (c *Codec) encrypt(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(out, padded)
	return out, nil
}

func (c *Codec) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not block-aligned")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, errors.New("invalid padding byte")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-padding], nil
}

// PayloadShape tags which parse attempt succeeded.
type PayloadShape int

const (
	// ShapeJSON is the gateway's JSON envelope (RespondType=JSON).
	ShapeJSON PayloadShape = iota + 1
	// ShapeForm is the flat key=value form the gateway falls back to.
	ShapeForm
)

// DecodedPayload is the parsed plaintext of a verified TradeInfo blob.
type DecodedPayload struct {
	Shape  PayloadShape
	Object map[string]any
	Form   url.Values
}

// parsePayload tries the gateway's payload shapes in a fixed order:
// url-decoded JSON, raw JSON, then a flat query string.
func parsePayload(plain string) (*DecodedPayload, error) {
	if unescaped, err := url.QueryUnescape(plain); err == nil {
		var obj map[string]any
		if err := json.Unmarshal([]byte(unescaped), &obj); err == nil {
			return &DecodedPayload{Shape: ShapeJSON, Object: obj}, nil
		}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(plain), &obj); err == nil {
		return &DecodedPayload{Shape: ShapeJSON, Object: obj}, nil
	}

	form, err := url.ParseQuery(plain)
	if err != nil || len(form) == 0 {
		return nil, ErrMalformedPayload
	}
	return &DecodedPayload{Shape: ShapeForm, Form: form}, nil
}

// CallbackInfo is the normalized view of a gateway outcome callback.
type CallbackInfo struct {
	GatewayStatus string
	Message       string
	OrderNo       string
	TradeNo       string
	PayTime       string
	PaymentType   string
	Amount        int64
	HasAmount     bool
	Raw           []byte
}

// Callback extracts the fields the reconciliation path needs, handling
// both the JSON envelope (Result nested) and the flat form shape.
func (p *DecodedPayload) Callback() CallbackInfo {
	info := CallbackInfo{Raw: p.raw()}

	if p.Shape == ShapeForm {
		info.GatewayStatus = p.Form.Get("Status")
		info.Message = p.Form.Get("Message")
		info.OrderNo = p.Form.Get("MerchantOrderNo")
		info.TradeNo = p.Form.Get("TradeNo")
		info.PayTime = p.Form.Get("PayTime")
		info.PaymentType = p.Form.Get("PaymentType")
		if amt := p.Form.Get("Amt"); amt != "" {
			if parsed, err := strconv.ParseInt(amt, 10, 64); err == nil {
				info.Amount = parsed
				info.HasAmount = true
			}
		}
		return info
	}

	info.GatewayStatus = stringValue(p.Object["Status"])
	info.Message = stringValue(p.Object["Message"])

	result, _ := p.Object["Result"].(map[string]any)
	info.OrderNo = firstString(result, p.Object, "MerchantOrderNo")
	info.TradeNo = firstString(result, p.Object, "TradeNo")
	info.PayTime = firstString(result, p.Object, "PayTime")
	info.PaymentType = firstString(result, p.Object, "PaymentType")
	if amount, ok := numberValue(firstValue(result, p.Object, "Amt")); ok {
		info.Amount = amount
		info.HasAmount = true
	}
	return info
}

func (p *DecodedPayload) raw() []byte {
	var data []byte
	var err error
	if p.Shape == ShapeForm {
		flat := make(map[string]string, len(p.Form))
		for key := range p.Form {
			flat[key] = p.Form.Get(key)
		}
		data, err = json.Marshal(flat)
	} else {
		data, err = json.Marshal(p.Object)
	}
	if err != nil {
		return nil
	}
	return data
}

func firstValue(result, top map[string]any, key string) any {
	if result != nil {
		if v, ok := result[key]; ok {
			return v
		}
	}
	if top != nil {
		if v, ok := top[key]; ok {
			return v
		}
	}
	return nil
}

func firstString(result, top map[string]any, key string) string {
	return stringValue(firstValue(result, top, key))
}

func stringValue(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatInt(int64(value), 10)
	default:
		return ""
	}
}

func numberValue(v any) (int64, bool) {
	switch value := v.(type) {
	case float64:
		return int64(value), true
	case string:
		if value == "" {
			return 0, false
		}
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
