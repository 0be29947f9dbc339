package services

import (
	"encoding/hex"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rzshop/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		MerchantID:    "MS1624139607",
		HashKey:       "abcdefghijklmnopqrstuvwxyz123456",
		HashIV:        "1234567890123456",
		ReturnURL:     "https://shop.test/api/newebpay/return",
		NotifyURL:     "https://shop.test/api/newebpay/notify",
		ClientBackURL: "https://shop.test/thankyou.html",
		Environment:   config.EnvironmentSandbox,
		StoreTimeout:  2 * time.Second,
	}
}

func testCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec(testConfig())
	require.NoError(t, err)
	return codec
}

// encryptRaw builds a validly signed envelope around arbitrary plaintext,
// standing in for the gateway side of the protocol.
func encryptRaw(t *testing.T, codec *Codec, plain []byte) (tradeInfo, tradeSha string) {
	t.Helper()
	ciphertext, err := codec.encrypt(plain)
	require.NoError(t, err)
	tradeInfo = hex.EncodeToString(ciphertext)
	return tradeInfo, codec.Sign(tradeInfo)
}

func encryptJSON(t *testing.T, codec *Codec, payload map[string]any) (string, string) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return encryptRaw(t, codec, data)
}

func TestNewCodecRejectsBadCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.HashKey = "too-short"
	_, err := NewCodec(cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.HashIV = "too-short"
	_, err = NewCodec(cfg)
	require.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := testCodec(t)

	fields := []FormField{
		{Key: "MerchantID", Value: "MS1624139607"},
		{Key: "MerchantOrderNo", Value: "RZ1700000000001"},
		{Key: "Amt", Value: "500"},
		{Key: "ItemDesc", Value: "Widget & more"},
		{Key: "Email", Value: "a@b.com"},
	}

	tradeInfo, tradeSha, err := codec.Encode(fields)
	require.NoError(t, err)
	require.NotEmpty(t, tradeInfo)
	require.Len(t, tradeSha, 64)

	payload, err := codec.Decode(tradeInfo, tradeSha)
	require.NoError(t, err)
	require.Equal(t, ShapeForm, payload.Shape)

	for _, field := range fields {
		assert.Equal(t, field.Value, payload.Form.Get(field.Key), field.Key)
	}
}

func TestEncodeOmitsEmptyValues(t *testing.T) {
	codec := testCodec(t)

	tradeInfo, tradeSha, err := codec.Encode([]FormField{
		{Key: "MerchantOrderNo", Value: "RZ1"},
		{Key: "ClientBackURL", Value: ""},
	})
	require.NoError(t, err)

	payload, err := codec.Decode(tradeInfo, tradeSha)
	require.NoError(t, err)
	_, present := payload.Form["ClientBackURL"]
	assert.False(t, present)
}

func TestDecodeRejectsTamperedSha(t *testing.T) {
	codec := testCodec(t)

	tradeInfo, tradeSha, err := codec.Encode([]FormField{{Key: "Amt", Value: "500"}})
	require.NoError(t, err)

	flipped := []byte(tradeSha)
	if flipped[0] == 'A' {
		flipped[0] = 'B'
	} else {
		flipped[0] = 'A'
	}

	_, err = codec.Decode(tradeInfo, string(flipped))
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestDecodeRejectsTamperedTradeInfo(t *testing.T) {
	codec := testCodec(t)

	tradeInfo, tradeSha, err := codec.Encode([]FormField{{Key: "Amt", Value: "500"}})
	require.NoError(t, err)

	flipped := []byte(tradeInfo)
	if flipped[len(flipped)-1] == '0' {
		flipped[len(flipped)-1] = '1'
	} else {
		flipped[len(flipped)-1] = '0'
	}

	_, err = codec.Decode(string(flipped), tradeSha)
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestDecodeFailsOnUndecryptableCiphertext(t *testing.T) {
	codec := testCodec(t)

	tests := []struct {
		name      string
		tradeInfo string
	}{
		{name: "not hex", tradeInfo: "zz-not-hex"},
		{name: "not block aligned", tradeInfo: "abcdef"},
		{name: "empty", tradeInfo: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// sign the broken ciphertext so the failure is past the
			// signature check
			_, err := codec.Decode(tc.tradeInfo, codec.Sign(tc.tradeInfo))
			require.ErrorIs(t, err, ErrDecodeFailure)
		})
	}
}

func TestDecodeFailsOnUnparseablePlaintext(t *testing.T) {
	codec := testCodec(t)

	tradeInfo, tradeSha := encryptRaw(t, codec, []byte("%zz"))
	_, err := codec.Decode(tradeInfo, tradeSha)
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeParsesJSONEnvelope(t *testing.T) {
	codec := testCodec(t)

	tradeInfo, tradeSha := encryptJSON(t, codec, map[string]any{
		"Status":  "SUCCESS",
		"Message": "授權成功",
		"Result": map[string]any{
			"MerchantOrderNo": "RZ1700000000001",
			"TradeNo":         "24061512345678901",
			"Amt":             500,
			"PayTime":         "2024-06-15 12:00:00",
			"PaymentType":     "CREDIT",
		},
	})

	payload, err := codec.Decode(tradeInfo, tradeSha)
	require.NoError(t, err)
	require.Equal(t, ShapeJSON, payload.Shape)

	info := payload.Callback()
	assert.Equal(t, "SUCCESS", info.GatewayStatus)
	assert.Equal(t, "RZ1700000000001", info.OrderNo)
	assert.Equal(t, "24061512345678901", info.TradeNo)
	assert.Equal(t, "CREDIT", info.PaymentType)
	assert.True(t, info.HasAmount)
	assert.Equal(t, int64(500), info.Amount)
	assert.NotEmpty(t, info.Raw)
}

func TestDecodeParsesURLEncodedJSON(t *testing.T) {
	codec := testCodec(t)

	plain := url.QueryEscape(`{"Status":"SUCCESS","MerchantOrderNo":"RZ42","Amt":"120"}`)
	tradeInfo, tradeSha := encryptRaw(t, codec, []byte(plain))

	payload, err := codec.Decode(tradeInfo, tradeSha)
	require.NoError(t, err)
	require.Equal(t, ShapeJSON, payload.Shape)

	info := payload.Callback()
	assert.Equal(t, "RZ42", info.OrderNo)
	assert.True(t, info.HasAmount)
	assert.Equal(t, int64(120), info.Amount)
}

func TestCallbackReadsTopLevelFieldsWithoutResult(t *testing.T) {
	codec := testCodec(t)

	tradeInfo, tradeSha := encryptJSON(t, codec, map[string]any{
		"Status":          "TRA10003",
		"MerchantOrderNo": "RZ77",
	})

	payload, err := codec.Decode(tradeInfo, tradeSha)
	require.NoError(t, err)

	info := payload.Callback()
	assert.Equal(t, "TRA10003", info.GatewayStatus)
	assert.Equal(t, "RZ77", info.OrderNo)
	assert.False(t, info.HasAmount)
}
