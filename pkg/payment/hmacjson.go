package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of a signed callback body.
const SignatureHeader = "X-Signature"

// hmacDialect speaks the HMAC-signed JSON collection API used by aggregator partners.
type hmacDialect struct{}

func (hmacDialect) Name() string { return "hmac" }

func (hmacDialect) Defaults() DialectDefaults {
	return DialectDefaults{
		TokenPath:        "/oauth/token",
		PushPath:         "/v1/collections/push",
		QueryPath:        "/v1/collections/push",
		TokenStyle:       TokenStyleOAuth2,
		DescriptionLimit: 40,
		ReferenceLimit:   32,
	}
}

// HMACSignature is base64(HMAC-SHA256(passkey, shortcode + timestamp)).
func HMACSignature(passKey, shortCode, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(passKey))
	mac.Write([]byte(shortCode + timestamp))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignCallback returns the hex HMAC-SHA256 of body, as sent in SignatureHeader.
func SignCallback(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type hmacPushRequest struct {
	MerchantCode string `json:"merchant_code"`
	MSISDN       string `json:"msisdn"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency,omitempty"`
	Reference    string `json:"reference"`
	Narration    string `json:"narration"`
	Timestamp    string `json:"timestamp"`
	Signature    string `json:"signature"`
	CallbackURL  string `json:"callback_url"`
}

type hmacPushResponse struct {
	Status            string `json:"status"`
	RequestID         string `json:"request_id"`
	MerchantRequestID string `json:"merchant_request_id"`
	Code              string `json:"code"`
	Message           string `json:"message"`
}

type hmacStatusResponse struct {
	RequestID         string `json:"request_id"`
	MerchantRequestID string `json:"merchant_request_id"`
	Status            string `json:"status"`
	ResultCode        string `json:"result_code"`
	Message           string `json:"message"`
	Receipt           string `json:"receipt"`
	Amount            int64  `json:"amount"`
	MSISDN            string `json:"msisdn"`
}

func (hmacDialect) PushPayload(p Profile, f PushFields) (any, error) {
	return hmacPushRequest{
		MerchantCode: f.ShortCode,
		MSISDN:       f.MSISDN,
		Amount:       f.Amount,
		Currency:     p.Currency,
		Reference:    f.AccountReference,
		Narration:    f.Description,
		Timestamp:    f.Timestamp,
		Signature:    HMACSignature(p.PassKey, f.ShortCode, f.Timestamp),
		CallbackURL:  f.CallbackURL,
	}, nil
}

func (hmacDialect) DecodePush(status int, body []byte) (PushAck, error) {
	var r hmacPushResponse
	decodeErr := json.Unmarshal(body, &r)
	if status >= 200 && status < 300 {
		if decodeErr != nil {
			return PushAck{}, &TransientError{Op: "initiate", StatusCode: status, Err: fmt.Errorf("decode ack: %w", decodeErr)}
		}
		if !strings.EqualFold(r.Status, "ACCEPTED") || r.RequestID == "" {
			return PushAck{}, &RejectedError{StatusCode: status, Code: r.Code, Message: orString(r.Message, r.Status)}
		}
		return PushAck{ProviderRequestID: r.RequestID, MerchantRequestID: r.MerchantRequestID, CustomerMessage: r.Message}, nil
	}
	if retryableStatus(status) {
		return PushAck{}, &TransientError{Op: "initiate", StatusCode: status, Err: errors.New(orText(r.Message, body))}
	}
	return PushAck{}, &RejectedError{StatusCode: status, Code: r.Code, Message: orText(r.Message, body)}
}

func (hmacDialect) QueryRequest(p Profile, providerRequestID string, _ time.Time) (string, string, any) {
	return http.MethodGet, strings.TrimRight(p.QueryPath, "/") + "/" + url.PathEscape(providerRequestID), nil
}

func (hmacDialect) DecodeQuery(status int, body []byte) (PushStatus, error) {
	var r hmacStatusResponse
	decodeErr := json.Unmarshal(body, &r)
	if status >= 200 && status < 300 {
		if decodeErr != nil {
			return PushStatus{}, &TransientError{Op: "query", StatusCode: status, Err: fmt.Errorf("decode status: %w", decodeErr)}
		}
		return PushStatus{State: hmacState(r.Status), ResultCode: r.ResultCode, ResultMessage: r.Message}, nil
	}
	if retryableStatus(status) {
		return PushStatus{}, &TransientError{Op: "query", StatusCode: status, Err: errors.New(orText(r.Message, body))}
	}
	return PushStatus{}, &RejectedError{StatusCode: status, Code: r.ResultCode, Message: orText(r.Message, body)}
}

func (hmacDialect) TokenRejected(status int, _ []byte) bool {
	return status == http.StatusUnauthorized
}

func (hmacDialect) ParseCallback(body []byte) (CallbackResult, error) {
	var r hmacStatusResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return CallbackResult{}, fmt.Errorf("parse callback: %w", err)
	}
	if r.RequestID == "" {
		return CallbackResult{}, errors.New("parse callback: missing request_id")
	}
	state := hmacState(r.Status)
	if !state.Terminal() {
		return CallbackResult{}, fmt.Errorf("parse callback: non-final status %q", r.Status)
	}
	return CallbackResult{
		ProviderRequestID: r.RequestID,
		MerchantRequestID: r.MerchantRequestID,
		State:             state,
		ResultCode:        r.ResultCode,
		ResultMessage:     r.Message,
		Receipt:           r.Receipt,
		Amount:            r.Amount,
		MSISDN:            r.MSISDN,
	}, nil
}

func (hmacDialect) Signed() bool { return true }

func (hmacDialect) VerifyCallback(p Profile, body []byte, h http.Header) error {
	sig := strings.TrimSpace(h.Get(SignatureHeader))
	if sig == "" || p.CallbackSecret == "" {
		return ErrBadSignature
	}
	expected := SignCallback(p.CallbackSecret, body)
	if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

func (hmacDialect) CallbackAck() any {
	return map[string]any{"received": true}
}

func hmacState(status string) State {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "SUCCESS", "COMPLETED", "SETTLED":
		return StateSettled
	case "FAILED", "CANCELLED", "DECLINED", "REVERSED":
		return StateFailed
	default:
		return StatePending
	}
}
