package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Daraja error codes that are not plain failures.
const (
	darajaProcessingCode   = "500.001.1001" // query: transaction is still being processed
	darajaInvalidTokenCode = "404.001.03"
	darajaStillProcessing  = "4999"
)

// darajaDialect speaks Safaricom's M-Pesa Express (STK push) API.
type darajaDialect struct{}

func (darajaDialect) Name() string { return "daraja" }

func (darajaDialect) Defaults() DialectDefaults {
	return DialectDefaults{
		TokenPath:        "/oauth/v1/generate",
		PushPath:         "/mpesa/stkpush/v1/processrequest",
		QueryPath:        "/mpesa/stkpushquery/v1/query",
		TokenStyle:       TokenStyleDaraja,
		DescriptionLimit: 13,
		ReferenceLimit:   12,
	}
}

// DarajaPassword is base64(shortcode + passkey + timestamp).
func DarajaPassword(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

type darajaPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type darajaPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type darajaError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type darajaQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type darajaQueryResponse struct {
	ResponseCode        flexString `json:"ResponseCode"`
	ResponseDescription string     `json:"ResponseDescription"`
	MerchantRequestID   string     `json:"MerchantRequestID"`
	CheckoutRequestID   string     `json:"CheckoutRequestID"`
	ResultCode          flexString `json:"ResultCode"`
	ResultDesc          string     `json:"ResultDesc"`
	darajaError
}

type darajaCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string     `json:"MerchantRequestID"`
			CheckoutRequestID string     `json:"CheckoutRequestID"`
			ResultCode        flexString `json:"ResultCode"`
			ResultDesc        string     `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string     `json:"Name"`
					Value flexString `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func (darajaDialect) PushPayload(p Profile, f PushFields) (any, error) {
	txType := p.TransactionType
	if txType == "" {
		txType = "CustomerPayBillOnline"
	}
	return darajaPushRequest{
		BusinessShortCode: f.ShortCode,
		Password:          DarajaPassword(f.ShortCode, p.PassKey, f.Timestamp),
		Timestamp:         f.Timestamp,
		TransactionType:   txType,
		Amount:            f.Amount,
		PartyA:            f.MSISDN,
		PartyB:            f.ShortCode,
		PhoneNumber:       f.MSISDN,
		CallBackURL:       f.CallbackURL,
		AccountReference:  f.AccountReference,
		TransactionDesc:   f.Description,
	}, nil
}

func (darajaDialect) DecodePush(status int, body []byte) (PushAck, error) {
	if status >= 200 && status < 300 {
		var r darajaPushResponse
		if err := json.Unmarshal(body, &r); err != nil {
			return PushAck{}, &TransientError{Op: "initiate", StatusCode: status, Err: fmt.Errorf("decode ack: %w", err)}
		}
		if r.ResponseCode != "0" {
			return PushAck{}, &RejectedError{StatusCode: status, Code: r.ResponseCode, Message: r.ResponseDescription}
		}
		if r.CheckoutRequestID == "" {
			return PushAck{}, &RejectedError{StatusCode: status, Code: r.ResponseCode, Message: "accepted without CheckoutRequestID"}
		}
		return PushAck{
			ProviderRequestID: r.CheckoutRequestID,
			MerchantRequestID: r.MerchantRequestID,
			CustomerMessage:   r.CustomerMessage,
		}, nil
	}
	var e darajaError
	_ = json.Unmarshal(body, &e)
	if retryableStatus(status) {
		return PushAck{}, &TransientError{Op: "initiate", StatusCode: status, Err: errors.New(orText(e.ErrorMessage, body))}
	}
	return PushAck{}, &RejectedError{StatusCode: status, Code: e.ErrorCode, Message: orText(e.ErrorMessage, body)}
}

func (darajaDialect) QueryRequest(p Profile, providerRequestID string, ts time.Time) (string, string, any) {
	stamp := p.Timestamp(ts)
	return http.MethodPost, p.QueryPath, darajaQueryRequest{
		BusinessShortCode: p.ShortCode,
		Password:          DarajaPassword(p.ShortCode, p.PassKey, stamp),
		Timestamp:         stamp,
		CheckoutRequestID: providerRequestID,
	}
}

func (darajaDialect) DecodeQuery(status int, body []byte) (PushStatus, error) {
	var r darajaQueryResponse
	decodeErr := json.Unmarshal(body, &r)

	if r.ErrorCode == darajaProcessingCode || string(r.ResultCode) == darajaStillProcessing {
		return PushStatus{State: StatePending, ResultCode: orString(r.ErrorCode, string(r.ResultCode)), ResultMessage: orString(r.ErrorMessage, r.ResultDesc)}, nil
	}
	if status >= 200 && status < 300 {
		if decodeErr != nil {
			return PushStatus{}, &TransientError{Op: "query", StatusCode: status, Err: fmt.Errorf("decode status: %w", decodeErr)}
		}
		switch string(r.ResultCode) {
		case "":
			return PushStatus{State: StatePending, ResultCode: string(r.ResponseCode), ResultMessage: r.ResponseDescription}, nil
		case "0":
			return PushStatus{State: StateSettled, ResultCode: "0", ResultMessage: r.ResultDesc}, nil
		default:
			return PushStatus{State: StateFailed, ResultCode: string(r.ResultCode), ResultMessage: r.ResultDesc}, nil
		}
	}
	if retryableStatus(status) {
		return PushStatus{}, &TransientError{Op: "query", StatusCode: status, Err: errors.New(orText(r.ErrorMessage, body))}
	}
	return PushStatus{}, &RejectedError{StatusCode: status, Code: r.ErrorCode, Message: orText(r.ErrorMessage, body)}
}

func (darajaDialect) TokenRejected(status int, body []byte) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	if status != http.StatusNotFound && status != http.StatusBadRequest {
		return false
	}
	var e darajaError
	return json.Unmarshal(body, &e) == nil && e.ErrorCode == darajaInvalidTokenCode
}

func (darajaDialect) ParseCallback(body []byte) (CallbackResult, error) {
	var cb darajaCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return CallbackResult{}, fmt.Errorf("parse stk callback: %w", err)
	}
	stk := cb.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		return CallbackResult{}, errors.New("parse stk callback: missing CheckoutRequestID")
	}
	if stk.ResultCode == "" {
		return CallbackResult{}, errors.New("parse stk callback: missing ResultCode")
	}
	res := CallbackResult{
		ProviderRequestID: stk.CheckoutRequestID,
		MerchantRequestID: stk.MerchantRequestID,
		ResultCode:        string(stk.ResultCode),
		ResultMessage:     stk.ResultDesc,
		State:             StateFailed,
	}
	if stk.ResultCode == "0" {
		res.State = StateSettled
	}
	for _, item := range stk.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			res.Amount = parseAmount(string(item.Value))
		case "MpesaReceiptNumber":
			res.Receipt = string(item.Value)
		case "PhoneNumber":
			res.MSISDN = string(item.Value)
		}
	}
	return res, nil
}

func (darajaDialect) Signed() bool { return false }

func (darajaDialect) VerifyCallback(Profile, []byte, http.Header) error { return nil }

func (darajaDialect) CallbackAck() any {
	return map[string]any{"ResultCode": 0, "ResultDesc": "Accepted"}
}

// flexString accepts both JSON strings and bare numbers; Daraja mixes the two.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(strings.TrimSpace(string(b)))
	return nil
}

func parseAmount(s string) int64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(v))
}

func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}

func orString(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func orText(msg string, body []byte) string {
	if msg != "" {
		return msg
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return strings.TrimSpace(string(body))
}
