package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pushpay/internal/auth"
	"pushpay/internal/service"
	"pushpay/pkg/payment"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePayments struct {
	initiateErr error
	gotCaller   string
	gotIntent   payment.PaymentIntent
	status      payment.PendingPayment
	awaitDelay  time.Duration
	getErr      error
	gotViewer   service.Viewer
}

// visible mirrors the service rule: callers only see their own payments.
func (f *fakePayments) visible(v service.Viewer) bool {
	f.gotViewer = v
	return v.Admin || f.status.CallerID == v.CallerID
}

func (f *fakePayments) Initiate(_ context.Context, in payment.PaymentIntent, callerID string) (payment.PendingPayment, error) {
	f.gotIntent, f.gotCaller = in, callerID
	if f.initiateErr != nil {
		return payment.PendingPayment{}, f.initiateErr
	}
	return payment.PendingPayment{InternalID: "int-1", ProviderRequestID: "ws_CO_1", Intent: in, State: payment.StatePending}, nil
}

func (f *fakePayments) Get(_ context.Context, v service.Viewer, id string) (payment.PendingPayment, error) {
	if f.getErr != nil {
		return payment.PendingPayment{}, f.getErr
	}
	if !f.visible(v) {
		return payment.PendingPayment{}, service.ErrPaymentNotFound
	}
	return f.status, nil
}

func (f *fakePayments) Await(ctx context.Context, v service.Viewer, id string) (payment.PendingPayment, error) {
	if f.getErr != nil {
		return payment.PendingPayment{}, f.getErr
	}
	if !f.visible(v) {
		return payment.PendingPayment{}, service.ErrPaymentNotFound
	}
	select {
	case <-time.After(f.awaitDelay):
		pp := f.status
		pp.State = payment.StateSettled
		return pp, nil
	case <-ctx.Done():
		return f.status, ctx.Err()
	}
}

func (f *fakePayments) GetStatus(_ context.Context, v service.Viewer, provider payment.Provider, ref string) (payment.PendingPayment, error) {
	if ref == "missing" || !f.visible(v) {
		return payment.PendingPayment{Intent: payment.PaymentIntent{AccountReference: ref}, State: payment.StatusNotFound}, nil
	}
	pp := f.status
	pp.Intent.AccountReference = ref
	return pp, nil
}

func newPaymentRouter(f *fakePayments) *gin.Engine {
	return newPaymentRouterAs(f, "shop-1", auth.RoleMerchant)
}

// newPaymentRouterAs serves the payment routes as if AuthRequired had admitted callerID.
func newPaymentRouterAs(f *fakePayments, callerID, role string) *gin.Engine {
	h := NewPaymentHandler(f, 50*time.Millisecond, zap.NewNop())
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("caller_id", callerID)
		c.Set("role", role)
	})
	r.POST("/payments", h.Initiate)
	r.GET("/payments/status/:reference", h.Status)
	r.GET("/payments/:id", h.Get)
	r.GET("/payments/:id/await", h.Await)
	return r
}

func serve(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestInitiateAccepted(t *testing.T) {
	f := &fakePayments{}
	w := serve(newPaymentRouter(f), http.MethodPost, "/payments",
		[]byte(`{"provider":"mpesa","phone":"0712345678","amount":100,"account_reference":"ORDER1","description":"Order 1"}`))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", w.Code, w.Body)
	}
	var view service.StatusView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Status != payment.StatePending || view.InternalID != "int-1" || view.ProviderRequestID != "ws_CO_1" {
		t.Errorf("view = %+v", view)
	}
	if f.gotCaller != "shop-1" || f.gotIntent.Amount != 100 || f.gotIntent.PhoneRaw != "0712345678" {
		t.Errorf("service got intent=%+v caller=%q", f.gotIntent, f.gotCaller)
	}
}

func TestInitiateErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid phone", fmt.Errorf("%w: %q", payment.ErrInvalidPhoneFormat, "123"), http.StatusBadRequest},
		{"validation", &payment.ValidationError{Field: "amount", Reason: "must be positive"}, http.StatusBadRequest},
		{"unknown provider", fmt.Errorf("%w: airtel", payment.ErrUnknownProvider), http.StatusBadRequest},
		{"duplicate", payment.ErrDuplicateReference, http.StatusConflict},
		{"rejected", &payment.RejectedError{StatusCode: 400, Code: "400.002.02", Message: "Bad Request - Invalid Amount"}, http.StatusUnprocessableEntity},
		{"transient", &payment.TransientError{Op: "initiate", StatusCode: 503}, http.StatusServiceUnavailable},
		{"other", fmt.Errorf("persist payment: boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(newPaymentRouter(&fakePayments{initiateErr: tt.err}), http.MethodPost, "/payments",
				[]byte(`{"provider":"mpesa","phone":"123","amount":100,"account_reference":"R"}`))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body)
			}
		})
	}

	w := serve(newPaymentRouter(&fakePayments{initiateErr: &payment.RejectedError{Code: "1", Message: "The balance is insufficient for the transaction"}}),
		http.MethodPost, "/payments", []byte(`{"provider":"mpesa","phone":"0712345678","amount":100,"account_reference":"R"}`))
	var body map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["error"] != "The balance is insufficient for the transaction" {
		t.Errorf("provider message not passed through verbatim: %v", body)
	}

	if w := serve(newPaymentRouter(&fakePayments{}), http.MethodPost, "/payments", []byte(`{`)); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", w.Code)
	}
}

func TestStatus(t *testing.T) {
	f := &fakePayments{status: payment.PendingPayment{InternalID: "int-1", CallerID: "shop-1", State: payment.StateSettled, Receipt: "NLJ7RT61SV"}}
	r := newPaymentRouter(f)

	w := serve(r, http.MethodGet, "/payments/status/ORDER1?provider=mpesa", nil)
	var view service.StatusView
	_ = json.Unmarshal(w.Body.Bytes(), &view)
	if w.Code != http.StatusOK || view.Status != payment.StateSettled || view.Receipt != "NLJ7RT61SV" || view.AccountReference != "ORDER1" {
		t.Errorf("status = %d view=%+v", w.Code, view)
	}

	w = serve(r, http.MethodGet, "/payments/status/missing", nil)
	view = service.StatusView{}
	_ = json.Unmarshal(w.Body.Bytes(), &view)
	if w.Code != http.StatusNotFound || view.Status != payment.StatusNotFound {
		t.Errorf("missing = %d %+v", w.Code, view)
	}
}

func TestGetAndAwait(t *testing.T) {
	f := &fakePayments{status: payment.PendingPayment{InternalID: "int-1", CallerID: "shop-1", State: payment.StatePending}}
	r := newPaymentRouter(f)

	if w := serve(r, http.MethodGet, "/payments/int-1", nil); w.Code != http.StatusOK {
		t.Errorf("get = %d", w.Code)
	}

	f.awaitDelay = 5 * time.Millisecond
	w := serve(r, http.MethodGet, "/payments/int-1/await?timeout=1s", nil)
	var view service.StatusView
	_ = json.Unmarshal(w.Body.Bytes(), &view)
	if w.Code != http.StatusOK || view.Status != payment.StateSettled {
		t.Errorf("await = %d %+v", w.Code, view)
	}

	// the 1h request is capped at the 50ms maximum
	f.awaitDelay = time.Hour
	start := time.Now()
	w = serve(r, http.MethodGet, "/payments/int-1/await?timeout=1h", nil)
	view = service.StatusView{}
	_ = json.Unmarshal(w.Body.Bytes(), &view)
	if w.Code != http.StatusOK || view.Status != payment.StatePending {
		t.Errorf("await timeout = %d %+v", w.Code, view)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("await ignored the maximum")
	}

	if w := serve(r, http.MethodGet, "/payments/int-1/await?timeout=soon", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad timeout = %d", w.Code)
	}

	f.getErr = service.ErrPaymentNotFound
	if w := serve(r, http.MethodGet, "/payments/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown id = %d", w.Code)
	}
}

func TestReadsScopedToCaller(t *testing.T) {
	f := &fakePayments{status: payment.PendingPayment{InternalID: "int-1", CallerID: "shop-1", State: payment.StateSettled, Receipt: "NLJ7RT61SV"}}
	other := newPaymentRouterAs(f, "shop-2", auth.RoleMerchant)

	for _, path := range []string{"/payments/int-1", "/payments/int-1/await?timeout=10ms", "/payments/status/ORDER1"} {
		w := serve(other, http.MethodGet, path, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s as another caller = %d, want 404", path, w.Code)
		}
		if bytes.Contains(w.Body.Bytes(), []byte("NLJ7RT61SV")) {
			t.Errorf("%s leaked the receipt: %s", path, w.Body)
		}
	}
	if f.gotViewer != (service.Viewer{CallerID: "shop-2"}) {
		t.Errorf("viewer = %+v", f.gotViewer)
	}

	admin := newPaymentRouterAs(f, "ops", auth.RoleAdmin)
	if w := serve(admin, http.MethodGet, "/payments/int-1", nil); w.Code != http.StatusOK {
		t.Errorf("admin get = %d", w.Code)
	}
	if !f.gotViewer.Admin {
		t.Error("admin role not passed to the service")
	}
}

type fakeCallbacks struct {
	res service.CallbackResult
	err error
	got service.CallbackRequest
}

func (f *fakeCallbacks) Handle(_ context.Context, req service.CallbackRequest) (service.CallbackResult, error) {
	f.got = req
	return f.res, f.err
}

func TestCallbackHandler(t *testing.T) {
	ack := map[string]any{"ResultCode": 0, "ResultDesc": "Accepted"}
	tests := []struct {
		name string
		res  service.CallbackResult
		err  error
		want int
	}{
		{"applied", service.CallbackResult{Outcome: service.OutcomeApplied, Ack: ack}, nil, http.StatusOK},
		{"unknown id", service.CallbackResult{Outcome: service.OutcomeUnknown, Ack: ack}, nil, http.StatusOK},
		{"invalid", service.CallbackResult{Outcome: service.OutcomeInvalid, Ack: ack}, nil, http.StatusOK},
		{"forbidden", service.CallbackResult{Outcome: service.OutcomeForbidden}, nil, http.StatusForbidden},
		{"unauthorized", service.CallbackResult{Outcome: service.OutcomeUnauthorized}, nil, http.StatusUnauthorized},
		{"unknown provider", service.CallbackResult{}, fmt.Errorf("%w: x", payment.ErrUnknownProvider), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeCallbacks{res: tt.res, err: tt.err}
			r := gin.New()
			r.POST("/callbacks/:provider", NewCallbackHandler(f, zap.NewNop()).Handle)
			w := serve(r, http.MethodPost, "/callbacks/mpesa?token=abc", []byte(`{"Body":{}}`))
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if f.got.Provider != "mpesa" || f.got.Token != "abc" || string(f.got.Body) != `{"Body":{}}` {
				t.Errorf("request = %+v", f.got)
			}
			if tt.want == http.StatusOK {
				var body map[string]any
				_ = json.Unmarshal(w.Body.Bytes(), &body)
				if body["ResultDesc"] != "Accepted" {
					t.Errorf("ack body = %s", w.Body)
				}
			}
		})
	}
}
