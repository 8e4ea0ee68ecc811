package payment

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const stubPrefix = "stub_"

// StubGateway accepts every push and settles it on the first status query. It is meant for
// local development where no provider sandbox is reachable.
type StubGateway struct {
	seq atomic.Int64
}

func NewStubGateway() *StubGateway {
	return &StubGateway{}
}

func (s *StubGateway) Initiate(ctx context.Context, req ProviderRequest) (PushAck, error) {
	if err := ctx.Err(); err != nil {
		return PushAck{}, &TransientError{Op: "initiate", Err: err}
	}
	id := fmt.Sprintf("%s%d_%d", stubPrefix, time.Now().UnixNano(), s.seq.Add(1))
	return PushAck{
		ProviderRequestID: id,
		MerchantRequestID: "stub-" + req.Reference,
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (s *StubGateway) Query(ctx context.Context, providerRequestID string) (PushStatus, error) {
	if err := ctx.Err(); err != nil {
		return PushStatus{}, &TransientError{Op: "query", Err: err}
	}
	if !strings.HasPrefix(providerRequestID, stubPrefix) {
		return PushStatus{}, &RejectedError{StatusCode: http.StatusNotFound, Code: "404", Message: "unknown stub request"}
	}
	return PushStatus{State: StateSettled, ResultCode: "0", ResultMessage: "stub settlement"}, nil
}

// stubDialect reuses the JSON callback shape of the hmac dialect without signatures.
type stubDialect struct {
	hmacDialect
}

func (stubDialect) Name() string { return "stub" }

func (stubDialect) Defaults() DialectDefaults {
	return DialectDefaults{TokenStyle: TokenStyleNone, DescriptionLimit: 40, ReferenceLimit: 32}
}

func (stubDialect) Signed() bool { return false }

func (stubDialect) VerifyCallback(Profile, []byte, http.Header) error { return nil }
