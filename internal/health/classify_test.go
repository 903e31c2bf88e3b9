package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/atmx/control-plane/internal/model"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want model.FailureType
	}{
		{nil, model.FailureUnknown},
		{&BrokerError{Type: model.FailurePosition}, model.FailurePosition},
		{fmt.Errorf("submit: %w", &BrokerError{Type: model.FailureAuth, Err: errors.New("bad key")}), model.FailureAuth},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), model.FailureNetwork},
		{&net.OpError{Op: "dial", Err: errors.New("refused")}, model.FailureNetwork},
		{errors.New("HTTP 429 Too Many Requests"), model.FailureRateLimit},
		{errors.New("insufficient buying power"), model.FailureBalance},
		{errors.New("order rejected by venue"), model.FailureExecution},
		{errors.New("503 service unavailable"), model.FailureAPI},
		{errors.New("something odd"), model.FailureUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestBrokerError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &BrokerError{Type: model.FailureAPI, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected BrokerError to unwrap to its cause")
	}
	if err.Error() != "api_error: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
