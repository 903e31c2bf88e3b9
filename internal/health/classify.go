package health

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/atmx/control-plane/internal/model"
)

// BrokerError is an error the broker layer has already classified.
type BrokerError struct {
	Type model.FailureType
	Err  error
}

func (e *BrokerError) Error() string {
	if e.Err == nil {
		return e.Type.String()
	}
	return e.Type.String() + ": " + e.Err.Error()
}

func (e *BrokerError) Unwrap() error { return e.Err }

// FailureType implements Classified.
func (e *BrokerError) FailureType() model.FailureType { return e.Type }

// Classified is implemented by errors that carry their own FailureType.
type Classified interface {
	FailureType() model.FailureType
}

// keywordRules are checked in order against the lower-cased error text.
var keywordRules = []struct {
	ft       model.FailureType
	keywords []string
}{
	{model.FailureRateLimit, []string{"rate limit", "too many requests", "429", "throttl"}},
	{model.FailureAuth, []string{"unauthorized", "forbidden", "401", "403", "auth", "api key", "signature"}},
	{model.FailureBalance, []string{"insufficient", "balance", "buying power", "margin"}},
	{model.FailurePosition, []string{"position"}},
	{model.FailureNetwork, []string{"timeout", "timed out", "connection", "network", "eof", "no such host", "dns"}},
	{model.FailureExecution, []string{"rejected", "fill", "order"}},
	{model.FailureAPI, []string{"api", "500", "502", "503", "bad gateway", "service unavailable"}},
}

// Classify maps a broker error onto the fixed FailureType set.
func Classify(err error) model.FailureType {
	if err == nil {
		return model.FailureUnknown
	}

	var c Classified
	if errors.As(err, &c) {
		return c.FailureType()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.FailureNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return model.FailureNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.ft
			}
		}
	}
	return model.FailureUnknown
}
