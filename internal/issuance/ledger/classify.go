package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// ErrTransient marks an error the client knows is safe to retry.
var ErrTransient = errors.New("ledger: transient failure")

// Action is what the committer does after a failed submission.
type Action int

const (
	ActionFatal Action = iota
	ActionRetryFixed
	ActionRetryEscalated
)

func (a Action) String() string {
	switch a {
	case ActionRetryFixed:
		return "fixed"
	case ActionRetryEscalated:
		return "escalated"
	default:
		return "fatal"
	}
}

// Reason is the machine-readable cause carried by a CommitError.
type Reason string

const (
	ReasonInsufficientFunds Reason = "insufficient_funds"
	ReasonInvalidArgument   Reason = "invalid_argument"
	ReasonNonceConflict     Reason = "nonce_conflict"
	ReasonAlreadyIssued     Reason = "already_issued"
	ReasonReverted          Reason = "reverted"
	ReasonUnderpriced       Reason = "underpriced"
	ReasonTimeout           Reason = "timeout"
	ReasonConnection        Reason = "connection"
	ReasonRetriesExhausted  Reason = "retries_exhausted"
	ReasonCancelled         Reason = "cancelled"
	ReasonSequence          Reason = "sequence_unavailable"
	ReasonUnknown           Reason = "unknown"
)

type rule struct {
	needles []string
	action  Action
	reason  Reason
}

// Order matters: "already issued" reverts must win over the generic revert,
// and nonce messages contain "already known".
var rules = []rule{
	{[]string{"already issued", "batch exists"}, ActionFatal, ReasonAlreadyIssued},
	{[]string{"insufficient funds"}, ActionFatal, ReasonInsufficientFunds},
	{[]string{"nonce too low", "nonce too high", "already known", "nonce conflict"}, ActionFatal, ReasonNonceConflict},
	{[]string{"invalid argument", "invalid params", "invalid address", "invalid sender"}, ActionFatal, ReasonInvalidArgument},
	{[]string{"underpriced", "replacement transaction", "fee too low", "less than block base fee"}, ActionRetryEscalated, ReasonUnderpriced},
	{[]string{"execution reverted"}, ActionFatal, ReasonReverted},
	{[]string{"timeout", "timed out", "deadline exceeded"}, ActionRetryFixed, ReasonTimeout},
	{[]string{
		"connection refused", "connection reset", "broken pipe", "no such host", "unexpected eof",
		"502 bad gateway", "503 service unavailable", "too many requests",
		"status 502", "status 503", "status code 502", "status code 503",
	}, ActionRetryFixed, ReasonConnection},
}

// Classify maps a submission error to the committer's next action.
// Unrecognised errors are fatal.
func Classify(err error) (Action, Reason) {
	switch {
	case err == nil:
		return ActionFatal, ReasonUnknown
	case errors.Is(err, context.Canceled):
		return ActionFatal, ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ActionRetryFixed, ReasonTimeout
	case errors.Is(err, ErrTransient):
		return ActionRetryFixed, ReasonConnection
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return ActionRetryFixed, ReasonConnection
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return ActionRetryFixed, ReasonConnection
		}
	}

	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, n := range r.needles {
			if strings.Contains(msg, n) {
				return r.action, r.reason
			}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ActionRetryFixed, ReasonTimeout
		}
		return ActionRetryFixed, ReasonConnection
	}
	return ActionFatal, ReasonUnknown
}

// CommitError is the terminal failure of a batch commit.
type CommitError struct {
	Reason   Reason
	Attempts int
	Err      error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("ledger commit failed (%s) after %d attempt(s): %v", e.Reason, e.Attempts, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}
