package providers

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailbridge/internal/model"
)

// Kind separates retryable failures from ones that need operator action
type Kind int

const (
	Transient Kind = iota
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return model.ErrorKindPermanent
	}
	return model.ErrorKindTransient
}

// Error is a classified provider failure
type Error struct {
	Provider model.Provider
	Op       string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err with the given kind. A nil err stays nil.
func Wrap(p model.Provider, op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Provider: p, Op: op, Kind: kind, Err: err}
}

// Classify returns the kind of err. Unclassified errors, timeouts and
// cancellations are transient; a refused OAuth grant is permanent.
func Classify(err error) Kind {
	if err == nil {
		return Transient
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" {
			return Permanent
		}
	}
	return Transient
}

// IsPermanent reports whether err needs re-authentication or operator action
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == Permanent
}

// KindForStatus maps an HTTP status code from a provider API to a kind
func KindForStatus(status int) Kind {
	switch status {
	case 401, 403, 404, 410:
		return Permanent
	default:
		return Transient
	}
}
