package pipeline

import (
	"errors"
	"fmt"

	"github.com/cwohlman/mailpipe/internal/message"
)

// Rejection reasons raised by the preprocessing pipeline.
const (
	ReasonMissingSender      = "missing sender"
	ReasonMissingRecipient   = "missing recipient"
	ReasonMissingFromAddress = "missing from address"
	ReasonMissingToAddress   = "missing to address"
	ReasonMissingSubject     = "missing message subject"
	ReasonMissingBody        = "missing message body"
)

// Rejection is the soft, expected failure channel: a validation problem
// with the message itself, recorded on the stored record before being
// returned up the call chain. It terminates the operation that raised it;
// the message is not retried.
type Rejection struct {
	Reason  string
	Message *message.Message
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	return fmt.Sprintf("message rejected: %s", r.Reason)
}

// AsRejection unwraps a Rejection from an error chain.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
