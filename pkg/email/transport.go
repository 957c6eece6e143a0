package email

import (
	"context"
	"errors"
	"fmt"
)

// Message is one rendered email addressed to a single recipient.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Transport hands a message to an email provider.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Kind classifies a send failure.
type Kind string

const (
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
)

// Error is a classified transport failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s email failure", e.Kind)
	}
	return fmt.Sprintf("%s email failure: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent marks err as a failure that will never succeed on retry.
func Permanent(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

// IsPermanent reports whether err was classified permanent. Unclassified errors,
// including context deadlines, are treated as transient.
func IsPermanent(err error) bool {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind == KindPermanent
	}
	return false
}

// KindOf returns the classification of err; unclassified errors are transient.
func KindOf(err error) Kind {
	if IsPermanent(err) {
		return KindPermanent
	}
	return KindTransient
}
