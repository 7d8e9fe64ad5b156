package rooms

import (
	"errors"
	"fmt"
)

// RecordKind names the kind of record flowing through the pipeline.
type RecordKind string

const (
	KindSubscription RecordKind = "subscription"
	KindRoom         RecordKind = "room"
)

var (
	errInvalidJSON = errors.New("payload is not valid json")
	errNotAnObject = errors.New("payload is not a json object")
)

// MalformedRecordError reports an incoming record that lacks a required identity field.
type MalformedRecordError struct {
	Kind  RecordKind
	Field string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("rooms: malformed %s record: missing %s", e.Kind, e.Field)
}

// DecodeError reports a payload that could not be parsed.
type DecodeError struct {
	Source RecordKind
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rooms: decode %s payload", e.Source)
	}
	return fmt.Sprintf("rooms: decode %s payload: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// TransportError reports a failed remote call. The reconciliation loop retries
// on it without advancing its checkpoint.
type TransportError struct {
	Operation string
	Err       error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rooms: transport %s failed", e.Operation)
	}
	return fmt.Sprintf("rooms: transport %s failed: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRecordError reports whether err only concerns one record (decode or
// identity failure) and so should be skipped rather than aborting a batch.
func IsRecordError(err error) bool {
	var malformed *MalformedRecordError
	var decode *DecodeError
	return errors.As(err, &malformed) || errors.As(err, &decode)
}
