package ecash

import (
	"errors"
	"fmt"
)

type ErrCode int

// Error represents an error to be returned by the mint
type Error struct {
	Detail string  `cbor:"1,keyasint" json:"detail"`
	Code   ErrCode `cbor:"2,keyasint" json:"code"`
}

func BuildError(detail string, code ErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

// Is matches on code so errors built with a custom detail
// still compare equal to their sentinel.
func (e Error) Is(target error) bool {
	switch t := target.(type) {
	case Error:
		return e.Code == t.Code
	case *Error:
		return t != nil && e.Code == t.Code
	}
	return false
}

// AsError extracts the mint error carried by err, if any.
func AsError(err error) (Error, bool) {
	var value Error
	if errors.As(err, &value) {
		return value, true
	}
	var ptr *Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	return Error{}, false
}

const (
	StandardErrCode ErrCode = 10000
	// These will never be returned in a response.
	// Using them to identify internally where
	// the error originated and log appropriately
	DBErrCode ErrCode = 1

	MalformedInputErrCode   ErrCode = 10001
	InvalidSignatureErrCode ErrCode = 10003
	AlreadySpentErrCode     ErrCode = 11001

	UnknownTierErrCode    ErrCode = 12001
	KeyGenMismatchErrCode ErrCode = 12003

	OutputNotFoundErrCode ErrCode = 20001
	RoundNotFoundErrCode  ErrCode = 20002

	BackupErrCode ErrCode = 30001
)

var (
	StandardErr         = Error{Detail: "mint is currently unable to process request", Code: StandardErrCode}
	EmptyBodyErr        = Error{Detail: "request body cannot be empty", Code: MalformedInputErrCode}
	MalformedInputErr   = Error{Detail: "malformed input", Code: MalformedInputErrCode}
	InvalidSignatureErr = Error{Detail: "invalid signature", Code: InvalidSignatureErrCode}
	AlreadySpentErr     = Error{Detail: "note already spent", Code: AlreadySpentErrCode}
	UnknownTierErr      = Error{Detail: "unknown tier", Code: UnknownTierErrCode}
	KeyGenMismatchErr   = Error{Detail: "key generation output does not match aggregate key", Code: KeyGenMismatchErrCode}
	OutputNotFoundErr   = Error{Detail: "mint output not found", Code: OutputNotFoundErrCode}
	RoundNotFoundErr    = Error{Detail: "round not applied yet", Code: RoundNotFoundErrCode}
	BackupTooLargeErr   = Error{Detail: "backup payload too large", Code: BackupErrCode}
	BackupOutdatedErr   = Error{Detail: "a newer backup already exists", Code: BackupErrCode}
	BackupNotFoundErr   = Error{Detail: "backup not found", Code: BackupErrCode}
)

// MalformedInput builds a malformed input error carrying the reason.
func MalformedInput(format string, args ...any) Error {
	return Error{Detail: fmt.Sprintf("malformed input: "+format, args...), Code: MalformedInputErrCode}
}

type CombineErrorKind int

const (
	// the shares were individually valid but did not combine
	// into a signature valid under the tier's aggregate key
	CombinationFailed CombineErrorKind = iota
	QuorumUnreachable
)

func (k CombineErrorKind) String() string {
	switch k {
	case CombinationFailed:
		return "COMBINATION_FAILED"
	case QuorumUnreachable:
		return "QUORUM_UNREACHABLE"
	default:
		return "unknown"
	}
}

func (k CombineErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *CombineErrorKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "COMBINATION_FAILED":
		*k = CombinationFailed
	case "QUORUM_UNREACHABLE":
		*k = QuorumUnreachable
	default:
		return fmt.Errorf("invalid combine error kind '%s'", text)
	}
	return nil
}

type CombineError struct {
	Kind   CombineErrorKind `cbor:"1,keyasint" json:"kind"`
	Detail string           `cbor:"2,keyasint" json:"detail"`
}

func (e CombineError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Detail)
}

func (e CombineError) Is(target error) bool {
	t, ok := target.(CombineError)
	return ok && t.Kind == e.Kind
}

var (
	CombinationFailedErr = CombineError{Kind: CombinationFailed, Detail: "signature shares did not combine"}
	QuorumUnreachableErr = CombineError{Kind: QuorumUnreachable, Detail: "not enough eligible guardians left to reach threshold"}
)

// PeerErrorType classifies a fault committed by a guardian.
type PeerErrorType int

const (
	InvalidShare PeerErrorType = iota
	ConflictingShare
	UnknownOutput
	MalformedEnvelope
)

func (t PeerErrorType) String() string {
	switch t {
	case InvalidShare:
		return "INVALID_SHARE"
	case ConflictingShare:
		return "CONFLICTING_SHARE"
	case UnknownOutput:
		return "UNKNOWN_OUTPUT"
	case MalformedEnvelope:
		return "MALFORMED_ENVELOPE"
	default:
		return "unknown"
	}
}

func (t PeerErrorType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *PeerErrorType) UnmarshalText(text []byte) error {
	for _, errType := range []PeerErrorType{InvalidShare, ConflictingShare, UnknownOutput, MalformedEnvelope} {
		if errType.String() == string(text) {
			*t = errType
			return nil
		}
	}
	return fmt.Errorf("invalid peer error type '%s'", text)
}

// PeerError is one piece of fault evidence against a guardian.
type PeerError struct {
	Peer PeerId        `cbor:"1,keyasint" json:"peer"`
	Type PeerErrorType `cbor:"2,keyasint" json:"type"`
}

// MintShareErrors collects, in log order, the faults recorded
// against guardians while combining shares for one output.
type MintShareErrors struct {
	Output OutputId    `json:"output"`
	Errors []PeerError `json:"errors"`
}

// Count returns how many incidents of type t were recorded against peer.
func (e MintShareErrors) Count(peer PeerId, t PeerErrorType) int {
	count := 0
	for _, pe := range e.Errors {
		if pe.Peer == peer && pe.Type == t {
			count++
		}
	}
	return count
}
