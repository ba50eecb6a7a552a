// Package errors provides the error type usually returned by functions in
// the ctkeeper packages. It contains a 4-digit error code where the most
// significant digit describes the category where the error occurred and the
// rest 3 digits describe the specific error reason.
package errors

import (
	"encoding/json"
	"errors"
)

// Error is the coded error type returned by ctkeeper packages.
type Error struct {
	ErrorCode int    `json:"code"`
	Message   string `json:"message"`
}

// Category is the most significant digit of the error code.
type Category int

// Reason is the last 3 digits of the error code.
type Reason int

const (
	// Success indicates no error occurred.
	Success Category = 1000 * iota // 0XXX

	// DecodeError indicates a malformed SCT, SCT list, or collated
	// bundle. Decode errors are never retriable; the offending item is
	// skipped.
	DecodeError // 1XXX

	// VerificationError covers signature and timestamp checks performed
	// against a parsed SCT.
	VerificationError // 2XXX

	// StoreError covers I/O failures in the on-disk SCT cache. Refresh
	// operations retry these on the next periodic cycle.
	StoreError // 3XXX

	// SubprocessError covers failures invoking the external log
	// submission tool. Treated like StoreError for retry purposes.
	SubprocessError // 4XXX

	// ConfigurationError is fatal at startup.
	ConfigurationError // 5XXX
)

// None is the non-specified reason.
const None Reason = 0

// Decode reasons, specified along with DecodeError.
const (
	// TooShort: fewer bytes remain than a fixed SCT field requires.
	TooShort Reason = 100 * (iota + 1) // 11XX
	// TruncatedExtensions: the declared extensions length exceeds the
	// remaining bytes.
	TruncatedExtensions // 12XX
	// TruncatedSignature: the declared signature length exceeds the
	// remaining bytes.
	TruncatedSignature // 13XX
	// TrailingBytes: bytes remain after all declared fields.
	TrailingBytes // 14XX
	// MalformedList: an SCT list's outer or inner lengths do not exactly
	// fill the blob.
	MalformedList // 15XX
	// Unavailable: the leaf certificate DER needed to reconstruct signed
	// data was not supplied.
	Unavailable // 16XX
)

// Verification reasons, specified along with VerificationError.
const (
	// SignatureInvalid: the log's signature did not verify over the
	// reconstructed signed data.
	SignatureInvalid Reason = 100 * (iota + 1) // 21XX
	// LogUnknown: no registered log matches the SCT's log ID. This means
	// "we have no opinion", not "this is forged".
	LogUnknown // 22XX
	// TimestampInFuture: the SCT's timestamp is ahead of the wall clock.
	TimestampInFuture // 23XX
)

// Store reasons, specified along with StoreError.
const (
	ReadFailed   Reason = 100 * (iota + 1) // 31XX
	WriteFailed                            // 32XX
	RenameFailed                           // 33XX
	LockFailed                             // 34XX
)

// Subprocess reasons, specified along with SubprocessError.
const (
	StartFailed   Reason = 100 * (iota + 1) // 41XX
	NonZeroExit                             // 42XX
	EmptyResponse                           // 43XX
)

// Configuration reasons, specified along with ConfigurationError.
const (
	MissingDirectory Reason = 100 * (iota + 1) // 51XX
	MissingTool                                // 52XX
	BadInterval                                // 53XX
	BadLogURL                                  // 54XX
	BadRegistry                                // 55XX
)

// Error implements the error interface and formats to a JSON object string.
func (e *Error) Error() string {
	marshaled, err := json.Marshal(e)
	if err != nil {
		panic(err)
	}
	return string(marshaled)
}

// New returns an error that contains the given error and an error code
// derived from the given category and reason. Creating an error of category
// Success is not allowed.
func New(category Category, reason Reason, err error) *Error {
	errorCode := int(category) + int(reason)
	if err == nil {
		err = errors.New(defaultMessage(category, reason))
	}

	switch category {
	case DecodeError, VerificationError, StoreError, SubprocessError,
		ConfigurationError:
	default:
		panic(errors.New("unsupported ctkeeper error category"))
	}

	return &Error{ErrorCode: errorCode, Message: err.Error()}
}

func defaultMessage(category Category, reason Reason) string {
	switch category {
	case DecodeError:
		switch reason {
		case TooShort:
			return "SCT is too short for its fixed fields"
		case TruncatedExtensions:
			return "SCT has no space for its declared extensions"
		case TruncatedSignature:
			return "SCT has no space for its declared signature"
		case TrailingBytes:
			return "trailing bytes after SCT fields"
		case MalformedList:
			return "SCT list lengths do not fill the blob"
		case Unavailable:
			return "leaf certificate unavailable; cannot reconstruct signed data"
		}
		return "malformed SCT"
	case VerificationError:
		switch reason {
		case SignatureInvalid:
			return "SCT signature verification failed"
		case LogUnknown:
			return "SCT is from an unrecognized log"
		case TimestampInFuture:
			return "SCT not yet valid"
		}
		return "SCT verification failed"
	case StoreError:
		return "SCT store I/O failure"
	case SubprocessError:
		return "log submission tool failed"
	case ConfigurationError:
		return "invalid configuration"
	}
	return "unknown error"
}

// Is reports whether err is a ctkeeper *Error with the given category and
// reason. A reason of None matches any reason within the category.
func Is(err error, category Category, reason Reason) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	if reason == None {
		return ce.ErrorCode/1000 == int(category)/1000
	}
	return ce.ErrorCode == int(category)+int(reason)
}
