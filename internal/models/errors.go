package models

import "errors"

var (
	ErrFetchFailed          = errors.New("catalog fetch failed")
	ErrCatalogNotFound      = errors.New("catalog not found")
	ErrJobNotFound          = errors.New("job not found")
	ErrRequestNotFound      = errors.New("request not found")
	ErrInvalidTransition    = errors.New("invalid job state transition")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrIncompleteProcessing = errors.New("processing is not complete")
	ErrPaymentRequired      = errors.New("payment required for images without watermark")
	ErrDuplicateRequest     = errors.New("duplicate request")
	ErrStorageUnavailable   = errors.New("storage unavailable")
)

// Stable machine-readable error codes.
const (
	CodeFetchFailed          = "fetch_failed"
	CodeCatalogNotFound      = "catalog_not_found"
	CodeJobNotFound          = "job_not_found"
	CodeRequestNotFound      = "request_not_found"
	CodeInvalidTransition    = "invalid_transition"
	CodeInvalidArgument      = "invalid_argument"
	CodeIncompleteProcessing = "incomplete_processing"
	CodePaymentRequired      = "payment_required"
	CodeDuplicateRequest     = "duplicate_request"
	CodeStorageUnavailable   = "storage_unavailable"
	CodeInternal             = "internal"
)

var codes = []struct {
	err  error
	code string
}{
	// storage first: a wrapped driver error may carry other sentinels too
	{ErrStorageUnavailable, CodeStorageUnavailable},
	{ErrFetchFailed, CodeFetchFailed},
	{ErrCatalogNotFound, CodeCatalogNotFound},
	{ErrJobNotFound, CodeJobNotFound},
	{ErrRequestNotFound, CodeRequestNotFound},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrIncompleteProcessing, CodeIncompleteProcessing},
	{ErrPaymentRequired, CodePaymentRequired},
	{ErrDuplicateRequest, CodeDuplicateRequest},
}

// CodeOf maps err onto its stable code, or CodeInternal.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// IsBusiness reports whether err is a request-level failure rather than an
// infrastructure one.
func IsBusiness(err error) bool {
	code := CodeOf(err)
	return code != "" && code != CodeInternal && code != CodeStorageUnavailable
}
