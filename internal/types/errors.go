// Package types provides shared types, interfaces, and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Browser pool errors
	ErrBrowserPoolClosed = errors.New("browser pool is closed")
	ErrBrowserUnhealthy  = errors.New("browser is unhealthy")

	// Tab errors
	ErrTabNotFound  = errors.New("tab not found")
	ErrTooManyTabs  = errors.New("maximum number of tabs reached")
	ErrTabClosed    = errors.New("tab has been closed")
	ErrTabIDInvalid = errors.New("invalid tab id")

	// Guard lifecycle errors
	ErrPageNotInjectable    = errors.New("page does not accept script injection")
	ErrDomainWhitelisted    = errors.New("domain is whitelisted")
	ErrTransitionInProgress = errors.New("guard transition already in progress")

	// Whitelist errors
	ErrAlreadyWhitelisted = errors.New("domain is already whitelisted")
	ErrNotWhitelisted     = errors.New("domain is not whitelisted")
	ErrInvalidDomain      = errors.New("invalid domain")

	// Bridge errors
	ErrInvalidMessage       = errors.New("invalid bridge message")
	ErrUntrustedMessage     = errors.New("bridge message failed source validation")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrNotificationUsed     = errors.New("notification override already used")
	ErrNothingToOpen        = errors.New("notification has no url to open")

	// Storage errors
	ErrStorageClosed = errors.New("storage is closed")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidURL     = errors.New("invalid URL")
	ErrInvalidCommand = errors.New("invalid command")
	ErrURLRequired    = errors.New("url is required")
)

// InjectionError reports that the page context could not be reached.
// It implements the error interface and supports error unwrapping.
type InjectionError struct {
	URL     string // The page URL the injection targeted
	Reason  string // Short machine-readable reason: "restricted_scheme", "unreachable", "eval_failed"
	Message string // Human-readable error message
	Err     error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *InjectionError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *InjectionError) Unwrap() error {
	return e.Err
}

// NewRestrictedPageError creates an error for pages whose scheme forbids injection.
func NewRestrictedPageError(url string) *InjectionError {
	return &InjectionError{
		URL:     url,
		Reason:  "restricted_scheme",
		Message: "Popup guard cannot run on this page: internal or restricted URL scheme",
		Err:     ErrPageNotInjectable,
	}
}

// NewInjectionFailedError wraps a failure to install the page script.
func NewInjectionFailedError(url string, err error) *InjectionError {
	return &InjectionError{
		URL:     url,
		Reason:  "eval_failed",
		Message: "Popup guard could not be injected into the page: " + err.Error(),
		Err:     errors.Join(ErrPageNotInjectable, err),
	}
}

// StorageError reports a rejected durable read or write.
// Storage errors are surfaced to the caller and never retried automatically.
type StorageError struct {
	Operation string // The operation that failed, e.g. "increment", "whitelist.add"
	Key       string // Domain or settings key involved
	Err       error  // Underlying driver error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key == "" {
		return "storage " + e.Operation + " failed: " + e.Err.Error()
	}
	return "storage " + e.Operation + " failed for " + e.Key + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a StorageError.
func NewStorageError(op, key string, err error) *StorageError {
	return &StorageError{Operation: op, Key: key, Err: err}
}
