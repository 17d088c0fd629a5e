/*
Package errs provides custom error types and application-level error code constants.

These error codes identify specific business or system errors both internally
within the relay and in responses sent to clients.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrInvalidJSONFormat indicates that an inbound payload was not valid JSON.
	ErrInvalidJSONFormat = 1002

	// ErrRateLimitExceeded indicates that the request rate has exceeded the set limit.
	ErrRateLimitExceeded = 1003

	// ErrOriginNotAllowed indicates that the request Origin is not in the allow list.
	ErrOriginNotAllowed = 1004
)

// 2xxx: Messaging and Presence Errors
const (
	// ErrMessageContentTooLong indicates that a message exceeded the maximum length limit.
	ErrMessageContentTooLong = 2001

	// ErrNotJoined indicates that an operation required an established join first.
	ErrNotJoined = 2002
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown indicates an unclassified internal error.
	ErrUnknown = 5000
)
