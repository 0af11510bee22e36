package aws

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/openfroyo/govframe/pkg/engine"
)

// transientCodes are API error codes worth retrying: throttling, concurrent
// modification and the delay before new credentials or handshakes propagate.
var transientCodes = map[string]bool{
	"Throttling":                      true,
	"ThrottlingException":             true,
	"TooManyRequestsException":        true,
	"RequestLimitExceeded":            true,
	"ConcurrentModificationException": true,
	"OperationInProgressException":    true,
	"InvalidClientTokenId":            true,
	"UnrecognizedClientException":     true,
	"ExpiredToken":                    true,
	"DuplicateHandshakeException":     true,
	"ServiceException":                true,
	"InternalFailure":                 true,
}

// alreadyExistsCodes are API error codes reporting an existing resource.
var alreadyExistsCodes = map[string]bool{
	"AlreadyExistsException":               true,
	"NameAlreadyExistsException":           true,
	"DuplicateAccountException":            true,
	"DuplicateOrganizationalUnitException": true,
	"AlreadyInOrganizationException":       true,
	"ResourceConflictException":            true,
}

// wrapAWSError classifies a non-nil SDK error. Errors that are already
// classified pass through unchanged.
func wrapAWSError(err error, msg string) *engine.EngineError {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return ee
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return engine.NewExecutionError(msg, err)
	}

	code := apiErr.ErrorCode()
	switch {
	case transientCodes[code]:
		return engine.NewTransientDependencyError(msg, err).WithDetail("aws_error_code", code)
	case alreadyExistsCodes[code]:
		return engine.NewAlreadyExistsError(msg, err).WithDetail("aws_error_code", code)
	default:
		return engine.NewExecutionError(msg, err).WithDetail("aws_error_code", code)
	}
}

// hasCode reports whether err is an API error with the given code.
func hasCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}

// hasMessage reports whether err is an API error with the given code whose
// message contains fragment.
func hasMessage(err error, code, fragment string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != code {
		return false
	}
	return strings.Contains(apiErr.ErrorMessage(), fragment)
}
