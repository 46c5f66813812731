package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"

	"github.com/pkg/errors"
)

var (
	ErrBadRequest       = errors.New("bad request")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("no permission")
	ErrNotFound         = errors.New("not found")
	ErrMessageTooLong   = errors.New("message too long")
	ErrRetriesExhausted = errors.New("rate limit retries exhausted")
)

// Code is an application error code carried in an API error body.
// It implements error so that errors.Is(err, CodeMissingPermissions) works.
type Code int

const (
	CodeUnknownAccount     Code = 10001
	CodeUnknownApplication Code = 10002
	CodeUnknownChannel     Code = 10003
	CodeUnknownServer      Code = 10004
	CodeUnknownIntegration Code = 10005
	CodeUnknownInvite      Code = 10006
	CodeUnknownMember      Code = 10007
	CodeUnknownMessage     Code = 10008
	CodeUnknownOverwrite   Code = 10009
	CodeUnknownProvider    Code = 10010
	CodeUnknownRole        Code = 10011
	CodeUnknownToken       Code = 10012
	CodeUnknownUser        Code = 10013
	CodeUnknownEmoji       Code = 10014

	CodeBotsNotAllowed Code = 20001
	CodeOnlyBots       Code = 20002

	CodeTooManyServers   Code = 30001
	CodeTooManyFriends   Code = 30002
	CodeTooManyPins      Code = 30003
	CodeTooManyRoles     Code = 30005
	CodeTooManyReactions Code = 30010

	CodeUnauthorized Code = 40001

	CodeMissingAccess           Code = 50001
	CodeInvalidAccountType      Code = 50002
	CodeInvalidForDM            Code = 50003
	CodeEmbedsDisabled          Code = 50004
	CodeMessageAuthoredByOther  Code = 50005
	CodeEmptyMessage            Code = 50006
	CodeCannotMessageUser       Code = 50007
	CodeCannotMessageVoice      Code = 50008
	CodeVerificationTooHigh     Code = 50009
	CodeOAuthWithoutBot         Code = 50010
	CodeOAuthLimitReached       Code = 50011
	CodeInvalidOAuthState       Code = 50012
	CodeMissingPermissions      Code = 50013
	CodeInvalidAuthToken        Code = 50014
	CodeNoteTooLong             Code = 50015
	CodeInvalidBulkDeleteCount  Code = 50016
	CodePinInWrongChannel       Code = 50019
	CodeMessageTooOldToDelete   Code = 50034
	CodeReactionBlocked         Code = 90001
	CodeServerTemporaryFailure  Code = 130000
	CodeInvalidFormBody         Code = 50035
	CodeInviteAcceptedToOwnBots Code = 50036
)

func (c Code) Error() string {
	return fmt.Sprintf("api error code %d", int(c))
}

var tooLongRx = regexp.MustCompile(`(?i)"(content|embed)"\s*:\s*\[[^\]]*(2000|fewer in length)`)

// HTTPError is returned for every non-retryable response with status >= 400.
type HTTPError struct {
	StatusCode int
	Code       Code
	Message    string
	Body       []byte
}

func newHTTPError(resp *Response) *HTTPError {
	e := &HTTPError{StatusCode: resp.StatusCode, Body: resp.Body}

	var payload struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(resp.Body, &payload) == nil {
		e.Code = Code(payload.Code)
		e.Message = payload.Message
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}

	return e
}

func (e *HTTPError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("http %d: %s (code %d)", e.StatusCode, e.Message, int(e.Code))
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrMessageTooLong:
		return e.StatusCode == http.StatusBadRequest && tooLongRx.Match(e.Body)
	}

	if code, ok := target.(Code); ok {
		return e.Code != 0 && e.Code == code
	}
	return false
}
