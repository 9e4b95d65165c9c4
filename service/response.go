package service

import (
	"net/http"

	"codenearby/auth"
	"codenearby/billing"
	"codenearby/feed"
	"codenearby/gathering"
	"codenearby/github"
	"codenearby/log"
	"codenearby/match"
	"codenearby/media"
	"codenearby/user"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// error codes of the response envelope
const (
	CodeBadRequest        = "BAD_REQUEST"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodeTooManyRequests   = "TOO_MANY_REQUESTS"
	CodeInternal          = "INTERNAL_ERROR"
	CodeBadGateway        = "BAD_GATEWAY"
	CodeUnavailable       = "SERVICE_UNAVAILABLE"
	CodeEntityTooLarge    = "PAYLOAD_TOO_LARGE"
	internalErrorResponse = "something went wrong, please try again"
)

var (
	errBadRequest   = errors.New("malformed request")
	errBadID        = errors.New("malformed id")
	errBodyTooLarge = errors.New("request body too large")
	errMissingKey   = errors.New("missing X-API-Key header")
)

// Response is the envelope of every JSON reply.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type errorClass struct {
	status int
	code   string
}

// statusTable classifies every sentinel the stores return. The first match
// wins, so wrapped errors resolve to their cause.
var statusTable = []struct {
	err error
	errorClass
}{
	{errBadRequest, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{errBadID, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{user.ErrSelfRequest, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{user.ErrNothingToUpdate, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{user.ErrInvalidLocation, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{user.ErrInvalidQuery, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{user.ErrInvalidProfile, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{user.ErrBadDirection, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{user.ErrInvalidMessage, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{match.ErrSelfSwipe, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{match.ErrInvalidDirection, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{gathering.ErrInvalidName, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{gathering.ErrInvalidDuration, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{gathering.ErrInvalidMessage, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{gathering.ErrInvalidPoll, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{gathering.ErrInvalidOption, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{feed.ErrInvalidPost, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{feed.ErrInvalidTags, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{feed.ErrInvalidSort, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{feed.ErrInvalidVote, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{feed.ErrInvalidIssue, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{feed.ErrInvalidIssueStat, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{billing.ErrInvalidCost, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{billing.ErrInvalidTier, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{billing.ErrPaymentRequired, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{billing.ErrInvalidKeyName, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{media.ErrNotImage, errorClass{http.StatusBadRequest, CodeBadRequest}},
	{errBodyTooLarge, errorClass{http.StatusRequestEntityTooLarge, CodeEntityTooLarge}},

	{auth.ErrNoSession, errorClass{http.StatusUnauthorized, CodeUnauthorized}},
	{auth.ErrInvalidSession, errorClass{http.StatusUnauthorized, CodeUnauthorized}},
	{auth.ErrStateMismatch, errorClass{http.StatusUnauthorized, CodeUnauthorized}},
	{errMissingKey, errorClass{http.StatusUnauthorized, CodeUnauthorized}},
	{billing.ErrInvalidKey, errorClass{http.StatusUnauthorized, CodeUnauthorized}},
	{billing.ErrKeyRevoked, errorClass{http.StatusUnauthorized, CodeUnauthorized}},
	{github.ErrUnauthorized, errorClass{http.StatusUnauthorized, CodeUnauthorized}},
	{github.ErrExchangeFailed, errorClass{http.StatusUnauthorized, CodeUnauthorized}},

	{auth.ErrForbidden, errorClass{http.StatusForbidden, CodeForbidden}},
	{user.ErrForbidden, errorClass{http.StatusForbidden, CodeForbidden}},
	{user.ErrNotFriends, errorClass{http.StatusForbidden, CodeForbidden}},
	{gathering.ErrForbidden, errorClass{http.StatusForbidden, CodeForbidden}},
	{gathering.ErrNotParticipant, errorClass{http.StatusForbidden, CodeForbidden}},
	{feed.ErrForbidden, errorClass{http.StatusForbidden, CodeForbidden}},

	{user.ErrNotFound, errorClass{http.StatusNotFound, CodeNotFound}},
	{user.ErrRequestMissing, errorClass{http.StatusNotFound, CodeNotFound}},
	{gathering.ErrNotFound, errorClass{http.StatusNotFound, CodeNotFound}},
	{gathering.ErrExpired, errorClass{http.StatusNotFound, CodeNotFound}},
	{gathering.ErrPollNotFound, errorClass{http.StatusNotFound, CodeNotFound}},
	{feed.ErrNotFound, errorClass{http.StatusNotFound, CodeNotFound}},
	{feed.ErrIssueNotFound, errorClass{http.StatusNotFound, CodeNotFound}},
	{billing.ErrKeyNotFound, errorClass{http.StatusNotFound, CodeNotFound}},
	{github.ErrNotFound, errorClass{http.StatusNotFound, CodeNotFound}},

	{user.ErrAlreadyFriends, errorClass{http.StatusConflict, CodeConflict}},
	{user.ErrRequestExists, errorClass{http.StatusConflict, CodeConflict}},
	{user.ErrNotPending, errorClass{http.StatusConflict, CodeConflict}},
	{gathering.ErrHostCannotLeave, errorClass{http.StatusConflict, CodeConflict}},
	{gathering.ErrPollClosed, errorClass{http.StatusConflict, CodeConflict}},
	{gathering.ErrAlreadyVoted, errorClass{http.StatusConflict, CodeConflict}},
	{feed.ErrVoteContention, errorClass{http.StatusConflict, CodeConflict}},
	{billing.ErrSameTier, errorClass{http.StatusConflict, CodeConflict}},
	{billing.ErrKeyLimit, errorClass{http.StatusConflict, CodeConflict}},

	{billing.ErrInsufficientTokens, errorClass{http.StatusTooManyRequests, CodeTooManyRequests}},
	{github.ErrRateLimited, errorClass{http.StatusTooManyRequests, CodeTooManyRequests}},

	{media.ErrUploadFailed, errorClass{http.StatusBadGateway, CodeBadGateway}},
	{media.ErrUploadsDisabled, errorClass{http.StatusServiceUnavailable, CodeUnavailable}},
	{github.ErrUnavailable, errorClass{http.StatusServiceUnavailable, CodeUnavailable}},
}

// statusFor returns the HTTP status, error code and client safe message of
// err. Unknown errors are internal and never leak their text.
func statusFor(err error) (int, string, string) {
	var verr *validationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, CodeValidationFailed, verr.Error()
	}
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.status, e.code, e.err.Error()
		}
	}
	return http.StatusInternalServerError, CodeInternal, internalErrorResponse
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Logger().Error().Err(err).Msg("writing response failed")
	}
}

func respond(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, Response{Success: true, Data: data})
}

func ok(w http.ResponseWriter, data interface{}) {
	respond(w, http.StatusOK, data)
}

func created(w http.ResponseWriter, data interface{}) {
	respond(w, http.StatusCreated, data)
}

// fail renders err in the envelope. Server side failures are logged with the
// request ID so the client facing ID can be traced.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := statusFor(err)
	logger := log.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Str("path", r.URL.Path).Msg("request rejected")
	}
	writeJSON(w, status, Response{Error: &Error{
		Code:      code,
		Message:   msg,
		RequestID: log.RequestIDFromContext(r.Context()),
	}})
}

// failWith renders a fixed status without going through statusFor.
func failWith(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, Response{Error: &Error{
		Code:      code,
		Message:   msg,
		RequestID: log.RequestIDFromContext(r.Context()),
	}})
}
