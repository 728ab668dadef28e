package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/soaringjerry/surveyengine/internal/models"
)

// Notifier delivers one post-survey action for a respondent.
type Notifier interface {
	Notify(ctx context.Context, action *models.PostSurveyAction, respondentID string) error
}

// NotifyKind classifies a failed notification.
type NotifyKind string

const (
	NotifyBadRequest  NotifyKind = "bad_request"
	NotifyAuth        NotifyKind = "auth"
	NotifyForbidden   NotifyKind = "forbidden"
	NotifyNotFound    NotifyKind = "not_found"
	NotifyServerError NotifyKind = "server_error"
	NotifyUnavailable NotifyKind = "unavailable"
	NotifyTransport   NotifyKind = "transport"
	NotifyUnexpected  NotifyKind = "unexpected"
)

// NotifyError is a classified notification failure. Status is 0 for
// transport failures.
type NotifyError struct {
	Status  int
	Kind    NotifyKind
	Message string
}

func (e *NotifyError) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// Retryable reports whether another attempt may succeed.
func (e *NotifyError) Retryable() bool {
	return e.Kind == NotifyUnavailable || e.Kind == NotifyTransport
}

// ClassifyStatus maps a non-2xx response status to a NotifyError.
func ClassifyStatus(status int) *NotifyError {
	switch {
	case status == http.StatusBadRequest:
		return &NotifyError{Status: status, Kind: NotifyBadRequest, Message: "the receiver rejected the request as malformed"}
	case status == http.StatusUnauthorized:
		return &NotifyError{Status: status, Kind: NotifyAuth, Message: "the receiver rejected our credentials"}
	case status == http.StatusForbidden:
		return &NotifyError{Status: status, Kind: NotifyForbidden, Message: "the receiver refused access; check the license or permissions"}
	case status == http.StatusNotFound:
		return &NotifyError{Status: status, Kind: NotifyNotFound, Message: "the receiver endpoint was not found"}
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return &NotifyError{Status: status, Kind: NotifyUnavailable, Message: "the receiver or its gateway is unavailable"}
	case status >= 500:
		return &NotifyError{Status: status, Kind: NotifyServerError, Message: "the receiver failed with a server error"}
	}
	return &NotifyError{Status: status, Kind: NotifyUnexpected, Message: "the receiver answered with an unexpected status"}
}

// HTTPNotifier POSTs {"respondent_id": id} to the action URL.
type HTTPNotifier struct {
	Client  *http.Client
	Timeout time.Duration
}

func NewHTTPNotifier(timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{Client: &http.Client{}, Timeout: timeout}
}

func (n *HTTPNotifier) Notify(ctx context.Context, action *models.PostSurveyAction, respondentID string) error {
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}
	body, err := json.Marshal(map[string]string{"respondent_id": respondentID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.URL, bytes.NewReader(body))
	if err != nil {
		return &NotifyError{Kind: NotifyBadRequest, Message: "invalid action URL: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &NotifyError{Kind: NotifyTransport, Message: "could not reach the receiver: " + err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return ClassifyStatus(resp.StatusCode)
}

// deliver calls n with retries for retryable failures. onRetry runs before
// each repeated attempt. It returns the number of attempts made.
func deliver(ctx context.Context, n Notifier, action *models.PostSurveyAction, respondentID string, tries uint, onRetry func(err error)) (int, error) {
	if tries == 0 {
		tries = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := n.Notify(ctx, action, respondentID)
		if err == nil {
			return struct{}{}, nil
		}
		var ne *NotifyError
		if errors.As(err, &ne) && ne.Retryable() {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, _ time.Duration) {
			if onRetry != nil {
				onRetry(err)
			}
		}),
	)
	return attempts, err
}
