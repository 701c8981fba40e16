package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// HTTPSMSSender posts {to, message} to an SMS gateway with a bearer key.
// There are no retries.
type HTTPSMSSender struct {
	client *resty.Client
	url    string
}

func NewHTTPSMSSender(url, apiKey string, timeout time.Duration) *HTTPSMSSender {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(apiKey)
	return &HTTPSMSSender{client: client, url: url}
}

type smsRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (s *HTTPSMSSender) SendSMS(ctx context.Context, to, body string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(smsRequest{To: to, Message: body}).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: gateway returned %d", ErrSendFailed, resp.StatusCode())
	}
	return nil
}

// BreakerSender fails fast once the wrapped sender has failed
// consecutiveFailures times in a row, until cooldown has passed.
type BreakerSender struct {
	next SMSSender
	cb   *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerSender(next SMSSender, consecutiveFailures uint32, cooldown time.Duration, logger zerolog.Logger) *BreakerSender {
	if consecutiveFailures == 0 {
		consecutiveFailures = 5
	}
	st := gobreaker.Settings{
		Name:        "sms",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	}
	return &BreakerSender{next: next, cb: gobreaker.NewCircuitBreaker[struct{}](st)}
}

func (b *BreakerSender) SendSMS(ctx context.Context, to, body string) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.SendSMS(ctx, to, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return err
}

// State reports the breaker state, mostly for health output.
func (b *BreakerSender) State() string {
	return b.cb.State().String()
}
