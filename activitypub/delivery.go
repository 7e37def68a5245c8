package activitypub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/deemkeen/ferri/domain"
	"github.com/google/uuid"
)

// DeliveryError is a failed POST of an activity to a remote inbox.
type DeliveryError struct {
	Inbox      string
	ActivityID string
	Status     int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("deliver %s to %s: status %d", e.ActivityID, e.Inbox, e.Status)
	}
	return fmt.Sprintf("deliver %s to %s: %v", e.ActivityID, e.Inbox, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed. Network errors,
// timeouts, 408, 429 and 5xx are retryable; other statuses are final.
func (e *DeliveryError) Retryable() bool {
	switch {
	case e.Status == 0:
		return !errors.Is(e.Err, ErrMissingHost) && !errors.Is(e.Err, ErrBodyNotSet)
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	}
	return false
}

// RetryPolicy is bounded exponential backoff with jitter.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter is the +/- fraction applied to every delay.
	Jitter float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Minute,
		MaxDelay:    6 * time.Hour,
		MaxAttempts: 8,
		Jitter:      0.2,
	}
}

// Backoff is the delay before the attempt following attempt number
// attempt (1-based): BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	delay += delay * p.Jitter * (2*rand.Float64() - 1)
	if delay < 0 {
		delay = float64(p.BaseDelay)
	}
	return time.Duration(delay)
}

// persistTimeout bounds the queue writes that record a delivery outcome.
const persistTimeout = 10 * time.Second

// persistContext outlives ctx so an outcome is recorded even after the
// message deadline or shutdown fired.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// deliver POSTs body to inbox, signed with keyID.
func (d *Dispatcher) deliver(ctx context.Context, activityID, inbox, keyID string, body []byte) error {
	resp, err := d.client.Post(inbox).Activity().Body(body).Sign(keyID).Send(ctx)
	if err != nil {
		return &DeliveryError{Inbox: inbox, ActivityID: activityID, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{Inbox: inbox, ActivityID: activityID, Status: resp.StatusCode}
	}
	return nil
}

func retryable(err error) bool {
	var derr *DeliveryError
	if errors.As(err, &derr) {
		return derr.Retryable()
	}
	return false
}

// scheduleRetry records the first failure of a fresh dispatch.
func (d *Dispatcher) scheduleRetry(ctx context.Context, activityID, inbox, keyID string, body []byte, cause error) error {
	ctx, cancel := persistContext(ctx)
	defer cancel()

	if !retryable(cause) || d.retry.MaxAttempts <= 1 {
		d.log.Error("Delivery failed permanently", "activity", activityID, "inbox", inbox, "err", cause)
		return d.store.DeadLetter(ctx, &domain.DeadLetter{
			ActivityId:   activityID,
			InboxURI:     inbox,
			ActivityJSON: string(body),
			Attempts:     1,
			LastError:    cause.Error(),
		}, uuid.Nil)
	}

	next := d.now().Add(d.retry.Backoff(1))
	d.log.Warn("Delivery failed, scheduled retry", "activity", activityID, "inbox", inbox, "attempt", 1, "next", next, "err", cause)
	return d.store.EnqueueDelivery(ctx, &domain.DeliveryQueueItem{
		ActivityId:   activityID,
		InboxURI:     inbox,
		KeyId:        keyID,
		ActivityJSON: string(body),
		Attempts:     1,
		NextRetryAt:  next,
		LastError:    cause.Error(),
	})
}

// sweep redelivers the queued items that are due.
func (d *Dispatcher) sweep(ctx context.Context) error {
	items, err := d.store.ReadDueDeliveries(ctx, d.now(), d.batch)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	d.log.Debug("Processing pending deliveries", "count", len(items))

	var errs []error
	for _, item := range items {
		if err := d.redeliver(ctx, item); err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) redeliver(ctx context.Context, item domain.DeliveryQueueItem) error {
	err := d.deliver(ctx, item.ActivityId, item.InboxURI, item.KeyId, []byte(item.ActivityJSON))

	ctx, cancel := persistContext(ctx)
	defer cancel()
	if err == nil {
		d.log.Info("Delivered after retry", "activity", item.ActivityId, "inbox", item.InboxURI, "attempt", item.Attempts+1)
		if err := d.store.DeleteDelivery(ctx, item.Id); err != nil {
			return err
		}
		return d.markIfDone(ctx, item.ActivityId)
	}

	attempts := item.Attempts + 1
	if !retryable(err) || attempts >= d.retry.MaxAttempts {
		d.log.Error("Giving up on delivery", "activity", item.ActivityId, "inbox", item.InboxURI, "attempt", attempts, "err", err)
		return d.store.DeadLetter(ctx, &domain.DeadLetter{
			ActivityId:   item.ActivityId,
			InboxURI:     item.InboxURI,
			ActivityJSON: item.ActivityJSON,
			Attempts:     attempts,
			LastError:    err.Error(),
		}, item.Id)
	}

	next := d.now().Add(d.retry.Backoff(attempts))
	d.log.Warn("Delivery failed, scheduled retry", "activity", item.ActivityId, "inbox", item.InboxURI, "attempt", attempts, "next", next, "err", err)
	return d.store.UpdateDeliveryAttempt(ctx, item.Id, attempts, next, err.Error())
}

// markIfDone flags activityID delivered once no inbox of it is queued or
// dead-lettered.
func (d *Dispatcher) markIfDone(ctx context.Context, activityID string) error {
	n, err := d.store.UndeliveredCount(ctx, activityID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return d.store.MarkDelivered(ctx, activityID)
}
