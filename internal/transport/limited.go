package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/vnihit/ontask2-UNSW/internal/metrics"
	"github.com/vnihit/ontask2-UNSW/internal/ratelimit"
)

type campaignKey struct{}

// WithCampaign tags ctx with the campaign a message belongs to
func WithCampaign(ctx context.Context, campaignID string) context.Context {
	return context.WithValue(ctx, campaignKey{}, campaignID)
}

// CampaignFrom returns the campaign ctx was tagged with, if any
func CampaignFrom(ctx context.Context) string {
	id, _ := ctx.Value(campaignKey{}).(string)
	return id
}

// Limited wraps a Sender with global, per-campaign and per-recipient-domain limits
type Limited struct {
	next    Sender
	limiter *ratelimit.Limiter
}

// NewLimited creates a rate-limited sender
func NewLimited(next Sender, limiter *ratelimit.Limiter) *Limited {
	return &Limited{next: next, limiter: limiter}
}

// Send delivers msg if no limit is exhausted. A denied message fails with a
// temporary DeliveryError.
func (l *Limited) Send(ctx context.Context, msg Message) error {
	res, err := l.limiter.Allow(ctx, &ratelimit.Request{
		Campaign:        CampaignFrom(ctx),
		RecipientDomain: extractDomain(msg.To),
	})
	if err != nil {
		return fmt.Errorf("rate limit check failed: %w", err)
	}
	if !res.Allowed {
		metrics.IncRateLimitExceeded(string(res.DeniedBy))
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("rate limit exceeded (%s), retry after %s", res.DeniedBy, res.RetryAfter.Round(time.Second)),
		}
	}
	return l.next.Send(ctx, msg)
}
