package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/steward-ai/steward/pkg/models"
	"github.com/steward-ai/steward/pkg/registry"
)

// Capability names a wise authority provider may advertise.
const (
	CapabilitySendDeferral  = "send_deferral"
	CapabilityFetchGuidance = "fetch_guidance"
)

// ErrValidation is returned for malformed requests at the bus boundary.
var ErrValidation = errors.New("validation error")

// DeferralHandler is implemented by wise authority surfaces that accept
// deferrals.
type DeferralHandler interface {
	SendDeferral(ctx context.Context, req models.DeferralRequest) (string, error)
}

// GuidanceSource is implemented by wise authority surfaces that can
// return guidance.
type GuidanceSource interface {
	FetchGuidance(ctx context.Context, req models.GuidanceRequest) (models.GuidanceResponse, error)
}

// DeferralContext is the raw deferral payload received at the bus
// boundary. DeferUntil is an RFC3339 string ("Z" suffix accepted);
// empty means one hour from now.
type DeferralContext struct {
	TaskID     string            `json:"task_id"`
	ThoughtID  string            `json:"thought_id"`
	Reason     string            `json:"reason"`
	DeferUntil string            `json:"defer_until,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}

// WiseBus fans deferrals out to every wise authority surface and fetches
// guidance from the first suitable one. Multiple WA surfaces (chat
// adapter, admin API) must all see deferrals; the origin of record is
// the core WA service.
type WiseBus struct {
	*BaseBus
}

// NewWiseBus creates the wise authority bus.
func NewWiseBus(reg *registry.Registry) *WiseBus {
	b := &WiseBus{}
	b.BaseBus = NewBaseBus("wise_authority_bus", models.ServiceTypeWiseAuthority, reg, 0,
		func(ctx context.Context, msg Message) error {
			payload, ok := msg.Payload.(DeferralContext)
			if !ok {
				return fmt.Errorf("unexpected wise bus payload %T", msg.Payload)
			}
			_, err := b.SendDeferral(ctx, payload, msg.HandlerName)
			return err
		})
	return b
}

// normalizeDeferral applies the boundary transformation rules to the
// raw context.
func normalizeDeferral(raw DeferralContext) (models.DeferralRequest, error) {
	deferUntil := time.Now().UTC().Add(time.Hour)
	if raw.DeferUntil != "" {
		parsed, err := time.Parse(time.RFC3339, raw.DeferUntil)
		if err != nil {
			return models.DeferralRequest{}, fmt.Errorf("%w: unparseable defer_until %q: %v", ErrValidation, raw.DeferUntil, err)
		}
		deferUntil = parsed.UTC()
	}
	return models.DeferralRequest{
		TaskID:     raw.TaskID,
		ThoughtID:  raw.ThoughtID,
		Reason:     raw.Reason,
		DeferUntil: deferUntil,
		Context:    raw.Context,
	}, nil
}

// SendDeferral broadcasts a deferral to every available wise authority
// provider with the send_deferral capability. The call succeeds if at
// least one provider accepts; failures in others are logged but do not
// fail the call.
func (b *WiseBus) SendDeferral(ctx context.Context, raw DeferralContext, handler string) (bool, error) {
	req, err := normalizeDeferral(raw)
	if err != nil {
		return false, err
	}

	targets := b.deferralTargets()
	if len(targets) == 0 {
		return false, fmt.Errorf("%w: no wise authority provider accepts deferrals", ErrServiceUnavailable)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		lastErr  error
	)
	for _, p := range targets {
		wg.Add(1)
		go func(p *registry.ServiceProvider) {
			defer wg.Done()
			id, err := p.Instance.(DeferralHandler).SendDeferral(ctx, req)
			if err != nil {
				p.Breaker().RecordFailure()
				slog.Warn("Wise authority provider rejected deferral",
					"provider", p.Name, "handler", handler, "task_id", req.TaskID, "error", err)
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return
			}
			p.Breaker().RecordSuccess()
			mu.Lock()
			accepted++
			mu.Unlock()
			slog.Info("Deferral accepted",
				"provider", p.Name, "handler", handler, "task_id", req.TaskID, "deferral_id", id)
		}(p)
	}
	wg.Wait()

	if accepted == 0 {
		return false, fmt.Errorf("every wise authority provider rejected the deferral: %w", lastErr)
	}
	return true, nil
}

// deferralTargets returns every available provider advertising the
// send_deferral capability and implementing DeferralHandler.
func (b *WiseBus) deferralTargets() []*registry.ServiceProvider {
	providers := b.Registry().AvailableProviders(models.ServiceTypeWiseAuthority)
	out := make([]*registry.ServiceProvider, 0, len(providers))
	for _, p := range providers {
		if !p.HasCapabilities([]string{CapabilitySendDeferral}) {
			continue
		}
		if _, ok := p.Instance.(DeferralHandler); !ok {
			slog.Warn("Provider advertises send_deferral but does not implement DeferralHandler",
				"provider", p.Name)
			continue
		}
		out = append(out, p)
	}
	return out
}

// FetchGuidance asks the first suitable wise authority provider for
// guidance. Single-target: the first passing candidate wins.
func (b *WiseBus) FetchGuidance(ctx context.Context, req models.GuidanceRequest, handler string) (models.GuidanceResponse, error) {
	p := b.Registry().GetProvider(ctx, models.ServiceTypeWiseAuthority, CapabilityFetchGuidance)
	if p == nil {
		return models.GuidanceResponse{}, fmt.Errorf("%w: no wise authority provider offers guidance", ErrServiceUnavailable)
	}
	source, ok := p.Instance.(GuidanceSource)
	if !ok {
		return models.GuidanceResponse{}, fmt.Errorf("provider %s does not implement GuidanceSource", p.Name)
	}

	resp, err := source.FetchGuidance(ctx, req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.Breaker().RecordFailure()
		}
		return models.GuidanceResponse{}, fmt.Errorf("guidance fetch failed on %s: %w", p.Name, err)
	}
	p.Breaker().RecordSuccess()
	return resp, nil
}

// RequestReview is sugar over SendDeferral for ad-hoc review requests
// that are not bound to an existing task decision.
func (b *WiseBus) RequestReview(ctx context.Context, reviewType string, data map[string]string, handler string) (bool, error) {
	return b.SendDeferral(ctx, DeferralContext{
		TaskID:    data["task_id"],
		ThoughtID: data["thought_id"],
		Reason:    fmt.Sprintf("review requested: %s", reviewType),
		Context:   data,
	}, handler)
}
