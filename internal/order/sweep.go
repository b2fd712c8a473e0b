package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// dispatchHorizon is now+ahead, but never past the end of the store's
// local day.
func dispatchHorizon(now time.Time, ahead time.Duration, loc *time.Location) time.Time {
	local := now.In(loc)
	horizon := local.Add(ahead)
	endOfDay := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc).Add(-time.Nanosecond)
	if horizon.After(endOfDay) {
		return endOfDay
	}
	return horizon
}

// DispatchSweep sends every confirmed order due before the horizon to the
// kitchen. All candidates are locked with one token, then processed in
// service time order. Each lease is renewed just before its order is sent,
// and orders taken over by someone else in the meantime are skipped.
func (s *service) DispatchSweep(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "order.DispatchSweep")
	defer span.End()

	horizon := dispatchHorizon(s.now(), s.cfg.DispatchAhead, s.cfg.Location)
	f := sendFilter()
	f.ServiceTo = &horizon

	token, n, err := s.locks.AcquireMany(ctx, f)
	if err != nil {
		log.Error().Ctx(ctx).Err(err).Msg("sweep: failed to lock orders for dispatch")
		return 0, fmt.Errorf("sweep: lock dispatch candidates: %w", err)
	}
	span.SetAttributes(attribute.Int64("orders.locked", n))
	if n == 0 {
		return 0, nil
	}

	orders, err := s.store.FindByLockToken(ctx, token)
	if err != nil {
		// The stale lock sweep frees these once the lease expires.
		log.Error().Ctx(ctx).Err(err).Int64("locked", n).Msg("sweep: failed to load locked orders")
		return 0, fmt.Errorf("sweep: load locked orders: %w", err)
	}

	sent := 0
	for _, o := range orders {
		// Earlier orders may have eaten into the shared lease.
		if err := s.locks.Renew(ctx, o); err != nil {
			if errors.Is(err, ErrLockLost) {
				log.Warn().Ctx(ctx).Str("order_id", o.ID).Msg("sweep: lock taken over before dispatch, skipping")
			} else {
				log.Error().Ctx(ctx).Err(err).Str("order_id", o.ID).Msg("sweep: failed to renew order lock")
			}
			continue
		}
		if _, err := s.execute(context.WithoutCancel(ctx), o, s.sendTransition()); err != nil {
			log.Error().Ctx(ctx).Err(err).Str("order_id", o.ID).Msg("sweep: failed to dispatch order")
			continue
		}
		sent++
	}

	log.Info().Ctx(ctx).Int("sent", sent).Int("locked", len(orders)).Time("horizon", horizon).Msg("sweep: dispatch finished")
	return sent, nil
}

// StaleOrderSweep completes remote orders left open a day after pickup.
func (s *service) StaleOrderSweep(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "order.StaleOrderSweep")
	defer span.End()

	now := s.now()
	remote, err := s.gateway.SearchRemoteOrders(ctx, RemoteOrderQuery{
		States:       []RemoteOrderState{RemoteOrderOpen},
		PickupAfter:  now.Add(-s.cfg.StaleOrderMaxAge),
		PickupBefore: now.Add(-s.cfg.StaleOrderMinAge),
	})
	if err != nil {
		log.Error().Ctx(ctx).Err(err).Msg("sweep: failed to search stale remote orders")
		return 0, fmt.Errorf("sweep: search stale remote orders: %w", err)
	}

	completed := 0
	for _, ro := range remote {
		key, err := newUUID()
		if err != nil {
			return completed, err
		}
		_, err = s.gateway.UpdateRemoteOrder(ctx, RemoteOrderUpdate{
			IdempotencyKey:   key,
			OrderID:          ro.ID,
			Version:          ro.Version,
			State:            RemoteOrderCompleted,
			FulfillmentState: string(FulfillmentCompleted),
		})
		if err != nil {
			log.Error().Ctx(ctx).Err(err).Str("remote_order_id", ro.ID).Msg("sweep: failed to complete stale remote order")
			continue
		}
		completed++
	}

	log.Info().Ctx(ctx).Int("completed", completed).Int("found", len(remote)).Msg("sweep: stale remote orders closed")
	return completed, nil
}

// IngestThirdPartyOrders imports orders placed through the configured
// third-party source as OPEN local orders.
func (s *service) IngestThirdPartyOrders(ctx context.Context) (int, error) {
	if s.cfg.ThirdPartySource == "" {
		return 0, nil
	}
	ctx, span := s.tracer.Start(ctx, "order.IngestThirdPartyOrders")
	defer span.End()

	now := s.now()
	remote, err := s.gateway.SearchRemoteOrders(ctx, RemoteOrderQuery{
		States:       []RemoteOrderState{RemoteOrderOpen},
		Sources:      []string{s.cfg.ThirdPartySource},
		UpdatedAfter: now.Add(-s.cfg.ThirdPartyLookback),
	})
	if err != nil {
		log.Error().Ctx(ctx).Err(err).Msg("sweep: failed to search third-party orders")
		return 0, fmt.Errorf("sweep: search third-party orders: %w", err)
	}
	if len(remote) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(remote))
	for _, ro := range remote {
		ids = append(ids, ro.ID)
	}
	existing, err := s.store.ExistingThirdPartyIDs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("sweep: check ingested orders: %w", err)
	}

	cfg, err := s.catalog.Fulfillment(ctx, s.cfg.ThirdPartyService)
	if err != nil {
		return 0, fmt.Errorf("sweep: load third-party fulfillment %s: %w", s.cfg.ThirdPartyService, err)
	}

	var orders []*Order
	for _, ro := range remote {
		if existing[ro.ID] {
			continue
		}
		o, err := s.ingested(ctx, ro, cfg, now)
		if err != nil {
			log.Warn().Ctx(ctx).Err(err).Str("remote_order_id", ro.ID).Msg("sweep: skipping third-party order")
			continue
		}
		orders = append(orders, o)
	}

	inserted, err := s.store.CreateMany(ctx, orders)
	if err != nil {
		log.Error().Ctx(ctx).Err(err).Msg("sweep: failed to insert third-party orders")
		return inserted, fmt.Errorf("sweep: insert third-party orders: %w", err)
	}

	log.Info().Ctx(ctx).Int("inserted", inserted).Int("candidates", len(orders)).Str("source", s.cfg.ThirdPartySource).Msg("sweep: third-party orders ingested")
	return inserted, nil
}

func (s *service) ingested(ctx context.Context, ro RemoteOrder, cfg *FulfillmentConfig, now time.Time) (*Order, error) {
	cart, err := s.catalog.MapRemoteLineItems(ctx, ro.LineItems)
	if err != nil {
		return nil, fmt.Errorf("map line items: %w", err)
	}
	if len(cart) == 0 {
		return nil, fmt.Errorf("no mappable line items")
	}

	pickup := ro.PickupAt
	if pickup.IsZero() || pickup.Before(now) {
		pickup = now
	}
	slot, ok := cfg.NextSlot(pickup.In(s.cfg.Location))
	if !ok {
		return nil, fmt.Errorf("no slot available after %s", pickup)
	}

	id, err := newUUID()
	if err != nil {
		return nil, err
	}

	given, family, _ := strings.Cut(ro.CustomerName, " ")
	o := &Order{
		ID:       id,
		Status:   StatusOpen,
		Customer: CustomerInfo{GivenName: given, FamilyName: family},
		Fulfillment: Fulfillment{
			SelectedService: cfg.ID,
			Status:          FulfillmentProposed,
			ThirdParty: &ThirdPartyInfo{
				Source:        s.cfg.ThirdPartySource,
				RemoteOrderID: ro.ID,
				ShortCode:     ro.ReferenceID,
			},
		},
		Cart:      cart,
		Total:     ro.Total,
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.SetServiceTime(slot)
	o.SetMeta(MetaRemoteOrderID, ro.ID)
	o.SetMeta(MetaThirdPartySource, s.cfg.ThirdPartySource)
	return o, nil
}

// ReleaseStaleLocks frees leases whose holder died and tells the operator.
func (s *service) ReleaseStaleLocks(ctx context.Context) (int, error) {
	ids, err := s.locks.ReleaseStale(ctx)
	if err != nil {
		log.Error().Ctx(ctx).Err(err).Msg("sweep: failed to release stale locks")
		return 0, fmt.Errorf("sweep: release stale locks: %w", err)
	}
	if len(ids) > 0 {
		log.Warn().Ctx(ctx).Strs("order_ids", ids).Msg("sweep: released stale order locks")
		s.alert(ctx, fmt.Sprintf("Released %d stale order locks", len(ids)), strings.Join(ids, "\n"))
	}
	return len(ids), nil
}
