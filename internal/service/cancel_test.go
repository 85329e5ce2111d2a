package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hybridcore/dispatchd/config"
	"github.com/hybridcore/dispatchd/internal/model"
	"github.com/hybridcore/dispatchd/internal/repository"
)

func refundCfg() config.PaymentConfig {
	return config.PaymentConfig{
		UserLateCancelPercent:     50,
		LateDeliveryRefundPercent: 20,
	}
}

func TestRefundPercent_Matrix(t *testing.T) {
	cfg := refundCfg()

	cases := []struct {
		name     string
		actor    model.CancelActor
		assigned bool
		late     bool
		want     int
	}{
		{"user before assign", model.CancelByUser, false, false, 100},
		{"user after assign", model.CancelByUser, true, false, 50},
		{"captain after assign", model.CancelByCaptain, true, false, 100},
		{"restaurant", model.CancelByRestaurant, false, false, 100},
		{"system", model.CancelBySystem, true, false, 100},
		{"admin", model.CancelByAdmin, true, false, 100},
		{"user after assign, late delivery", model.CancelByUser, true, true, 50},
	}
	for _, c := range cases {
		if got := refundPercent(c.actor, c.assigned, c.late, cfg); got != c.want {
			t.Errorf("%s: refundPercent = %d, want %d", c.name, got, c.want)
		}
	}
}

func TestRefundPercent_LateDeliveryFloor(t *testing.T) {
	// A zero post-assign policy still refunds the late-delivery floor.
	cfg := refundCfg()
	cfg.UserLateCancelPercent = 0

	if got := refundPercent(model.CancelByUser, true, true, cfg); got != 20 {
		t.Errorf("refundPercent = %d, want 20 (floored)", got)
	}
	if got := refundPercent(model.CancelByUser, true, false, cfg); got != 0 {
		t.Errorf("refundPercent without late flag = %d, want 0", got)
	}
}

func TestReleaseDispatchState_ClearsOfferCandidatesAndZone(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	dispatch := repository.NewDispatchRepository(client)

	svc := &CancelService{
		dispatch: dispatch,
		surge:    NewSurgeService(nil, nil, dispatch, nil, config.SurgeConfig{}),
	}

	ctx := context.Background()
	pickup := model.Location{Lat: 12.9716, Lon: 77.5946}

	if err := dispatch.SetOffer(ctx, "j1", "c1", time.Now().Add(15*time.Second)); err != nil {
		t.Fatalf("SetOffer: %v", err)
	}
	if err := dispatch.SetCandidates(ctx, "j1", []model.RankedCaptain{{CaptainID: "c2"}}); err != nil {
		t.Fatalf("SetCandidates: %v", err)
	}
	dispatch.CacheDemandSupply(ctx, ZoneKey(pickup), 4, 2)

	svc.releaseDispatchState(ctx, "j1", &pickup)

	if _, err := dispatch.GetOffer(ctx, "j1"); !errors.Is(err, repository.ErrNoOffer) {
		t.Errorf("offer survived the cancel: %v", err)
	}
	if _, err := dispatch.PopCandidate(ctx, "j1"); !errors.Is(err, repository.ErrNoCandidates) {
		t.Errorf("candidates survived the cancel: %v", err)
	}
	if _, _, ok := dispatch.CachedDemandSupply(ctx, ZoneKey(pickup)); ok {
		t.Errorf("zone cache survived the cancel")
	}
}

func TestReleaseDispatchState_NilPickupSkipsZone(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	dispatch := repository.NewDispatchRepository(client)

	svc := &CancelService{
		dispatch: dispatch,
		surge:    NewSurgeService(nil, nil, dispatch, nil, config.SurgeConfig{}),
	}

	// Orders carry no pickup on the job row; the cleanup must not panic.
	svc.releaseDispatchState(context.Background(), "j1", nil)
}
