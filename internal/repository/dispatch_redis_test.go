package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hybridcore/dispatchd/internal/model"
)

func testDispatchRepo(t *testing.T) *DispatchRepository {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewDispatchRepository(client)
}

// ─── Idempotency records ────────────────────────────────────

func TestClaimIdempotency_FirstUseClaims(t *testing.T) {
	repo := testDispatchRepo(t)
	ctx := context.Background()

	rec, claimed, err := repo.ClaimIdempotency(ctx, "scope", "k1", "hash-a", time.Hour)
	if err != nil {
		t.Fatalf("ClaimIdempotency: %v", err)
	}
	if !claimed || rec != nil {
		t.Errorf("first use: claimed=%v rec=%v, want true/nil", claimed, rec)
	}
}

func TestClaimIdempotency_SecondSeesPending(t *testing.T) {
	repo := testDispatchRepo(t)
	ctx := context.Background()

	if _, _, err := repo.ClaimIdempotency(ctx, "scope", "k1", "hash-a", time.Hour); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	rec, claimed, err := repo.ClaimIdempotency(ctx, "scope", "k1", "hash-b", time.Hour)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Errorf("second claim won the key")
	}
	if rec == nil || rec.Status != "pending" {
		t.Fatalf("second claim rec = %+v, want pending record", rec)
	}
	if rec.RequestHash != "hash-a" {
		t.Errorf("pending record hash = %q, want %q", rec.RequestHash, "hash-a")
	}
}

func TestFinishIdempotency_KeepsRequestHash(t *testing.T) {
	repo := testDispatchRepo(t)
	ctx := context.Background()

	if _, _, err := repo.ClaimIdempotency(ctx, "scope", "k1", "hash-a", time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.FinishIdempotency(ctx, "scope", "k1", "hash-a", 201, []byte(`{"id":"j1"}`)); err != nil {
		t.Fatalf("finish: %v", err)
	}

	// A later reuse of the key must still see the original request hash,
	// or a different body could replay the stored response.
	rec, claimed, err := repo.ClaimIdempotency(ctx, "scope", "k1", "hash-b", time.Hour)
	if err != nil {
		t.Fatalf("reuse claim: %v", err)
	}
	if claimed || rec == nil {
		t.Fatalf("reuse: claimed=%v rec=%v, want false/record", claimed, rec)
	}
	if rec.Status != "done" {
		t.Errorf("status = %q, want done", rec.Status)
	}
	if rec.RequestHash != "hash-a" {
		t.Errorf("done record hash = %q, want %q", rec.RequestHash, "hash-a")
	}
	if rec.Code != 201 || string(rec.Body) != `{"id":"j1"}` {
		t.Errorf("stored response = %d %s, want 201 {\"id\":\"j1\"}", rec.Code, rec.Body)
	}
}

func TestReleaseIdempotency_AllowsRetry(t *testing.T) {
	repo := testDispatchRepo(t)
	ctx := context.Background()

	if _, _, err := repo.ClaimIdempotency(ctx, "scope", "k1", "hash-a", time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.ReleaseIdempotency(ctx, "scope", "k1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, claimed, err := repo.ClaimIdempotency(ctx, "scope", "k1", "hash-a", time.Hour)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if !claimed {
		t.Errorf("released key was not claimable again")
	}
}

// ─── Offers and candidates ──────────────────────────────────

func TestClaimOffer_SingleWinner(t *testing.T) {
	repo := testDispatchRepo(t)
	ctx := context.Background()

	if err := repo.SetOffer(ctx, "j1", "c1", time.Now().Add(15*time.Second)); err != nil {
		t.Fatalf("SetOffer: %v", err)
	}

	won, err := repo.ClaimOffer(ctx, "j1", "c1")
	if err != nil {
		t.Fatalf("ClaimOffer: %v", err)
	}
	if !won {
		t.Errorf("first claim lost")
	}

	won, err = repo.ClaimOffer(ctx, "j1", "c1")
	if err != nil {
		t.Fatalf("second ClaimOffer: %v", err)
	}
	if won {
		t.Errorf("second claim won an already-consumed offer")
	}
	if _, err := repo.GetOffer(ctx, "j1"); !errors.Is(err, ErrNoOffer) {
		t.Errorf("GetOffer after claim = %v, want ErrNoOffer", err)
	}
}

func TestClaimOffer_WrongCaptainLoses(t *testing.T) {
	repo := testDispatchRepo(t)
	ctx := context.Background()

	if err := repo.SetOffer(ctx, "j1", "c1", time.Now().Add(15*time.Second)); err != nil {
		t.Fatalf("SetOffer: %v", err)
	}
	won, err := repo.ClaimOffer(ctx, "j1", "c2")
	if err != nil {
		t.Fatalf("ClaimOffer: %v", err)
	}
	if won {
		t.Errorf("wrong captain claimed the offer")
	}
	if _, err := repo.GetOffer(ctx, "j1"); err != nil {
		t.Errorf("offer gone after losing claim: %v", err)
	}
}

func TestCandidateQueue_PopsInOrder(t *testing.T) {
	repo := testDispatchRepo(t)
	ctx := context.Background()

	ranked := []model.RankedCaptain{
		{CaptainID: "best", Score: 1.0},
		{CaptainID: "next", Score: 2.0},
	}
	if err := repo.SetCandidates(ctx, "j1", ranked); err != nil {
		t.Fatalf("SetCandidates: %v", err)
	}

	first, err := repo.PopCandidate(ctx, "j1")
	if err != nil {
		t.Fatalf("PopCandidate: %v", err)
	}
	if first.CaptainID != "best" {
		t.Errorf("first pop = %s, want best", first.CaptainID)
	}

	if err := repo.ClearCandidates(ctx, "j1"); err != nil {
		t.Fatalf("ClearCandidates: %v", err)
	}
	if _, err := repo.PopCandidate(ctx, "j1"); !errors.Is(err, ErrNoCandidates) {
		t.Errorf("pop after clear = %v, want ErrNoCandidates", err)
	}
}

// ─── Rate limiting ──────────────────────────────────────────

func TestIncrRateLimit_CountsWithinWindow(t *testing.T) {
	repo := testDispatchRepo(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, retryAfter, err := repo.IncrRateLimit(ctx, "client:GET:/jobs", time.Minute)
		if err != nil {
			t.Fatalf("IncrRateLimit: %v", err)
		}
		if n != want {
			t.Errorf("count = %d, want %d", n, want)
		}
		if retryAfter <= 0 || retryAfter > time.Minute {
			t.Errorf("retryAfter = %s, want within (0, 1m]", retryAfter)
		}
	}
}
