package engine

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/openfroyo/offerd/pkg/offer"
)

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder()
	o := testOffer()
	ops := []offer.Recommendation{offer.Reserve(&o, o.Resources[0])}

	if err := r.Accept(ctx, o.ID, ops); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := r.Accept(ctx, o.ID, ops); !IsConflict(err) {
		t.Errorf("second accept of one offer: got %v, want conflict", err)
	}
	if err := r.Accept(ctx, "offer-2", nil); err == nil {
		t.Error("expected error for an empty accept")
	}
	if err := r.Decline(ctx, []string{"offer-3", "offer-4"}); err != nil {
		t.Fatalf("Decline: %v", err)
	}

	if diff := cmp.Diff([]string{"offer-1"}, r.AcceptedOffers()); diff != "" {
		t.Errorf("accepted mismatch (-want +got):\n%s", diff)
	}
	if got := r.Operations("offer-1"); len(got) != 1 || got[0].Type() != offer.OperationReserve {
		t.Errorf("unexpected operations %+v", got)
	}
	if diff := cmp.Diff([]string{"offer-3", "offer-4"}, r.Declined()); diff != "" {
		t.Errorf("declined mismatch (-want +got):\n%s", diff)
	}

	r.Reset()
	if len(r.AcceptedOffers()) != 0 || len(r.Declined()) != 0 {
		t.Error("Reset should forget all decisions")
	}
}

func TestCycleSummaryOffers(t *testing.T) {
	s := NewCycleSummary()
	s.Decisions["b"] = OfferAccepted
	s.Decisions["a"] = OfferAccepted
	s.Decisions["c"] = OfferDeclined
	s.Decisions["d"] = OfferCleaned

	if diff := cmp.Diff([]string{"a", "b"}, s.Offers(OfferAccepted)); diff != "" {
		t.Errorf("accepted mismatch (-want +got):\n%s", diff)
	}
	if !OfferCleaned.IsUsed() || OfferDeclined.IsUsed() {
		t.Error("IsUsed mismatch")
	}
	if err := OfferDecision("MAYBE").Validate(); err == nil {
		t.Error("expected invalid decision")
	}
}
