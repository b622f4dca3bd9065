package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/go-claw-gateway/internal/bus"
	"github.com/basket/go-claw-gateway/internal/persistence"
)

func nextEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for bus event")
		return bus.Event{}
	}
}

func TestPairing_RequestReusesPending(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("pairing.")
	defer b.Unsubscribe(sub)
	store, _ := openTestStore(t, b)
	ctx := context.Background()

	in := persistence.PairingInput{
		DeviceID:       "dev-1",
		PublicKey:      "pk",
		DeviceMetadata: persistence.DeviceMetadata{DisplayName: "Phone", Platform: "ios", Role: "node"},
	}
	first, created, err := store.RequestPairing(ctx, in)
	if err != nil || !created {
		t.Fatalf("first request: created=%v err=%v", created, err)
	}
	ev := nextEvent(t, sub)
	if ev.Topic != bus.TopicPairingRequested {
		t.Fatalf("topic = %s", ev.Topic)
	}

	in.DisplayName = "Renamed"
	second, created, err := store.RequestPairing(ctx, in)
	if err != nil || created {
		t.Fatalf("second request: created=%v err=%v", created, err)
	}
	if second.RequestID != first.RequestID || second.DisplayName != "Renamed" {
		t.Fatalf("expected refreshed pending request, got %+v", second)
	}

	pending, paired, err := store.ListPairing(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].DisplayName != "Renamed" || len(paired) != 0 {
		t.Fatalf("pending=%+v paired=%+v", pending, paired)
	}
}

func TestPairing_ApproveIssuesToken(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicPairingResolved)
	defer b.Unsubscribe(sub)
	store, _ := openTestStore(t, b)
	ctx := context.Background()

	req, _, err := store.RequestPairing(ctx, persistence.PairingInput{
		DeviceID:       "dev-1",
		PublicKey:      "pk",
		DeviceMetadata: persistence.DeviceMetadata{Role: "node", Scopes: []string{"a", "b"}},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	dev, resolved, err := store.ApprovePairing(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if dev.Token == "" || resolved.Status != persistence.PairingApproved {
		t.Fatalf("unexpected approval: %+v %+v", dev, resolved)
	}
	ev := nextEvent(t, sub)
	pe, ok := ev.Payload.(bus.PairingEvent)
	if !ok || pe.Decision != persistence.PairingApproved || pe.DeviceID != "dev-1" {
		t.Fatalf("unexpected resolved event: %#v", ev.Payload)
	}

	got, found, err := store.PairedDevice(ctx, "dev-1")
	if err != nil || !found {
		t.Fatalf("paired lookup: found=%v err=%v", found, err)
	}
	if got.PublicKey != "pk" || got.Token != dev.Token || len(got.Scopes) != 2 {
		t.Fatalf("paired device = %+v", got)
	}

	if _, _, err := store.ApprovePairing(ctx, req.RequestID); !errors.Is(err, persistence.ErrPairingResolved) {
		t.Fatalf("second approve: %v", err)
	}
	if _, err := store.RejectPairing(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("reject missing: %v", err)
	}
}

func TestPairing_RejectLeavesDeviceUnpaired(t *testing.T) {
	store, _ := openTestStore(t, nil)
	ctx := context.Background()

	req, _, err := store.RequestPairing(ctx, persistence.PairingInput{DeviceID: "dev-2"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := store.RejectPairing(ctx, req.RequestID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, found, _ := store.PairedDevice(ctx, "dev-2"); found {
		t.Fatal("rejected device must not be paired")
	}

	again, created, err := store.RequestPairing(ctx, persistence.PairingInput{DeviceID: "dev-2"})
	if err != nil || !created || again.RequestID == req.RequestID {
		t.Fatalf("expected a new request after rejection: %+v created=%v err=%v", again, created, err)
	}
}

func TestPairing_ExpireOldRequests(t *testing.T) {
	store, _ := openTestStore(t, nil)
	ctx := context.Background()
	now := time.UnixMilli(10_000_000)
	store.SetClock(func() time.Time { return now })

	if _, _, err := store.RequestPairing(ctx, persistence.PairingInput{DeviceID: "old"}); err != nil {
		t.Fatalf("request: %v", err)
	}
	now = now.Add(4 * time.Minute)
	if _, _, err := store.RequestPairing(ctx, persistence.PairingInput{DeviceID: "new"}); err != nil {
		t.Fatalf("request: %v", err)
	}
	now = now.Add(2 * time.Minute)

	n, err := store.ExpirePairing(ctx, 5*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("expire = %d, %v", n, err)
	}
	pending, _, err := store.ListPairing(ctx)
	if err != nil || len(pending) != 1 || pending[0].DeviceID != "new" {
		t.Fatalf("pending after expiry = %+v (%v)", pending, err)
	}
}

func TestDevices_UpdateMetadata(t *testing.T) {
	store, _ := openTestStore(t, nil)
	ctx := context.Background()

	if err := store.UpdateDeviceMetadata(ctx, "ghost", persistence.DeviceMetadata{Platform: "x"}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("update unknown device: %v", err)
	}

	req, _, _ := store.RequestPairing(ctx, persistence.PairingInput{
		DeviceID:       "dev-1",
		DeviceMetadata: persistence.DeviceMetadata{DisplayName: "Phone", Platform: "ios"},
	})
	if _, _, err := store.ApprovePairing(ctx, req.RequestID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := store.UpdateDeviceMetadata(ctx, "dev-1", persistence.DeviceMetadata{RemoteIP: "10.0.0.2"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	dev, err := store.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if dev.RemoteIP != "10.0.0.2" || dev.DisplayName != "Phone" || dev.Platform != "ios" {
		t.Fatalf("metadata = %+v", dev)
	}
}
