package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"relaychat/internal/membership"
	"relaychat/internal/registry"
	"relaychat/internal/router"
	"relaychat/internal/testutil"
	"relaychat/pkg/types"
)

type fixture struct {
	store    *testutil.MemStore
	registry *registry.Registry
	relay    *Relay
}

func newFixture(t *testing.T, strict bool) *fixture {
	t.Helper()
	store := testutil.NewMemStore()
	reg := registry.New()
	members := membership.New(store, 0, nil)
	rt := router.New(reg, members, nil)
	return &fixture{store: store, registry: reg, relay: New(members, rt, strict, nil)}
}

func (f *fixture) connect(userID int64) *testutil.FakeConn {
	c := testutil.NewFakeConn(userID)
	f.registry.Register(c)
	return c
}

// A calls in a group of A, B, C: B and C each get one call_offer, A gets
// nothing.
func TestRelay_OfferReachesOtherParticipants(t *testing.T) {
	f := newFixture(t, true)
	a := f.store.AddUser("a")
	b := f.store.AddUser("b")
	c := f.store.AddUser("c")
	outsider := f.store.AddUser("d")
	chat := f.store.AddChat(types.ChatTypeGroup, a, b, c)

	ca, cb1, cb2, cc, cd := f.connect(a), f.connect(b), f.connect(b), f.connect(c), f.connect(outsider)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	n, err := f.relay.Offer(context.Background(), a, chat, offer)
	if err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 recipients, got %d", n)
	}

	for name, conn := range map[string]*testutil.FakeConn{"b tab 1": cb1, "b tab 2": cb2, "c": cc} {
		got := conn.Named(types.EventCallOffer)
		if len(got) != 1 {
			t.Fatalf("%s received %d offers", name, len(got))
		}
		var payload types.CallOfferPayload
		json.Unmarshal(got[0].Data, &payload)
		if payload.ChatID != chat || payload.CallerID != a || string(payload.Offer) != string(offer) {
			t.Errorf("%s got payload %+v", name, payload)
		}
	}
	if len(ca.Events()) != 0 || len(cd.Events()) != 0 {
		t.Error("caller and outsider must receive nothing")
	}
}

func TestRelay_OfferDeniedForOutsider(t *testing.T) {
	f := newFixture(t, false)
	a := f.store.AddUser("a")
	b := f.store.AddUser("b")
	outsider := f.store.AddUser("c")
	chat := f.store.AddChat(types.ChatTypeDirect, a, b)
	cb := f.connect(b)

	_, err := f.relay.Offer(context.Background(), outsider, chat, json.RawMessage(`{}`))
	if !errors.Is(err, types.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if len(cb.Events()) != 0 {
		t.Error("denied offer must not be relayed")
	}
}

func TestRelay_AnswerAndCandidate(t *testing.T) {
	f := newFixture(t, true)
	a := f.store.AddUser("a")
	b := f.store.AddUser("b")
	chat := f.store.AddChat(types.ChatTypeDirect, a, b)
	ca, cb := f.connect(a), f.connect(b)
	ctx := context.Background()

	if err := f.relay.Answer(ctx, b, chat, a, json.RawMessage(`{"sdp":"ans"}`)); err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	var answer types.CallAnswerPayload
	if err := ca.Last(types.EventCallAnswer, &answer); err != nil {
		t.Fatal(err)
	}
	if answer.AnswererID != b || answer.ChatID != chat || string(answer.Answer) != `{"sdp":"ans"}` {
		t.Errorf("unexpected answer payload %+v", answer)
	}

	if err := f.relay.ICECandidate(ctx, a, chat, b, json.RawMessage(`{"candidate":"c1"}`)); err != nil {
		t.Fatalf("ICECandidate() error = %v", err)
	}
	var ice types.ICECandidatePayload
	if err := cb.Last(types.EventICECandidate, &ice); err != nil {
		t.Fatal(err)
	}
	if ice.SenderID != a || string(ice.Candidate) != `{"candidate":"c1"}` {
		t.Errorf("unexpected candidate payload %+v", ice)
	}
}

func TestRelay_StrictModeChecksBothEnds(t *testing.T) {
	a, b, outsider := int64(0), int64(0), int64(0)
	setup := func(strict bool) (*fixture, int64, *testutil.FakeConn) {
		f := newFixture(t, strict)
		a = f.store.AddUser("a")
		b = f.store.AddUser("b")
		outsider = f.store.AddUser("c")
		chat := f.store.AddChat(types.ChatTypeDirect, a, b)
		return f, chat, f.connect(outsider)
	}
	ctx := context.Background()

	f, chat, co := setup(true)
	if err := f.relay.ICECandidate(ctx, a, chat, outsider, json.RawMessage(`{}`)); !errors.Is(err, types.ErrAccessDenied) {
		t.Errorf("strict: candidate to outsider should be denied, got %v", err)
	}
	if err := f.relay.Answer(ctx, outsider, chat, a, json.RawMessage(`{}`)); !errors.Is(err, types.ErrAccessDenied) {
		t.Errorf("strict: answer from outsider should be denied, got %v", err)
	}
	if len(co.Events()) != 0 {
		t.Error("strict: outsider must receive nothing")
	}

	f, chat, co = setup(false)
	if err := f.relay.ICECandidate(ctx, a, chat, outsider, json.RawMessage(`{}`)); err != nil {
		t.Errorf("relaxed: candidate should pass through, got %v", err)
	}
	if len(co.Named(types.EventICECandidate)) != 1 {
		t.Error("relaxed: outsider should receive the candidate")
	}
}

func TestRelay_MissingTarget(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	if err := f.relay.Answer(ctx, 1, 1, 0, nil); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected validation error for missing caller_id, got %v", err)
	}
	if err := f.relay.ICECandidate(ctx, 1, 1, 0, nil); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected validation error for missing target_id, got %v", err)
	}
}

func TestRelay_End(t *testing.T) {
	f := newFixture(t, true)
	a := f.store.AddUser("a")
	b := f.store.AddUser("b")
	c := f.store.AddUser("c")
	chat := f.store.AddChat(types.ChatTypeGroup, a, b, c)
	ca, cb, cc := f.connect(a), f.connect(b), f.connect(c)

	n, err := f.relay.End(context.Background(), b, chat)
	if err != nil || n != 2 {
		t.Fatalf("End() = %d, %v", n, err)
	}

	var payload types.CallEndPayload
	if err := ca.Last(types.EventCallEnd, &payload); err != nil || payload.EndedBy != b {
		t.Errorf("a got %+v, %v", payload, err)
	}
	if len(cc.Named(types.EventCallEnd)) != 1 || len(cb.Events()) != 0 {
		t.Error("call_end must reach others only")
	}
}

func TestRelay_OfflineParticipantIsSilent(t *testing.T) {
	f := newFixture(t, true)
	a := f.store.AddUser("a")
	b := f.store.AddUser("b")
	chat := f.store.AddChat(types.ChatTypeDirect, a, b)

	n, err := f.relay.Offer(context.Background(), a, chat, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("offer to an offline participant should not fail, got %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 addressed participant, got %d", n)
	}
}

func TestPassthroughNull(t *testing.T) {
	if string(passthrough(nil)) != "null" {
		t.Error("missing body should relay as null")
	}
}
