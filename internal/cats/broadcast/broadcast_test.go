package broadcast

import (
	"sync"
	"testing"

	"github.com/Cifrazia/cats-go/internal/cats/action"
)

type fakeSub struct {
	id       string
	mu       sync.Mutex
	received []*action.Envelope
}

func (f *fakeSub) ID() string { return f.id }

func (f *fakeSub) Deliver(env *action.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, env)
}

func (f *fakeSub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func TestSubscribePublish(t *testing.T) {
	r := New()
	a := &fakeSub{id: "a"}
	b := &fakeSub{id: "b"}
	r.Subscribe("news", a)
	r.Subscribe("news", b)

	env := action.NewAction(1, 0x8000, action.DataBinary, action.CompressorNone, nil, []byte("hi"))
	r.Publish("news", env)

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("subscriber counts = %d, %d, want 1, 1", a.count(), b.count())
	}
}

func TestPublishUnknownChannelIsNoop(t *testing.T) {
	r := New()
	r.Publish("nothing-here", action.NewAction(1, 0x8000, action.DataBinary, action.CompressorNone, nil, nil))
}

func TestUnsubscribe(t *testing.T) {
	r := New()
	a := &fakeSub{id: "a"}
	r.Subscribe("news", a)
	r.Unsubscribe("news", a)
	r.Publish("news", action.NewAction(1, 0x8000, action.DataBinary, action.CompressorNone, nil, nil))
	if a.count() != 0 {
		t.Errorf("unsubscribed subscriber received %d deliveries, want 0", a.count())
	}
	if len(r.Channels()) != 0 {
		t.Errorf("Channels() = %v, want empty once the last subscriber leaves", r.Channels())
	}
}

func TestUnsubscribeAll(t *testing.T) {
	r := New()
	a := &fakeSub{id: "a"}
	r.Subscribe("news", a)
	r.Subscribe("sports", a)
	r.UnsubscribeAll(a)
	if subs := r.Subscribers("news") + r.Subscribers("sports"); subs != 0 {
		t.Errorf("subscriber counts after UnsubscribeAll = %d, want 0", subs)
	}
}

func TestChannelsAndSubscribers(t *testing.T) {
	r := New()
	a := &fakeSub{id: "a"}
	b := &fakeSub{id: "b"}
	r.Subscribe("news", a)
	r.Subscribe("news", b)
	if got := r.Subscribers("news"); got != 2 {
		t.Errorf("Subscribers(news) = %d, want 2", got)
	}
	channels := r.Channels()
	if len(channels) != 1 || channels[0] != "news" {
		t.Errorf("Channels() = %v, want [news]", channels)
	}
}
