package authkernel

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrEthical07/authkernel/broadcast"
	"github.com/MrEthical07/authkernel/events"
)

const tabSyncPublishTimeout = 5 * time.Second

// TabSync is the tab-sync plugin. It announces local login, refresh and logout
// to peer kernels over a broadcast.Broadcaster and applies peer announcements
// locally. Applied changes carry the source "tab-sync" and are not announced
// again. Delivery is best effort.
type TabSync struct {
	bc     broadcast.Broadcaster
	origin string

	kernel *Kernel
	logger *slog.Logger
	detach []func()
}

// NewTabSync returns a tab-sync plugin publishing on bc.
func NewTabSync(bc broadcast.Broadcaster) *TabSync {
	return &TabSync{bc: bc, origin: uuid.NewString()}
}

func (t *TabSync) Name() string    { return PluginTabSync }
func (t *TabSync) Version() string { return Version }
func (t *TabSync) Kind() Kind      { return KindSync }

// Origin returns the id this kernel stamps on its messages.
func (t *TabSync) Origin() string { return t.origin }

// Install subscribes to the broadcaster and to local token events.
func (t *TabSync) Install(k *Kernel) (any, error) {
	if t.bc == nil {
		return nil, ErrInvalidPlugin
	}
	t.kernel = k
	t.logger = k.logger.With("plugin", PluginTabSync, "origin", t.origin)

	cancel, err := t.bc.Subscribe(t.receive)
	if err != nil {
		return nil, err
	}
	t.detach = []func(){
		cancel,
		k.OnFunc(events.TypeLogin, t.announceSet),
		k.OnFunc(events.TypeRefresh, t.announceSet),
		k.OnFunc(events.TypeLogout, t.announceClear),
	}
	return t, nil
}

// Uninstall stops publishing and receiving. The broadcaster stays open.
func (t *TabSync) Uninstall() error {
	for _, fn := range t.detach {
		fn()
	}
	t.detach = nil
	return nil
}

func (t *TabSync) announceSet(ctx context.Context, e events.Event) error {
	if e.Source == PluginTabSync {
		return nil
	}
	set, ok := t.kernel.currentTokens()
	if !ok {
		return nil
	}
	payload, err := json.Marshal(set)
	if err != nil {
		return err
	}
	return t.publish(ctx, broadcast.ActionSet, payload)
}

func (t *TabSync) announceClear(ctx context.Context, e events.Event) error {
	if e.Source == PluginTabSync {
		return nil
	}
	return t.publish(ctx, broadcast.ActionClear, nil)
}

func (t *TabSync) publish(ctx context.Context, action string, payload json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, tabSyncPublishTimeout)
	defer cancel()
	return t.bc.Publish(ctx, broadcast.Message{
		Origin:  t.origin,
		Action:  action,
		Payload: payload,
		SentAt:  t.kernel.clock.Now(),
	})
}

func (t *TabSync) receive(msg broadcast.Message) {
	if msg.Origin == t.origin || t.kernel.Destroyed() {
		return
	}
	ctx := context.Background()

	switch msg.Action {
	case broadcast.ActionSet:
		var set StoredTokenSet
		if err := json.Unmarshal(msg.Payload, &set); err != nil {
			t.logger.Warn("ignoring malformed peer token message", "peer", msg.Origin, "error", err)
			return
		}
		if err := t.kernel.restoreTokens(ctx, set, true); err != nil {
			t.logger.Warn("applying peer tokens failed", "peer", msg.Origin, "error", err)
			return
		}
		if t.kernel.Options().Refresh.AutoRefresh {
			if r, ok := t.kernel.refresher(); ok {
				r.ScheduleRefresh()
			}
		}
	case broadcast.ActionClear:
		if err := t.kernel.logout(ctx, "peer logout", PluginTabSync); err != nil {
			return
		}
	default:
		t.logger.Debug("ignoring unknown peer action", "peer", msg.Origin, "action", msg.Action)
		return
	}

	t.kernel.emit(events.TabSync{Action: msg.Action, Origin: msg.Origin}, PluginTabSync)
}
