// Package forward relays keyword messages from group members into new
// one-time broadcasts to a destination group.
package forward

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"broadcastd/internal/eventbus"
	"broadcastd/internal/metrics"
	"broadcastd/internal/model"
	"broadcastd/internal/storage"
	"broadcastd/internal/transport"
	logx "broadcastd/pkg/logx"
)

const (
	NotRegistered = "Sorry, your mobile number is not registered in the required group for this keyword."
	ThankYou      = "Thank you, your message has been queued for delivery."
)

// Forwarding outcomes as recorded in metrics.
const (
	OutcomeQueued        = "queued"
	OutcomeNotRegistered = "not_registered"
	OutcomeNoMatch       = "no_match"
	OutcomeError         = "error"
)

type Store interface {
	ListRules(ctx context.Context) ([]model.ForwardingRule, error)
	ContactByConnection(ctx context.Context, backend, identity string) (model.Contact, error)
	InGroup(ctx context.Context, contactID, groupID int64) (bool, error)
	CreateBroadcast(ctx context.Context, b model.Broadcast) (model.Broadcast, error)
}

// Responder answers the sender of an inbound message. *transport.Router implements it.
type Responder interface {
	Reply(ctx context.Context, in transport.Inbound, text string) error
}

// Conflict is a keyword claimed by more than one rule. Winner is the rule used.
type Conflict struct {
	Keyword string
	Winner  int64
	Losers  []int64
}

// BuildIndex maps lowercased keywords to rules. When several rules share a
// keyword the one with the lowest id wins.
func BuildIndex(rules []model.ForwardingRule) (map[string]model.ForwardingRule, []Conflict) {
	sorted := append([]model.ForwardingRule(nil), rules...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	idx := make(map[string]model.ForwardingRule, len(sorted))
	losers := map[string][]int64{}
	for _, r := range sorted {
		k := r.NormalizedKeyword()
		if k == "" {
			continue
		}
		if _, taken := idx[k]; taken {
			losers[k] = append(losers[k], r.ID)
			continue
		}
		idx[k] = r
	}

	var conflicts []Conflict
	for k, ids := range losers {
		conflicts = append(conflicts, Conflict{Keyword: k, Winner: idx[k].ID, Losers: ids})
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Keyword < conflicts[j].Keyword })
	return idx, conflicts
}

type Deps struct {
	Store     Store
	Responder Responder
	Log       logx.Logger
	Bus       *eventbus.Bus
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

type Engine struct {
	store   Store
	resp    Responder
	log     logx.Logger
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	clock   func() time.Time
}

var _ transport.Handler = (*Engine)(nil)

func New(deps Deps) *Engine {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Engine{
		store:   deps.Store,
		resp:    deps.Responder,
		log:     deps.Log,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		clock:   deps.Clock,
	}
}

// Forwarded is published on the bus after a forward is queued.
type Forwarded struct {
	RuleID      int64
	BroadcastID int64
	From        transport.Destination
}

// Handle implements transport.Handler.
func (e *Engine) Handle(ctx context.Context, in transport.Inbound) (bool, error) {
	words := strings.Fields(in.Text)
	if len(words) == 0 {
		return false, nil
	}
	keyword := strings.ToLower(words[0])

	rules, err := e.store.ListRules(ctx)
	if err != nil {
		e.metrics.ObserveForward(OutcomeError)
		return false, fmt.Errorf("load forwarding rules: %w", err)
	}
	idx, conflicts := BuildIndex(rules)
	for _, c := range conflicts {
		if c.Keyword == keyword {
			e.log.Debug("duplicate keyword; lowest id wins",
				logx.String("keyword", c.Keyword), logx.Int64("rule_id", c.Winner), logx.Any("ignored", c.Losers))
		}
	}
	rule, ok := idx[keyword]
	if !ok {
		e.metrics.ObserveForward(OutcomeNoMatch)
		return false, nil
	}

	from := in.Destination()
	contact, allowed, err := e.authorize(ctx, in, rule)
	if err != nil {
		e.metrics.ObserveForward(OutcomeError)
		return true, err
	}
	if !allowed {
		e.metrics.ObserveForward(OutcomeNotRegistered)
		e.log.Info("forward refused; sender not in source group",
			logx.String("from", from.String()), logx.Int64("rule_id", rule.ID))
		e.reply(ctx, in, NotRegistered)
		return true, nil
	}

	now := e.clock()
	draft := model.Draft{
		When:   model.WhenNow,
		Body:   Body(contact.Name, in.Identity, rule.Message, words[1:]),
		Groups: []int64{rule.DestGroupID},
	}
	nb, err := draft.Resolve(now)
	if err != nil {
		e.metrics.ObserveForward(OutcomeError)
		return true, fmt.Errorf("resolve forwarded broadcast: %w", err)
	}
	nb.ForwardID = &rule.ID
	b, err := e.store.CreateBroadcast(ctx, nb)
	if err != nil {
		e.metrics.ObserveForward(OutcomeError)
		return true, fmt.Errorf("create forwarded broadcast: %w", err)
	}

	e.metrics.ObserveForward(OutcomeQueued)
	e.bus.Publish(eventbus.Event{
		Type: eventbus.TypeForwarded,
		Time: now,
		Data: Forwarded{RuleID: rule.ID, BroadcastID: b.ID, From: from},
	})
	e.log.Info("forward queued",
		logx.Int64("rule_id", rule.ID),
		logx.Int64("broadcast_id", b.ID),
		logx.String("from", from.String()))
	e.reply(ctx, in, ThankYou)
	return true, nil
}

// authorize resolves the sender and checks source group membership. An
// unknown sender is not an error.
func (e *Engine) authorize(ctx context.Context, in transport.Inbound, rule model.ForwardingRule) (model.Contact, bool, error) {
	contact, err := e.store.ContactByConnection(ctx, in.Backend, in.Identity)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Contact{}, false, nil
	}
	if err != nil {
		return model.Contact{}, false, fmt.Errorf("lookup sender: %w", err)
	}
	ok, err := e.store.InGroup(ctx, contact.ID, rule.SourceGroupID)
	if err != nil {
		return model.Contact{}, false, fmt.Errorf("check source group: %w", err)
	}
	return contact, ok, nil
}

func (e *Engine) reply(ctx context.Context, in transport.Inbound, text string) {
	if e.resp == nil {
		return
	}
	if err := e.resp.Reply(ctx, in, text); err != nil {
		e.log.Warn("reply failed", logx.String("to", in.Destination().String()), logx.Err(err))
	}
}

// Body formats a forwarded message: "From {name} ({identity}): " followed by
// the rule message and the sender's text, skipping empty parts.
func Body(name, identity, ruleMessage string, rest []string) string {
	parts := make([]string, 0, 2)
	if ruleMessage != "" {
		parts = append(parts, ruleMessage)
	}
	if text := strings.Join(rest, " "); text != "" {
		parts = append(parts, text)
	}
	return fmt.Sprintf("From %s (%s): %s", name, identity, strings.Join(parts, " "))
}

// CheckRules logs keyword conflicts and returns them.
func (e *Engine) CheckRules(ctx context.Context) ([]Conflict, error) {
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load forwarding rules: %w", err)
	}
	_, conflicts := BuildIndex(rules)
	for _, c := range conflicts {
		e.log.Warn("forwarding rules share a keyword; lowest id wins",
			logx.String("keyword", c.Keyword),
			logx.Int64("rule_id", c.Winner),
			logx.Any("ignored", c.Losers))
	}
	return conflicts, nil
}
