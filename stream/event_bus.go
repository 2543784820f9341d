// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package stream implements the process-wide event bus plugins and the host
// publish through. Topics are dot-segmented strings; subscriptions may name
// an exact topic or a pattern where '*' matches exactly one segment.
package stream

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/hashicorp/go-set/v3"
	"github.com/jonboulle/clockwork"

	"github.com/hashicorp/pluginhost/helper/uuid"
	"github.com/hashicorp/pluginhost/structs"
)

// MetadataPluginID is the subscription metadata key carrying the owning
// plugin id. The registry unsubscribes by this key on deactivation.
const MetadataPluginID = "plugin_id"

// MetadataHandler is the subscription metadata key carrying the plugin
// handler name the subscription dispatches to.
const MetadataHandler = "handler"

// Handler is invoked for every event delivered to a subscription. A handler
// error is logged with the subscription's metadata and does not abort
// dispatch to other subscribers.
type Handler func(ctx context.Context, event *Event) error

// Event is a single publication on the bus.
type Event struct {
	Topic     string
	Payload   any
	Source    string
	Timestamp time.Time
}

// SubscribeOptions carries optional subscription settings.
type SubscribeOptions struct {
	// Priority breaks registration-order ties within a single publication;
	// higher priorities are dispatched first.
	Priority int

	// Metadata tags the subscription, typically with the owner plugin id and
	// handler name.
	Metadata map[string]string
}

// PublishOptions carries optional publication settings.
type PublishOptions struct {
	// Source annotates the event for audit attribution. Defaults to "host".
	Source string
}

// Subscription is the bookkeeping record for a registered handler.
type Subscription struct {
	ID       string
	Topic    string
	Pattern  bool
	Priority int
	Metadata map[string]string

	handler Handler
	seq     uint64
}

// Config is used to configure the event bus.
type Config struct {
	Logger log.Logger
	Clock  clockwork.Clock
}

// EventBus is a process-wide broker. All methods are safe for concurrent
// use. Dispatch within a publication runs inline on the publisher goroutine,
// in registration order with priority-descending tie breaks, against a
// snapshot of the subscriber table taken at publish time.
type EventBus struct {
	logger log.Logger
	clock  clockwork.Clock

	mu      sync.RWMutex
	subs    map[string]*Subscription
	nextSeq uint64
	down    bool
}

// NewEventBus returns a ready event bus.
func NewEventBus(c *Config) *EventBus {
	clock := c.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EventBus{
		logger: c.Logger.Named("event_bus"),
		clock:  clock,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe registers a handler for an exact topic and returns the
// subscription id.
func (b *EventBus) Subscribe(topic string, handler Handler, opts *SubscribeOptions) (string, error) {
	return b.subscribe(topic, handler, opts, false)
}

// SubscribePattern registers a handler for a dot-segmented pattern where '*'
// matches a single segment: "plugins.*" matches "plugins.installed" but not
// "plugins.lifecycle.activated".
func (b *EventBus) SubscribePattern(pattern string, handler Handler, opts *SubscribeOptions) (string, error) {
	return b.subscribe(pattern, handler, opts, true)
}

func (b *EventBus) subscribe(topic string, handler Handler, opts *SubscribeOptions, pattern bool) (string, error) {
	if topic == "" {
		return "", structs.ErrInvalidTopic
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return "", structs.ErrBusShutdown
	}

	sub := &Subscription{
		ID:      uuid.Generate(),
		Topic:   topic,
		Pattern: pattern,
		handler: handler,
		seq:     b.nextSeq,
	}
	b.nextSeq++
	if opts != nil {
		sub.Priority = opts.Priority
		if opts.Metadata != nil {
			sub.Metadata = make(map[string]string, len(opts.Metadata))
			for k, v := range opts.Metadata {
				sub.Metadata[k] = v
			}
		}
	}
	b.subs[sub.ID] = sub

	b.logger.Trace("subscribed", "topic", topic, "subscription_id", sub.ID,
		"pattern", pattern, "plugin_id", sub.Metadata[MetadataPluginID])
	return sub.ID, nil
}

// Unsubscribe removes a subscription. It is idempotent.
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// UnsubscribeMatching removes every subscription the predicate selects and
// returns how many were removed. Used by the registry to drop all of a
// plugin's subscriptions on deactivation.
func (b *EventBus) UnsubscribeMatching(pred func(*Subscription) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, sub := range b.subs {
		if pred(sub) {
			delete(b.subs, id)
			n++
		}
	}
	return n
}

// Publish delivers the payload to every subscription matching the topic at
// the moment of publish. It returns the number of handlers invoked. Handler
// errors and panics are logged and suppressed; they never abort dispatch to
// the remaining subscribers.
func (b *EventBus) Publish(ctx context.Context, topic string, payload any, opts *PublishOptions) (int, error) {
	if topic == "" {
		return 0, structs.ErrInvalidTopic
	}

	source := "host"
	if opts != nil && opts.Source != "" {
		source = opts.Source
	}

	// Snapshot the matching set so handlers that subscribe or unsubscribe do
	// not perturb the ongoing dispatch.
	b.mu.RLock()
	if b.down {
		b.mu.RUnlock()
		return 0, structs.ErrBusShutdown
	}
	matched := make([]*Subscription, 0, 4)
	for _, sub := range b.subs {
		if sub.matches(topic) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].seq < matched[j].seq
	})

	event := &Event{
		Topic:     topic,
		Payload:   payload,
		Source:    source,
		Timestamp: b.clock.Now(),
	}

	for _, sub := range matched {
		b.dispatch(ctx, sub, event)
	}

	metrics.IncrCounterWithLabels([]string{"stream", "publish"}, 1,
		[]metrics.Label{{Name: "topic", Value: topic}})
	return len(matched), nil
}

// dispatch runs one handler to completion, containing errors and panics.
func (b *EventBus) dispatch(ctx context.Context, sub *Subscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", event.Topic,
				"subscription_id", sub.ID, "plugin_id", sub.Metadata[MetadataPluginID],
				"handler", sub.Metadata[MetadataHandler], "panic", r)
		}
	}()

	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("event handler failed", "topic", event.Topic,
			"subscription_id", sub.ID, "plugin_id", sub.Metadata[MetadataPluginID],
			"handler", sub.Metadata[MetadataHandler], "error", err)
	}
}

// SubscriberCount returns how many subscriptions would receive a publication
// on the given topic.
func (b *EventBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, sub := range b.subs {
		if sub.matches(topic) {
			n++
		}
	}
	return n
}

// ActiveTopics returns the sorted set of exact topics with at least one
// subscription. Patterns are not expanded.
func (b *EventBus) ActiveTopics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := set.New[string](len(b.subs))
	for _, sub := range b.subs {
		if !sub.Pattern {
			topics.Insert(sub.Topic)
		}
	}
	out := topics.Slice()
	sort.Strings(out)
	return out
}

// Subscriptions returns a snapshot of all current subscriptions.
func (b *EventBus) Subscriptions() []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		out = append(out, sub)
	}
	return out
}

// ClearAllSubscriptions drops every subscription. Reserved for the host; the
// plugin context façade refuses to call it.
func (b *EventBus) ClearAllSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]*Subscription)
}

// Shutdown drops all subscriptions and fails subsequent operations.
func (b *EventBus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]*Subscription)
	b.down = true
}

func (s *Subscription) matches(topic string) bool {
	if !s.Pattern {
		return s.Topic == topic
	}
	return MatchTopic(s.Topic, topic)
}

// MatchTopic reports whether a dot-segmented pattern matches a topic. '*'
// matches exactly one segment.
func MatchTopic(pattern, topic string) bool {
	ps := strings.Split(pattern, ".")
	ts := strings.Split(topic, ".")
	if len(ps) != len(ts) {
		return false
	}
	for i, seg := range ps {
		if seg == "*" {
			continue
		}
		if seg != ts[i] {
			return false
		}
	}
	return true
}
