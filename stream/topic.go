package stream

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Topic names follow a pattern:
//
//	thread:<threadID>      events for a specific thread
//	table:<tableID>        events for a specific lookup table
//	crank:<crankID>        events for a specific crank
//	authority:<handle>     everything owned by one authority
//	threads                all thread lifecycle events
//	tables                 all lookup table events
//	cranks                 all crank events
//	firehose               everything

const (
	TopicThreads  = "threads"
	TopicTables   = "tables"
	TopicCranks   = "cranks"
	TopicFirehose = "firehose"
)

// ThreadTopic returns the topic name for a specific thread.
func ThreadTopic(threadID string) string { return "thread:" + threadID }

// TableTopic returns the topic name for a specific lookup table.
func TableTopic(tableID string) string { return "table:" + tableID }

// CrankTopic returns the topic name for a specific crank.
func CrankTopic(crankID string) string { return "crank:" + crankID }

// AuthorityTopic returns the topic carrying every event of an authority.
func AuthorityTopic(authority string) string { return "authority:" + authority }

// TopicRegistry manages subscriber sets per topic.
// It is safe for concurrent use.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber // topic → subscriberID → subscriber
}

// NewTopicRegistry creates an empty topic registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		topics: make(map[string]map[string]*Subscriber),
	}
}

// Subscribe adds a subscriber to a topic. Creates the topic if it
// doesn't exist.
func (tr *TopicRegistry) Subscribe(topic string, sub *Subscriber) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		subs = make(map[string]*Subscriber)
		tr.topics[topic] = subs
	}
	subs[sub.ID()] = sub
	sub.addTopic(topic)
}

// Unsubscribe removes a subscriber from a topic. Cleans up empty topics.
func (tr *TopicRegistry) Unsubscribe(topic, subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		return
	}
	if sub, exists := subs[subscriberID]; exists {
		sub.removeTopic(topic)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(tr.topics, topic)
	}
}

// UnsubscribeAll removes a subscriber from all topics.
func (tr *TopicRegistry) UnsubscribeAll(subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for topic, subs := range tr.topics {
		if sub, ok := subs[subscriberID]; ok {
			sub.removeTopic(topic)
			delete(subs, subscriberID)
		}
		if len(subs) == 0 {
			delete(tr.topics, topic)
		}
	}
}

// Broadcast sends evt once to every subscriber on any of topics. It
// returns how many subscribers took the event and how many dropped it.
func (tr *TopicRegistry) Broadcast(topics []string, evt *Event) (delivered, dropped int) {
	tr.mu.RLock()
	seen := make(map[string]*Subscriber)
	for _, topic := range topics {
		for id, sub := range tr.topics[topic] {
			seen[id] = sub
		}
	}
	tr.mu.RUnlock()

	for _, sub := range seen {
		if sub.send(evt) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// TopicCount returns the number of active topics.
func (tr *TopicRegistry) TopicCount() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics)
}

// SubscriberCount returns the number of subscribers on a topic.
func (tr *TopicRegistry) SubscriberCount(topic string) int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics[topic])
}

// TopicsFor returns every topic evt is published on. Clients use it to
// route a received event to their local subscriptions.
func TopicsFor(evt *Event) []string { return resolveTopics(evt) }

// resolveTopics returns all topics an event should be published to
// based on its type, entity and authority.
func resolveTopics(evt *Event) []string {
	topics := []string{TopicFirehose}

	switch evtType := string(evt.Type); {
	case strings.HasPrefix(evtType, "thread."):
		topics = append(topics, TopicThreads)
	case strings.HasPrefix(evtType, "table."):
		topics = append(topics, TopicTables)
	case strings.HasPrefix(evtType, "crank."):
		topics = append(topics, TopicCranks)
	}

	if evt.Topic != "" {
		topics = append(topics, evt.Topic)
	}
	if evt.Authority != "" {
		topics = append(topics, AuthorityTopic(evt.Authority))
	}

	return topics
}

// ParseTopicEntity extracts the entity type and ID from a topic string.
// For example, "thread:thr_01h..." returns ("thread", "thr_01h...").
// Returns ("", "") for global topics like "threads" or "firehose".
func ParseTopicEntity(topic string) (entityType, entityID string) {
	idx := strings.IndexByte(topic, ':')
	if idx < 0 {
		return "", ""
	}
	return topic[:idx], topic[idx+1:]
}

// ErrInvalidTopic is returned by ValidateTopic.
var ErrInvalidTopic = errors.New("stream: invalid topic")

// ValidateTopic checks whether a topic string is valid.
func ValidateTopic(topic string) error {
	switch topic {
	case TopicThreads, TopicTables, TopicCranks, TopicFirehose:
		return nil
	}

	entityType, entityID := ParseTopicEntity(topic)
	if entityType == "" || entityID == "" {
		return fmt.Errorf("%w %q", ErrInvalidTopic, topic)
	}

	switch entityType {
	case "thread", "table", "crank", "authority":
		return nil
	default:
		return fmt.Errorf("%w %q: unknown entity type %q", ErrInvalidTopic, topic, entityType)
	}
}
