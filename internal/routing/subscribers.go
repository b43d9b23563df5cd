package routing

import (
	"sort"
	"sync"
)

// Subscribers maps a topic to the set of subscriber addresses registered for it.
// A missing topic key means zero subscribers.
type Subscribers struct {
	mu     sync.RWMutex
	topics map[string]map[string]struct{}
}

func NewSubscribers() *Subscribers {
	return &Subscribers{topics: make(map[string]map[string]struct{})}
}

// Add registers address for topic and reports whether it was newly added
func (s *Subscribers) Add(topic, address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.topics[topic]
	if !ok {
		set = make(map[string]struct{})
		s.topics[topic] = set
	}
	if _, exists := set[address]; exists {
		return false
	}
	set[address] = struct{}{}
	return true
}

// Remove drops address from topic and reports whether it was present
func (s *Subscribers) Remove(topic, address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.topics[topic]
	if !ok {
		return false
	}
	if _, exists := set[address]; !exists {
		return false
	}
	delete(set, address)
	if len(set) == 0 {
		delete(s.topics, topic)
	}
	return true
}

// RemoveAddress drops address from every topic and returns how many topics it left
func (s *Subscribers) RemoveAddress(address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for topic, set := range s.topics {
		if _, ok := set[address]; ok {
			delete(set, address)
			removed++
			if len(set) == 0 {
				delete(s.topics, topic)
			}
		}
	}
	return removed
}

// Snapshot returns a sorted copy of topic's subscriber addresses
func (s *Subscribers) Snapshot(topic string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.topics[topic]
	addrs := make([]string, 0, len(set))
	for addr := range set {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

func (s *Subscribers) Contains(topic, address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.topics[topic][address]
	return ok
}

func (s *Subscribers) Count(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[topic])
}

// Topics returns the sorted list of topics with at least one subscriber
func (s *Subscribers) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
