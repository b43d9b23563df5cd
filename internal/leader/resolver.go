// Package leader decides which broker owns a topic.
//
// Ownership is a pure function of the topic name and the ordered list of live
// broker addresses, so every node observing the same membership agrees on the
// same leader without a separate consensus round.
package leader

import (
	"errors"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrNoMembers  = errors.New("leader: no live brokers")
	ErrEmptyTopic = errors.New("leader: empty topic")
)

// Resolver maps a topic to the address of its owning broker
type Resolver interface {
	Resolve(topic string, members []string) (string, error)
}

// HashResolver picks members[xxhash(topic) % len(members)]
type HashResolver struct{}

func NewHashResolver() HashResolver {
	return HashResolver{}
}

func (HashResolver) Resolve(topic string, members []string) (string, error) {
	if topic == "" {
		return "", ErrEmptyTopic
	}
	if len(members) == 0 {
		return "", ErrNoMembers
	}
	idx := xxhash.Sum64String(topic) % uint64(len(members))
	return members[idx], nil
}

// IsLeader reports whether self owns topic under members
func IsLeader(r Resolver, topic, self string, members []string) (bool, string, error) {
	addr, err := r.Resolve(topic, members)
	if err != nil {
		return false, "", err
	}
	return addr == self, addr, nil
}
