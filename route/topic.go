package route

import (
	"strings"
)

// TopicMatcher matches routing keys against an AMQP topic binding pattern.
// Keys and patterns are "." separated words like "sensor.temp.kitchen".
type TopicMatcher struct {
	pattern string
	words   []string
}

// NewTopicMatcher creates a matcher for the given binding pattern.
// Patterns support:
//   - Exact words: "sensor.temp" matches only "sensor.temp"
//   - Single word wildcard (*): "sensor.*" matches "sensor.temp", not "sensor" or "sensor.a.b"
//   - Multi word wildcard (#): "sensor.#" matches "sensor", "sensor.temp", "sensor.a.b"
//
// # may appear at any position and matches zero or more words.
func NewTopicMatcher(pattern string) *TopicMatcher {
	words := SplitKey(pattern)
	// Adjacent # are equivalent to one.
	compact := words[:0:0]
	for _, w := range words {
		if w == "#" && len(compact) > 0 && compact[len(compact)-1] == "#" {
			continue
		}
		compact = append(compact, w)
	}
	return &TopicMatcher{
		pattern: pattern,
		words:   compact,
	}
}

// Pattern returns the pattern the matcher was built from.
func (tm *TopicMatcher) Pattern() string {
	return tm.pattern
}

// Matches returns true if the routing key matches the pattern.
func (tm *TopicMatcher) Matches(routingKey string) bool {
	return matchWords(tm.words, SplitKey(routingKey))
}

// MatchTopic reports whether routingKey matches pattern.
func MatchTopic(pattern, routingKey string) bool {
	return NewTopicMatcher(pattern).Matches(routingKey)
}

// matchWords walks the pattern once, tracking every key offset the words
// seen so far can end at. That keeps patterns with many # linear in the
// key length per word instead of backtracking.
func matchWords(pattern, key []string) bool {
	cur := make([]bool, len(key)+1)
	next := make([]bool, len(key)+1)
	cur[0] = true

	for _, w := range pattern {
		clear(next)
		alive := false
		for ki := 0; ki <= len(key); ki++ {
			switch w {
			case "#":
				alive = alive || cur[ki]
				next[ki] = alive
			case "*":
				if ki < len(key) && cur[ki] {
					next[ki+1] = true
					alive = true
				}
			default:
				if ki < len(key) && cur[ki] && key[ki] == w {
					next[ki+1] = true
					alive = true
				}
			}
		}
		if !alive {
			return false
		}
		cur, next = next, cur
	}

	return cur[len(key)]
}

// SplitKey splits a routing key into its words. The empty key has no words.
func SplitKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, ".")
}

// JoinKey joins words into a routing key.
func JoinKey(words ...string) string {
	return strings.Join(words, ".")
}
