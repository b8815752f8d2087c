// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// Match checks if the topic matches the given pattern.
// Rules:
// - '.' separates segments and matches literally.
// - '*' matches exactly one segment.
// - '#' matches any remaining suffix, including dots.
//
// Matching is only used by the listing API; routing treats a "#"
// subscription as a literal catch-all entry.
func Match(pattern, topic string) bool {
	if pattern == "" || topic == "" {
		return false
	}
	if pattern == topic {
		return true
	}

	patternSegs := strings.Split(pattern, ".")
	topicSegs := strings.Split(topic, ".")

	for i, pSeg := range patternSegs {
		if pSeg == "#" {
			// Matches the remainder, including an empty one.
			return true
		}

		if i >= len(topicSegs) {
			return false
		}

		if pSeg == "*" {
			continue
		}

		if pSeg != topicSegs[i] {
			return false
		}
	}

	return len(patternSegs) == len(topicSegs)
}
