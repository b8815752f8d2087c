// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"regexp"

	"github.com/relaymq/relaymq/storage"
)

// FilterConfig is the wire-level description of a subscription filter.
// Header patterns are regular expressions; headers and payload fields
// match by string equality.
type FilterConfig struct {
	Headers        map[string]string `json:"headers,omitempty"`
	HeaderPatterns map[string]string `json:"header_patterns,omitempty"`
	Payload        map[string]string `json:"payload,omitempty"`
}

// Empty reports whether the config declares no predicates.
func (c *FilterConfig) Empty() bool {
	return c == nil || (len(c.Headers) == 0 && len(c.HeaderPatterns) == 0 && len(c.Payload) == 0)
}

// Filter is a validated-at-subscribe message predicate. Patterns are
// compiled once here, never re-parsed per message.
type Filter struct {
	headers  map[string]string
	patterns map[string]*regexp.Regexp
	payload  map[string]string
}

// CompileFilter validates the config and compiles its patterns. Returns
// nil for an empty config.
func CompileFilter(cfg *FilterConfig) (*Filter, error) {
	if cfg.Empty() {
		return nil, nil
	}

	f := &Filter{
		headers: cfg.Headers,
		payload: cfg.Payload,
	}
	if len(cfg.HeaderPatterns) > 0 {
		f.patterns = make(map[string]*regexp.Regexp, len(cfg.HeaderPatterns))
		for key, pattern := range cfg.HeaderPatterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid filter pattern for header %q: %w", key, err)
			}
			f.patterns[key] = re
		}
	}
	return f, nil
}

// Matches evaluates the filter: every declared header key must exist and
// match, and every declared payload key must exist in the payload object
// with an equal value.
func (f *Filter) Matches(msg *storage.Message) bool {
	if f == nil {
		return true
	}

	for key, want := range f.headers {
		got, ok := msg.Headers[key]
		if !ok || got != want {
			return false
		}
	}
	for key, re := range f.patterns {
		got, ok := msg.Headers[key]
		if !ok || !re.MatchString(got) {
			return false
		}
	}
	for key, want := range f.payload {
		got, ok := msg.PayloadField(key)
		if !ok || got != want {
			return false
		}
	}
	return true
}
