// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymq/relaymq/storage"
)

func TestCompileFilter_Empty(t *testing.T) {
	f, err := CompileFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = CompileFilter(&FilterConfig{})
	require.NoError(t, err)
	assert.Nil(t, f)

	// A nil filter matches everything.
	assert.True(t, f.Matches(&storage.Message{ID: "m1"}))
}

func TestCompileFilter_InvalidPattern(t *testing.T) {
	_, err := CompileFilter(&FilterConfig{
		HeaderPatterns: map[string]string{"region": "[unterminated"},
	})
	assert.Error(t, err)
}

func TestFilter_Matches(t *testing.T) {
	payload, err := json.Marshal(map[string]any{"status": "paid", "amount": 42})
	require.NoError(t, err)

	msg := &storage.Message{
		ID:      "m1",
		Headers: map[string]string{"tier": "vip", "region": "eu-west-1"},
		Payload: payload,
	}

	cases := []struct {
		name string
		cfg  FilterConfig
		want bool
	}{
		{"header equality", FilterConfig{Headers: map[string]string{"tier": "vip"}}, true},
		{"header mismatch", FilterConfig{Headers: map[string]string{"tier": "basic"}}, false},
		{"header missing", FilterConfig{Headers: map[string]string{"absent": "x"}}, false},
		{"header pattern", FilterConfig{HeaderPatterns: map[string]string{"region": `^eu-`}}, true},
		{"header pattern mismatch", FilterConfig{HeaderPatterns: map[string]string{"region": `^us-`}}, false},
		{"payload equality", FilterConfig{Payload: map[string]string{"status": "paid"}}, true},
		{"payload number", FilterConfig{Payload: map[string]string{"amount": "42"}}, true},
		{"payload mismatch", FilterConfig{Payload: map[string]string{"status": "pending"}}, false},
		{"all predicates", FilterConfig{
			Headers:        map[string]string{"tier": "vip"},
			HeaderPatterns: map[string]string{"region": `west`},
			Payload:        map[string]string{"status": "paid"},
		}, true},
		{"one predicate fails", FilterConfig{
			Headers: map[string]string{"tier": "vip"},
			Payload: map[string]string{"status": "pending"},
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := CompileFilter(&tc.cfg)
			require.NoError(t, err)
			assert.Equal(t, tc.want, f.Matches(msg))
		})
	}
}

func TestNewMessageID(t *testing.T) {
	a := NewMessageID()
	b := NewMessageID()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^[0-9a-z]+-[0-9a-z]{8}$`, a)
}
