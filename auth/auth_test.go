// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymq/relaymq/storage/memory"
)

func TestIssueAndAuthenticate(t *testing.T) {
	a := New(memory.New().APIKeys(), nil)
	ctx := context.Background()

	key, err := a.Issue(ctx, "service-a")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key.Key, "rmq_"))
	assert.Equal(t, "service-a", key.Name)

	got, err := a.Authenticate(ctx, key.Key)
	require.NoError(t, err)
	assert.Equal(t, "service-a", got.Name)
	assert.False(t, got.LastUsed.IsZero())

	_, err = a.Authenticate(ctx, "rmq_bogus")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = a.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestIssuedKeysAreUnique(t *testing.T) {
	a := New(memory.New().APIKeys(), nil)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		key, err := a.Issue(ctx, "dup-check")
		require.NoError(t, err)
		assert.False(t, seen[key.Key])
		seen[key.Key] = true
	}
}

func TestRestore(t *testing.T) {
	store := memory.New().APIKeys()
	ctx := context.Background()

	a := New(store, nil)
	key, err := a.Issue(ctx, "service-a")
	require.NoError(t, err)

	restored := New(store, nil)
	require.NoError(t, restored.Restore(ctx))

	got, err := restored.Authenticate(ctx, key.Key)
	require.NoError(t, err)
	assert.Equal(t, "service-a", got.Name)
}

func TestEnsureDemoKeys(t *testing.T) {
	a := New(memory.New().APIKeys(), nil)
	ctx := context.Background()

	keys, err := a.EnsureDemoKeys(ctx, 3)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, "demo-1", keys[0].Name)

	// A second call does not mint more keys.
	again, err := a.EnsureDemoKeys(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, again, 3)
	assert.Len(t, a.List(), 3)
}

func TestEnsureDemoKeysSkippedWhenKeysExist(t *testing.T) {
	a := New(memory.New().APIKeys(), nil)
	ctx := context.Background()

	_, err := a.Issue(ctx, "operator")
	require.NoError(t, err)

	keys, err := a.EnsureDemoKeys(ctx, 3)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "operator", keys[0].Name)
}
