// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSender_Send(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewHTTPSender()
	err := sender.Send(context.Background(), srv.URL, map[string]string{"X-Token": "secret"}, []byte(`{"hello":"world"}`), time.Second)
	require.NoError(t, err)

	assert.JSONEq(t, `{"hello":"world"}`, string(gotBody))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "RelayMQ-Broker/1.0", gotHeaders.Get("User-Agent"))
	assert.Equal(t, "secret", gotHeaders.Get("X-Token"))
}

func TestHTTPSender_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sender := NewHTTPSender()
	err := sender.Send(context.Background(), srv.URL, nil, []byte(`{}`), time.Second)
	assert.Error(t, err)
}

func TestHTTPSender_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	sender := NewHTTPSender()
	err := sender.Send(ctx, srv.URL, nil, []byte(`{}`), time.Second)
	assert.Error(t, err)
}
