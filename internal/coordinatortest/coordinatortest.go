// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package coordinatortest provides a real kvstore.Client backed by an
// in-process miniredis instance, so FSM/gateway/supervisor tests can
// exercise the actual C1 facade instead of a hand-rolled fake.
package coordinatortest

import (
	"testing"

	"github.com/UCBerkeleySETI/commensal-coordinator/pkg/kvstore"
	"github.com/alicebob/miniredis/v2"
)

// NewStore starts a miniredis server for the duration of t and returns
// a kvstore.Client connected to it. The server is closed automatically
// via t.Cleanup.
func NewStore(t *testing.T) *kvstore.Client {
	t.Helper()

	srv := miniredis.RunT(t)

	client, err := kvstore.NewClient(kvstore.Config{Host: srv.Host(), Port: mustAtoi(t, srv.Port())})
	if err != nil {
		t.Fatalf("coordinatortest: could not connect to miniredis: %v", err)
	}
	t.Cleanup(client.Close)

	return client
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			t.Fatalf("coordinatortest: miniredis port %q is not numeric", s)
		}
		n = n*10 + int(r-'0')
	}
	return n
}
