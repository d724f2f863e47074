// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerbs(t *testing.T) {
	cases := map[string]Kind{
		"configure:array_1":     KindConfigure,
		"conf_complete:array_1": KindConfigured,
		"deconfigure:array_1":   KindDeconfigure,
		"tracking:array_1":      KindRecord,
		"not-tracking:array_1":  KindTrackStop,
		"rec-timeout:array_1":   KindRecEnd,
	}
	for raw, want := range cases {
		ev, err := Parse(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, ev.Kind, raw)
		assert.Equal(t, "array_1", ev.Subarray, raw)
		assert.NotEqual(t, ev.CorrelationID.String(), "")
	}
}

func TestParseReturn(t *testing.T) {
	ev, err := Parse("RETURN:blpn0/1:0:-1")
	require.NoError(t, err)
	assert.Equal(t, KindReturn, ev.Kind)
	assert.Equal(t, "blpn0/1", ev.ReturnInstance)
	assert.Equal(t, 0, ev.ReturnCode1)
	assert.Equal(t, -1, ev.ReturnCode2)
}

func TestParseRejectsUnknownVerb(t *testing.T) {
	_, err := Parse("frobnicate:array_1")
	assert.Error(t, err)
}

func TestParseRejectsMalformedMessage(t *testing.T) {
	_, err := Parse("configure")
	assert.Error(t, err)

	_, err = Parse("RETURN:blpn0/1:only-one-code")
	assert.Error(t, err)
}

func TestKindStringNames(t *testing.T) {
	assert.Equal(t, "CONFIGURE", KindConfigure.String())
	assert.Equal(t, "RETURN", KindReturn.String())
	assert.Equal(t, "UNKNOWN", KindUnknown.String())
}
