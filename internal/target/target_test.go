// Copyright (C) 2026 UC Berkeley SETI Research Center.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecimalCoordinates(t *testing.T) {
	tgt, err := Parse("J1939-6342|PKS1934-638,radec,294.854,-63.713")
	require.NoError(t, err)
	assert.Equal(t, "J1939-6342", tgt.Name)
	assert.InDelta(t, 294.854, tgt.RA, 1e-9)
	assert.InDelta(t, -63.713, tgt.Dec, 1e-9)
}

func TestParseSexagesimalCoordinates(t *testing.T) {
	tgt, err := Parse("3C286,radec,13:31:08.29,+30:30:33.0")
	require.NoError(t, err)
	assert.InDelta(t, 13.51896, tgt.RA, 1e-4)
	assert.InDelta(t, 30.50917, tgt.Dec, 1e-4)
}

func TestParseNegativeSexagesimalDec(t *testing.T) {
	tgt, err := Parse("target,radec,00:00:00.0,-00:30:00.0")
	require.NoError(t, err)
	assert.InDelta(t, -0.5, tgt.Dec, 1e-9)
}

func TestParseTruncatesAndSanitizesName(t *testing.T) {
	tgt, err := Parse("a very long source name with spaces,radec,1.0,2.0")
	require.NoError(t, err)
	assert.Len(t, tgt.Name, 16)
	assert.NotContains(t, tgt.Name, " ")
}

func TestParseRejectsNonRadecTag(t *testing.T) {
	_, err := Parse("sun,special,0,0")
	assert.Error(t, err)
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse("just,one,field")
	assert.Error(t, err)
}

func TestSexagesimalFormatting(t *testing.T) {
	assert.Equal(t, "13:31:08.29", RAString(13.518969444444445))
	assert.Equal(t, "+30:30:33.00", DecString(30.509166666666665))
	assert.Equal(t, "-00:30:00.00", DecString(-0.5))
}
