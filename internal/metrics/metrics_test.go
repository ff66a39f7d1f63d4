// Copyright (c) 2024 The mnd developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package metrics

import (
	"testing"

	"github.com/mndnet/mnd/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))

	// A second registration of the same collectors must fail.
	require.Error(t, Register(reg))

	BestChainLockHeight.Set(42)
	require.Equal(t, 42.0, testutil.ToFloat64(BestChainLockHeight))

	require.Equal(t, 1.0, testutil.ToFloat64(
		BuildInfo.WithLabelValues(version.String())))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
