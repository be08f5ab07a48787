package main

import (
	"fmt"
	"testing"

	"github.com/kvconform/kvplugin"
	"github.com/kvconform/kvplugin/kv"
)

func TestExitCodeForMapsKnownErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitGeneral},
		{"not found", fmt.Errorf("wrap: %w", kv.ErrNotFound), exitNotFound},
		{"handshake timeout", kvplugin.ErrHandshakeTimeout, exitHandshakeFailure},
		{"handshake malformed", kvplugin.ErrHandshakeMalformed, exitHandshakeFailure},
		{"protocol unsupported", kvplugin.ErrProtocolUnsupported, exitHandshakeFailure},
		{"curve incompatible", kvplugin.ErrCurveIncompatible, exitCurveIncompatible},
		{"not child process", kvplugin.NotChildProcessError, exitCookieOrMisuse},
		{"unrecognized error", fmt.Errorf("boom"), exitGeneral},
		{"exit code sentinel", errExitCode(exitCurveIncompatible), exitCurveIncompatible},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCodeFor(tc.err); got != tc.want {
				t.Errorf("exitCodeFor(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
