package plugintrace

import (
	"crypto/tls"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/apparentlymart/go-shquot/shquot"
	"github.com/hashicorp/go-hclog"
)

// ClientLogTracer constructs a ClientTracer that will emit structured log
// entries into the given logger when trace events occur.
//
// The format of these log entries is not customizable and may change in
// future versions. For more control, construct your own ClientTracer and
// build log messages yourself.
func ClientLogTracer(logger hclog.Logger) *ClientTracer {
	return &ClientTracer{
		ProcessStart: func(cmd *exec.Cmd) {
			// We use POSIX shell quoting here just to get a nice readable
			// string representation of the args. We won't actually be running
			// this, so it doesn't matter that we'll be using POSIX-style
			// quoting on non-POSIX platforms.
			execStr := shquot.POSIXShell(cmd.Args)
			logger.Debug("launching plugin server", "cmd", execStr)
		},

		ProcessRunning: func(proc *os.Process) {
			logger.Debug("plugin server process started", "pid", proc.Pid)
		},

		ProcessStartFailed: func(cmd *exec.Cmd, err error) {
			execStr, _ := shquot.POSIXShellSplit(cmd.Args)
			logger.Error("failed to start plugin server", "cmd", execStr, "error", err)
		},

		ProcessExited: func(state *os.ProcessState) {
			logger.Debug("plugin server process exited", "state", state.String())
		},

		TLSConfig: func(config *tls.Config, auto bool) {
			if auto {
				logger.Debug("auto-negotiated TLS configuration")
			} else {
				logger.Debug("TLS configuration from custom configuration function")
			}
		},

		ServerStarted: func(proc *os.Process, addr net.Addr, protoVersion int) {
			logger.Info("plugin server listening", "pid", proc.Pid, "network", addr.Network(), "address", addr.String(), "proto_version", protoVersion)
		},

		ServerStartTimeout: func(proc *os.Process, timeout time.Duration) {
			logger.Error("timed out waiting for handshake", "pid", proc.Pid, "timeout", timeout)
		},

		Connect: func(addr net.Addr) {
			logger.Debug("connecting to plugin server", "network", addr.Network(), "address", addr.String())
		},

		Connected: func(addr net.Addr) {
			logger.Debug("connected to plugin server", "network", addr.Network(), "address", addr.String())
		},

		ConnectFailed: func(addr net.Addr, err error) {
			logger.Error("failed to connect to plugin server", "network", addr.Network(), "address", addr.String(), "error", err)
		},

		Closing: func(proc *os.Process) {
			logger.Debug("closing plugin server", "pid", proc.Pid)
		},
	}
}
