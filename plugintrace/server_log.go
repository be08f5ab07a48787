package plugintrace

import (
	"crypto/tls"
	"net"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// ServerLogTracer constructs a ServerTracer that will emit structured log
// entries into the given logger when trace events occur.
//
// The format of these log entries is not customizable and may change in
// future versions. For more control, construct your own ServerTracer and
// build log messages yourself.
func ServerLogTracer(logger hclog.Logger) *ServerTracer {
	return &ServerTracer{
		TLSConfig: func(config *tls.Config, auto bool) {
			if auto {
				logger.Debug("auto-negotiated TLS configuration")
			} else {
				logger.Debug("TLS configuration from custom configuration function")
			}
		},

		Listening: func(addr net.Addr, tlsConfig *tls.Config, protoVersion int) {
			logger.Info("listening", "proto_version", protoVersion, "address", addr.String())
		},

		InterruptIgnored: func(count int) {
			logger.Debug("ignored interrupt signal", "attempt", count)
		},

		InvalidClientHandshakeVersion: func(invalid string) {
			logger.Warn("invalid version string in client handshake", "value", invalid)
		},

		VersionNegotationFailed: func(clientVersions []int) {
			if len(clientVersions) == 0 {
				logger.Error("version negotiation failed: client supports no protocol versions")
				return
			}
			vStrs := make([]string, len(clientVersions))
			for i, v := range clientVersions {
				vStrs[i] = strconv.Itoa(v)
			}
			logger.Error("version negotiation failed", "client_versions", strings.Join(vStrs, ", "))
		},

		GRPCServeError: func(err error) {
			logger.Error("grpc server exited", "error", err)
		},
	}
}
