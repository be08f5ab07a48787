// Package kvplugin implements the plugin handshake and AutoMTLS negotiation
// protocol: a server runtime that binds a listener, negotiates TLS, emits a
// single handshake line on stdout and serves gRPC, and a client runtime
// that spawns or reattaches to such a server and dispenses an
// mTLS-secured gRPC connection.
package kvplugin

import (
	"context"

	"google.golang.org/grpc"
)

// ClientVersion is the interface to implement to launch a client for a
// particular KV protocol version. The client is the calling program that
// hosts the plugin.
type ClientVersion interface {
	// ClientProxy instantiates the protocol version's client stub bound to
	// the given connection, and returns it ready to use. Callers type-assert
	// the returned empty interface to the concrete client interface for the
	// negotiated version (for version 1, kvproto.KVClient).
	ClientProxy(ctx context.Context, conn *grpc.ClientConn) (interface{}, error)
}

// ClientVersionFunc is a function type that implements ClientVersion.
type ClientVersionFunc func(ctx context.Context, conn *grpc.ClientConn) (interface{}, error)

var _ ClientVersion = ClientVersionFunc(nil)

// ClientProxy implements ClientVersion.
func (fn ClientVersionFunc) ClientProxy(ctx context.Context, conn *grpc.ClientConn) (interface{}, error) {
	return fn(ctx, conn)
}

// ServerVersion is the interface to implement to write a server for a
// particular KV protocol version.
type ServerVersion interface {
	RegisterServer(*grpc.Server) error
}

// ServerVersionFunc is a function type that implements ServerVersion.
type ServerVersionFunc func(*grpc.Server) error

var _ ServerVersion = ServerVersionFunc(nil)

// RegisterServer implements ServerVersion.
func (fn ServerVersionFunc) RegisterServer(srv *grpc.Server) error {
	return fn(srv)
}
