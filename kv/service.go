package kv

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	kvproto "github.com/kvconform/kvplugin/proto/kv"
)

// Service implements kvproto.KVServer on top of a Storage and a
// HandshakeEnricher: Put enriches JSON-object values before they are
// persisted, Get returns exactly what was stored.
type Service struct {
	kvproto.UnimplementedKVServer

	Storage  *Storage
	Enricher *HandshakeEnricher
	Logger   hclog.Logger
}

// NewService wires a Storage to a fresh HandshakeEnricher whose received_at
// clock starts now, and returns a ready-to-register Service.
func NewService(storage *Storage, logger hclog.Logger) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("kv-service")
	return &Service{
		Storage:  storage,
		Enricher: NewHandshakeEnricher(logger, time.Now()),
		Logger:   logger,
	}
}

// Put stores req.Value for req.Key, enriching it first if it is a JSON
// object. Enrichment failures are logged but never fail the call.
func (s *Service) Put(ctx context.Context, req *kvproto.PutRequest) (*kvproto.Empty, error) {
	s.Logger.Debug("Put", "key", req.Key, "value_size", len(req.Value))

	value := s.Enricher.Enrich(ctx, req.Value)

	if err := s.Storage.Put(ctx, req.Key, value); err != nil {
		return nil, mapStorageError(err, req.Key)
	}
	return &kvproto.Empty{}, nil
}

// Get returns the bytes stored for req.Key, mapping ErrNotFound to the
// NOT_FOUND gRPC status and all other storage errors to INTERNAL.
func (s *Service) Get(ctx context.Context, req *kvproto.GetRequest) (*kvproto.GetResponse, error) {
	s.Logger.Debug("Get", "key", req.Key)

	value, err := s.Storage.Get(ctx, req.Key)
	if err != nil {
		return nil, mapStorageError(err, req.Key)
	}
	return &kvproto.GetResponse{Value: value}, nil
}

// mapStorageError translates the kv package's typed storage errors into
// gRPC status codes.
func mapStorageError(err error, key string) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return status.Errorf(codes.NotFound, "key not found: %s", key)
	case errors.Is(err, ErrInvalidKey):
		return status.Errorf(codes.InvalidArgument, "%s", err.Error())
	case errors.Is(err, ErrLockTimeout):
		return status.Errorf(codes.Internal, "%s", err.Error())
	default:
		return status.Errorf(codes.Internal, "%s", err.Error())
	}
}
