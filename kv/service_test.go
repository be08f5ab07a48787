package kv

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	kvproto "github.com/kvconform/kvplugin/proto/kv"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	storage, err := NewStorage(t.TempDir(), hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return NewService(storage, hclog.NewNullLogger())
}

func TestServicePutGetRoundTrip(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.Put(ctx, &kvproto.PutRequest{Key: "k", Value: []byte("plain string")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	resp, err := service.Get(ctx, &kvproto.GetRequest{Key: "k"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(resp.Value) != "plain string" {
		t.Errorf("Get returned %q, want %q", resp.Value, "plain string")
	}
}

func TestServicePutEnrichesJSONObjects(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	input, err := json.Marshal(map[string]interface{}{"hello": "world"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := service.Put(ctx, &kvproto.PutRequest{Key: "k", Value: input}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	resp, err := service.Get(ctx, &kvproto.GetRequest{Key: "k"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(resp.Value, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["hello"] != "world" {
		t.Errorf("decoded[\"hello\"] = %v, want %q", decoded["hello"], "world")
	}
	if _, ok := decoded["server_handshake"]; !ok {
		t.Error("expected server_handshake field to be injected")
	}
}

func TestServiceGetMissingKeyMapsToNotFound(t *testing.T) {
	service := newTestService(t)

	_, err := service.Get(context.Background(), &kvproto.GetRequest{Key: "missing"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("Get error code = %v, want NotFound", status.Code(err))
	}
}

func TestServicePutInvalidKeyMapsToInvalidArgument(t *testing.T) {
	service := newTestService(t)

	_, err := service.Put(context.Background(), &kvproto.PutRequest{Key: "a/b", Value: []byte("x")})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Put error code = %v, want InvalidArgument", status.Code(err))
	}
}
