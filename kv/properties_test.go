package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	kvproto "github.com/kvconform/kvplugin/proto/kv"
)

// exampleCount returns the number of examples each property test should
// generate: 10 by default ("quick"), or up to 1000 when
// KV_TEST_PROFILE=thorough is set in the environment. There is no per-example
// deadline in the thorough profile; the test's own timeout governs overall
// runtime.
func exampleCount() int {
	if os.Getenv("KV_TEST_PROFILE") == "thorough" {
		return 1000
	}
	return 10
}

// seededRand returns a generator seeded deterministically from t's name, so
// a failure is reproducible by re-running the same test, but distinct tests
// don't share a stream.
func seededRand(t *testing.T) *rand.Rand {
	t.Helper()
	var seed int64
	for _, c := range t.Name() {
		seed = seed*31 + int64(c)
	}
	return rand.New(rand.NewSource(seed))
}

// randomSafeKey generates a key that satisfies Storage's filename
// constraints: no NUL, no path separator, bounded length.
func randomSafeKey(r *rand.Rand) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-."
	n := 1 + r.Intn(40)
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alphabet[r.Intn(len(alphabet))]
	}
	return string(buf)
}

// randomNonJSONBytes generates an arbitrary byte slice whose first byte is
// never '{' or '[', so it is never mistaken for a JSON object or array.
func randomNonJSONBytes(r *rand.Rand) []byte {
	n := r.Intn(64)
	buf := make([]byte, n)
	r.Read(buf)
	if n > 0 {
		buf[0] = 0x01
	}
	return buf
}

// randomJSONObject generates a small flat JSON object with random string
// and numeric fields.
func randomJSONObject(r *rand.Rand) map[string]interface{} {
	obj := make(map[string]interface{}, 3)
	for i := 0; i < 1+r.Intn(3); i++ {
		key := fmt.Sprintf("field_%d", i)
		if r.Intn(2) == 0 {
			obj[key] = randomSafeKey(r)
		} else {
			obj[key] = r.Intn(1000)
		}
	}
	return obj
}

// Property: Put(key, value) followed by Get(key) returns value unchanged,
// for any non-JSON value and any key safe for use as a filename fragment.
func TestPropertyRoundTripNonJSON(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	r := seededRand(t)

	for i := 0; i < exampleCount(); i++ {
		key := randomSafeKey(r)
		value := randomNonJSONBytes(r)

		if err := storage.Put(ctx, key, value); err != nil {
			t.Fatalf("Put(%q): %v", key, err)
		}
		got, err := storage.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get(%q): %v", key, err)
		}
		if string(got) != string(value) {
			t.Fatalf("Get(%q) = %v, want %v", key, got, value)
		}
	}
}

// Property: for any JSON object v, Get(key) after Put(key, encode(v)) via
// the gRPC service decodes to a JSON object containing all of v's fields
// plus a server_handshake field.
func TestPropertyRoundTripJSONObjectEnriched(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	r := seededRand(t)

	for i := 0; i < exampleCount(); i++ {
		key := randomSafeKey(r)
		want := randomJSONObject(r)
		encoded, err := json.Marshal(want)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		if _, err := service.Put(ctx, &kvproto.PutRequest{Key: key, Value: encoded}); err != nil {
			t.Fatalf("Put(%q): %v", key, err)
		}
		resp, err := service.Get(ctx, &kvproto.GetRequest{Key: key})
		if err != nil {
			t.Fatalf("Get(%q): %v", key, err)
		}

		var got map[string]interface{}
		if err := json.Unmarshal(resp.Value, &got); err != nil {
			t.Fatalf("Get(%q) value is not valid JSON: %v", key, err)
		}
		if _, ok := got["server_handshake"]; !ok {
			t.Fatalf("Get(%q) missing server_handshake field", key)
		}
		for field, wantValue := range want {
			gotValue, ok := got[field]
			if !ok {
				t.Fatalf("Get(%q) missing field %q", key, field)
			}
			if fmt.Sprint(gotValue) != fmt.Sprint(wantValue) {
				t.Fatalf("Get(%q) field %q = %v, want %v", key, field, gotValue, wantValue)
			}
		}
	}
}

// Property: for a single client issuing a sequence of acknowledged Puts to
// the same key, Get returns the form (enriched or original) of the last one.
func TestPropertyLastWriterWinsSingleClient(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	r := seededRand(t)

	for i := 0; i < exampleCount(); i++ {
		key := randomSafeKey(r)
		n := 2 + r.Intn(5)
		var last []byte
		for j := 0; j < n; j++ {
			last = randomNonJSONBytes(r)
			if err := storage.Put(ctx, key, last); err != nil {
				t.Fatalf("Put #%d(%q): %v", j, key, err)
			}
		}
		got, err := storage.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get(%q): %v", key, err)
		}
		if string(got) != string(last) {
			t.Fatalf("Get(%q) = %v, want last-written %v", key, got, last)
		}
	}
}

// Property: Get on a key that was never Put returns ErrNotFound.
func TestPropertyNotFoundForNeverPutKey(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	r := seededRand(t)

	for i := 0; i < exampleCount(); i++ {
		key := randomSafeKey(r) + "-never-written"
		if _, err := storage.Get(ctx, key); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get(%q) error = %v, want ErrNotFound", key, err)
		}
	}
}

// Property: Put("", _) is a silent no-op; Get("") returns empty bytes
// without error.
func TestPropertyEmptyKeyIsNoOp(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	r := seededRand(t)

	for i := 0; i < exampleCount(); i++ {
		if err := storage.Put(ctx, "", randomNonJSONBytes(r)); err != nil {
			t.Fatalf("Put(\"\"): %v", err)
		}
	}
	got, err := storage.Get(ctx, "")
	if err != nil {
		t.Fatalf("Get(\"\"): %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Get(\"\") = %v, want empty", got)
	}
}

// Property: a Put whose response has already been observed leaves the
// written value present on disk at the file Storage names for that key, so
// it survives an immediate crash of the process that observed the response.
func TestPropertyDurabilityFilePresentAfterPut(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	r := seededRand(t)

	for i := 0; i < exampleCount(); i++ {
		key := randomSafeKey(r)
		value := randomNonJSONBytes(r)
		if err := storage.Put(ctx, key, value); err != nil {
			t.Fatalf("Put(%q): %v", key, err)
		}

		path := filepath.Join(storage.Dir, filePrefix+key)
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("file for %q not present after acknowledged Put: %v", key, err)
		}
		if string(data) != string(value) {
			t.Fatalf("file for %q = %v, want %v", key, data, value)
		}
	}
}

// Regression test for the historical fsync bug: five sequential Puts ending
// in a byte value must leave exactly that value readable, not a stale
// earlier write.
func TestScenarioLastWriterWinsFsyncRegression(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	for _, v := range [][]byte{{}, {}, {}, {}, {0x00}} {
		if err := storage.Put(ctx, "k", v); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got, err := storage.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 1 || got[0] != 0x00 {
		t.Fatalf("Get(\"k\") = %v, want [0x00]", got)
	}
}

// Scenario: plaintext round-trip with exact bytes, checked both through the
// Storage API and directly on disk.
func TestScenarioPlaintextRoundTripExactBytes(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	want := []byte{0x01, 0x02, 0x03}

	if err := storage.Put(ctx, "alpha", want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := storage.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("Get(\"alpha\") = %v, want %v", got, want)
	}

	diskBytes, err := os.ReadFile(filepath.Join(storage.Dir, "kv-data-alpha"))
	if err != nil {
		t.Fatalf("reading storage file: %v", err)
	}
	if string(diskBytes) != string(want) {
		t.Fatalf("on-disk bytes = %v, want %v", diskBytes, want)
	}
}
