//go:build integration

package mongostore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/matzehuels/depdb/pkg/deps"
	"github.com/matzehuels/depdb/pkg/errors"
	"github.com/matzehuels/depdb/pkg/index"
	"github.com/matzehuels/depdb/pkg/records"
)

// Run with: DEPDB_MONGO_URI=mongodb://localhost:27017 go test -tags integration ./pkg/store/mongostore

func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("DEPDB_MONGO_URI")
	if uri == "" {
		t.Skip("DEPDB_MONGO_URI not set")
	}
	ctx := context.Background()
	s, err := New(ctx, Config{URI: uri, Database: "depdb_test", Collection: "records_" + uuid.NewString()[:8]})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = s.coll.Drop(context.Background())
		s.Close()
	})
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	key := records.Key{Package: "Foo_Bar", Version: "1.0", Kind: index.Sdist, Artifact: "Foo_Bar-1.0.tar.gz", Python: "3.10"}
	specs, _ := deps.ParseSpecifiers([]string{"requests>=2.0", "six; python_version<'3'"})

	tests := []struct {
		name string
		rec  records.Record
	}{
		{"error", records.NewError(key, errors.ErrCodeTimeout, "build script exceeded 1m0s", at)},
		{"success supersedes error", records.NewSuccess(key, records.DependencyRecord{Requires: specs}, at)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Put(ctx, tt.rec); err != nil {
				t.Fatalf("Put: %v", err)
			}
			got, ok, err := s.Get(ctx, key)
			if err != nil || !ok {
				t.Fatalf("Get = %v, %v", ok, err)
			}
			if !got.SameOutcome(tt.rec) {
				t.Errorf("Get = %+v, want %+v", got, tt.rec)
			}
			if got.Key.Package != "foo-bar" {
				t.Errorf("Package = %q, want normalized", got.Key.Package)
			}
		})
	}

	ok, err := s.ExistsSuccess(ctx, key, records.ExtractorVersion)
	if err != nil || !ok {
		t.Errorf("ExistsSuccess = %v, %v", ok, err)
	}
	ok, err = s.ExistsSuccess(ctx, key, "0")
	if err != nil || ok {
		t.Errorf("ExistsSuccess(old version) = %v, %v", ok, err)
	}
}
