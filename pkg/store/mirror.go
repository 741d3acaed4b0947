package store

import (
	"context"
	stderrors "errors"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/depdb/pkg/records"
)

// Mirror writes every record to a primary store and then to a set of
// secondary stores. Reads are served by the primary only. A failed
// secondary write is logged and does not fail the Put.
type Mirror struct {
	Primary Store
	Mirrors []Store
	Logger  *log.Logger
}

// NewMirror returns primary alone when there are no mirrors.
func NewMirror(primary Store, logger *log.Logger, mirrors ...Store) Store {
	if len(mirrors) == 0 {
		return primary
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Mirror{Primary: primary, Mirrors: mirrors, Logger: logger}
}

func (m *Mirror) Put(ctx context.Context, rec records.Record) error {
	if err := m.Primary.Put(ctx, rec); err != nil {
		return err
	}
	for _, s := range m.Mirrors {
		if err := s.Put(ctx, rec); err != nil {
			m.Logger.Warn("mirror write failed", "key", rec.Key, "error", err)
		}
	}
	return nil
}

func (m *Mirror) Get(ctx context.Context, key records.Key) (records.Record, bool, error) {
	return m.Primary.Get(ctx, key)
}

func (m *Mirror) ExistsSuccess(ctx context.Context, key records.Key, extractorVersion string) (bool, error) {
	return m.Primary.ExistsSuccess(ctx, key, extractorVersion)
}

// Close closes every store and returns the joined errors.
func (m *Mirror) Close() error {
	errs := []error{m.Primary.Close()}
	for _, s := range m.Mirrors {
		errs = append(errs, s.Close())
	}
	return stderrors.Join(errs...)
}

var _ Store = (*Mirror)(nil)
