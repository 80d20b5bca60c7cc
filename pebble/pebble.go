package pebble

import (
	"errors"

	"github.com/cockroachdb/pebble/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/auctionhouse"
)

var (
	logger = logging.Logger("store/pebble")

	_ auctionhouse.Store = (*Store)(nil)
)

// Store is an auctionhouse.Store backed by Pebble. Writes are synced so that
// identity seeds survive a crash right after they are generated.
type Store struct {
	db     *pebble.DB
	closed bool
}

// NewStore opens, or creates, a Pebble database at path.
func NewStore(path string, opts *pebble.Options) (*Store, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	opts.EnsureDefaults()
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}
	logger.Debugw("Opened store", "path", path)
	return &Store{db: db}, nil
}

func (s *Store) Get(key string) ([]byte, error) {
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, auctionhouse.ErrNotFound
		}
		logger.Debugw("failed to get key", "key", key, "err", err)
		return nil, err
	}
	// The value is only valid until closer is closed.
	b := make([]byte, len(v))
	copy(b, v)
	_ = closer.Close()
	return b, nil
}

func (s *Store) Put(key string, value []byte) error {
	return s.db.Set([]byte(key), value, pebble.Sync)
}

func (s *Store) Size() (int64, error) {
	sizeEstimate, err := s.db.EstimateDiskUsage([]byte{0}, []byte{0xff})
	return int64(sizeEstimate), err
}

func (s *Store) Flush() error {
	return s.db.Flush()
}

func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	ferr := s.db.Flush()
	cerr := s.db.Close()
	s.closed = true
	// Prioritise on returning close errors over flush errors, since it is more likely to contain
	// useful information about the failure root cause.
	if cerr != nil {
		return cerr
	}
	return ferr
}

// Metrics returns underlying pebble DB metrics
func (s *Store) Metrics() *pebble.Metrics {
	return s.db.Metrics()
}
