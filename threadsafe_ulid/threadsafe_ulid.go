package threadsafe_ulid

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ThreadSafeUlid : lexically sortable job id generator safe for concurrent use
type ThreadSafeUlid struct {
	safe safeMonotonicReader
}

func NewThreadSafeUlid() *ThreadSafeUlid {
	return &ThreadSafeUlid{
		safe: safeMonotonicReader{MonotonicReader: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)},
	}
}

func (u *ThreadSafeUlid) NewUlid() (ulid.ULID, error) {
	return ulid.New(ulid.Timestamp(time.Now()), &u.safe)
}

// NewJobID : ULID string for a new anchoring job
func (u *ThreadSafeUlid) NewJobID() (string, error) {
	id, err := u.NewUlid()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

type safeMonotonicReader struct {
	mtx sync.Mutex
	ulid.MonotonicReader
}

func (r *safeMonotonicReader) MonotonicRead(ms uint64, p []byte) (err error) {
	r.mtx.Lock()
	err = r.MonotonicReader.MonotonicRead(ms, p)
	r.mtx.Unlock()
	return err
}
