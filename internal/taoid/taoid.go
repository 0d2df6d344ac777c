// Package taoid implements the TAO id allocator (spec §4.1): monotone
// 64-bit ids that embed a shard id, so any id self-routes without a lookup.
//
// Layout (MSB -> LSB): 42 bits millisecond timestamp since Epoch, 10 bits
// shard id (0..1023), 12 bits per-millisecond sequence (0..4095).
package taoid

import (
	"fmt"
	"sync"
	"time"

	"github.com/romilpunetha/tao-sub001/internal/model"
)

const (
	timestampBits = 42
	shardBits     = 10
	seqBits       = 12

	maxSeq   = (1 << seqBits) - 1
	maxShard = (1 << shardBits) - 1

	shardShift = seqBits
	timeShift  = seqBits + shardBits

	timestampMask = (int64(1) << timestampBits) - 1
	shardMask     = (int64(1) << shardBits) - 1
	seqMask       = (int64(1) << seqBits) - 1
)

// Epoch is the fixed reference point for the 42-bit timestamp field.
// Chosen so the field does not overflow until well past any realistic
// deployment horizon (2^42 ms is ~139 years from Epoch).
var Epoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// Clock abstracts the millisecond wall-clock so tests can inject
// deterministic or adversarial (regressing) time sources, per spec §6.
type Clock interface {
	NowMillis() int64
}

// SystemClock is the default Clock backed by time.Now.
type SystemClock struct{}

// NowMillis returns milliseconds elapsed since Epoch.
func (SystemClock) NowMillis() int64 {
	return time.Since(Epoch).Milliseconds()
}

// Allocator generates ids for a single shard. One Allocator is bound to
// exactly one shard id for the lifetime of the process, as spec §4.1
// requires ("Each process instance is bound to one shard id").
type Allocator struct {
	clock Clock

	mu      sync.Mutex
	lastMS  int64
	lastSeq int64

	shardID uint16
}

// New constructs an Allocator for shardID using the system clock.
func New(shardID uint16) (*Allocator, error) {
	return NewWithClock(shardID, SystemClock{})
}

// NewWithClock constructs an Allocator for shardID using a caller-supplied
// clock, primarily for tests.
func NewWithClock(shardID uint16, clock Clock) (*Allocator, error) {
	if shardID > maxShard {
		return nil, fmt.Errorf("taoid: shard id %d exceeds max %d", shardID, maxShard)
	}
	return &Allocator{clock: clock, shardID: shardID, lastMS: -1}, nil
}

// Next allocates the next id for this allocator's shard. It busy-waits
// (sleeping up to 1ms at a time) when the per-millisecond sequence is
// exhausted, and fails with model.ErrClockSkew if the clock regresses —
// the caller is expected to retry after a bounded delay (spec §4.1 step 4).
func (a *Allocator) Next() (model.TaoID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		now := a.clock.NowMillis()

		switch {
		case now > a.lastMS:
			a.lastMS = now
			a.lastSeq = 0
		case now == a.lastMS:
			a.lastSeq++
			if a.lastSeq > maxSeq {
				// Sequence space for this millisecond is exhausted; wait
				// for the clock to tick forward rather than overflow into
				// the shard field.
				a.mu.Unlock()
				time.Sleep(time.Millisecond)
				a.mu.Lock()
				continue
			}
		default:
			// now < a.lastMS: the clock went backwards. Never emit an id
			// below the last one issued for this shard.
			return 0, fmt.Errorf("taoid: %w: now=%d last=%d", model.ErrClockSkew, now, a.lastMS)
		}

		return compose(a.lastMS, a.shardID, uint16(a.lastSeq)), nil
	}
}

// ShardID returns the shard id this allocator is bound to.
func (a *Allocator) ShardID() uint16 {
	return a.shardID
}

func compose(ms int64, shard uint16, seq uint16) model.TaoID {
	v := (ms & timestampMask) << timeShift
	v |= (int64(shard) & shardMask) << shardShift
	v |= int64(seq) & seqMask
	return model.TaoID(v)
}

// ShardOf extracts the shard id embedded in id. This is authoritative for
// routing (spec §4.2's shard_for_id).
func ShardOf(id model.TaoID) uint16 {
	return uint16((int64(id) >> shardShift) & shardMask)
}

// TimestampOf extracts the millisecond timestamp (relative to Epoch)
// embedded in id.
func TimestampOf(id model.TaoID) int64 {
	return (int64(id) >> timeShift) & timestampMask
}

// SeqOf extracts the per-millisecond sequence embedded in id.
func SeqOf(id model.TaoID) uint16 {
	return uint16(int64(id) & seqMask)
}
