// Package robottest provides a simulated servo bus for testing code built
// on robot.Pipeline.
package robottest

import (
	"context"
	"sync"

	"github.com/gwillem/armbus/pkg/protocol"
	"github.com/hipsterbrown/feetech-servo/feetech"
)

// Bus is an in-memory robot.Transport that answers position reads from a
// table of raw positions and records sync writes.
type Bus struct {
	codec *protocol.Codec

	mu        sync.Mutex
	positions map[protocol.ServoID]protocol.RawPosition
	status    map[protocol.ServoID]feetech.StatusError
	writes    [][]byte
	goals     [][]protocol.Position
	err       error
	closed    bool
}

// NewBus creates a simulated bus speaking the given protocol variant.
func NewBus(version int) *Bus {
	return &Bus{
		codec:     protocol.NewCodec(version),
		positions: make(map[protocol.ServoID]protocol.RawPosition),
		status:    make(map[protocol.ServoID]feetech.StatusError),
	}
}

// SetPosition places a servo on the bus at raw.
func (b *Bus) SetPosition(id protocol.ServoID, raw protocol.RawPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[id] = raw
}

// Disconnect removes a servo so it stops answering.
func (b *Bus) Disconnect(id protocol.ServoID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, id)
}

// SetStatus makes a servo report hardware status flags.
func (b *Bus) SetStatus(id protocol.ServoID, status feetech.StatusError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status[id] = status
}

// Fail makes every following exchange return err. Pass nil to recover.
func (b *Bus) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// Writes returns every frame sent without expecting a response.
func (b *Bus) Writes() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.writes...)
}

// Goals returns the decoded goal-position sync writes, oldest first.
func (b *Bus) Goals() [][]protocol.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]protocol.Position(nil), b.goals...)
}

// LastGoals returns the most recent goal-position sync write.
func (b *Bus) LastGoals() []protocol.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.goals) == 0 {
		return nil
	}
	return b.goals[len(b.goals)-1]
}

// Closed reports whether Close was called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Exchange implements robot.Transport.
func (b *Bus) Exchange(ctx context.Context, req []byte, respLen int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.closed {
		return nil, feetech.ErrBusClosed
	}
	if b.err != nil {
		return nil, b.err
	}

	if respLen == 0 {
		b.writes = append(b.writes, append([]byte(nil), req...))
		if goals, err := b.codec.DecodeSyncWrite(req); err == nil {
			b.goals = append(b.goals, goals)
			for _, g := range goals {
				if _, ok := b.positions[g.ID]; ok {
					b.positions[g.ID] = g.Raw
				}
			}
		}
		return nil, nil
	}

	var resp []byte
	for _, id := range requestedIDs(req) {
		raw, ok := b.positions[id]
		if !ok {
			continue
		}
		resp = append(resp, b.codec.EncodeStatus(id, b.status[id], raw)...)
	}
	if len(resp) == 0 {
		return nil, feetech.ErrNoResponse
	}
	return resp, nil
}

// Close implements robot.Transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// requestedIDs extracts the servo IDs from a SYNC READ frame or a run of READ frames.
func requestedIDs(req []byte) []protocol.ServoID {
	var ids []protocol.ServoID
	for off := 0; off+5 < len(req); {
		length := int(req[off+3])
		end := off + 4 + length
		if end > len(req) {
			break
		}
		switch req[off+4] {
		case feetech.InstSyncRead:
			for _, id := range req[off+7 : end-1] {
				ids = append(ids, protocol.ServoID(id))
			}
		case feetech.InstRead:
			ids = append(ids, protocol.ServoID(req[off+2]))
		}
		off = end
	}
	return ids
}
