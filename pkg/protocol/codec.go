// Package protocol encodes and decodes the Feetech STS/SCS frames used to
// read present positions from, and sync-write goal positions to, a bus of servos.
//
// The codec performs no I/O. It produces request bytes for a transport and
// validates the bytes the transport hands back.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

// ServoID addresses one device on a shared bus.
type ServoID uint8

// RawPosition is a servo's native encoder reading (0-4095 on STS3215).
type RawPosition uint16

// Position pairs a servo with a raw position. An ordered slice of Position is
// the codec's mapping type: slice order is wire order.
type Position struct {
	ID  ServoID     `json:"id"`
	Raw RawPosition `json:"raw"`
}

const (
	headerByte = 0xFF

	// positionSize is the width of the present/goal position registers.
	positionSize = 2

	// statusFrameOverhead is header(2) + id + length + error + checksum.
	statusFrameOverhead = 6

	// maxParams is the largest parameter block a length byte can describe.
	maxParams = 0xFF - 2
)

// Codec builds and parses frames for one protocol variant.
type Codec struct {
	proto *feetech.Protocol
	order binary.ByteOrder
}

// NewCodec creates a codec for feetech.ProtocolSTS or feetech.ProtocolSCS.
func NewCodec(version int) *Codec {
	p := feetech.NewProtocol(version)
	return &Codec{
		proto: p,
		order: p.ByteOrder(),
	}
}

// Version returns the protocol variant.
func (c *Codec) Version() int {
	return c.proto.Version()
}

// SupportsSyncRead reports whether reads go out as one SYNC READ frame.
// SCS servos do not implement it, so reads become one READ frame per servo.
func (c *Codec) SupportsSyncRead() bool {
	return c.proto.Version() != feetech.ProtocolSCS
}

// ReadResponseLen returns the number of bytes n servos send back for a position read.
func (c *Codec) ReadResponseLen(n int) int {
	return n * (statusFrameOverhead + positionSize)
}

// EncodeRead builds the request for the present position of ids, in order.
// An empty ids slice yields a nil request.
func (c *Codec) EncodeRead(ids []ServoID) ([]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := validateIDs(ids); err != nil {
		return nil, err
	}

	addr := feetech.RegPresentPosition.Address

	if !c.SupportsSyncRead() {
		buf := make([]byte, 0, len(ids)*8)
		for _, id := range ids {
			buf = append(buf, c.proto.ReadPacket(byte(id), addr, positionSize)...)
		}
		return buf, nil
	}

	params := make([]byte, 0, 2+len(ids))
	params = append(params, addr, positionSize)
	for _, id := range ids {
		params = append(params, byte(id))
	}
	if len(params) > maxParams {
		return nil, fmt.Errorf("%w: sync read of %d servos", ErrFrameTooLarge, len(ids))
	}

	return c.proto.Encode(feetech.Packet{
		ID:          feetech.BroadcastID,
		Instruction: feetech.InstSyncRead,
		Parameters:  params,
	}), nil
}

// DecodeRead parses the status frames answering EncodeRead(ids) and returns
// one Position per queried ID in the order of ids.
//
// Noise before the first header is skipped. A frame cut short by the end of
// resp is treated as not received, so a servo that timed out is reported as
// a MissingServoError rather than a malformed frame.
func (c *Codec) DecodeRead(resp []byte, ids []ServoID) ([]Position, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	queried := make(map[ServoID]bool, len(ids))
	for _, id := range ids {
		queried[id] = true
	}
	got := make(map[ServoID]RawPosition, len(ids))

	offset := 0
	for offset < len(resp) {
		start := findHeader(resp, offset)
		if start < 0 {
			if len(got) == 0 {
				return nil, &MalformedFrameError{Offset: offset, Reason: "no frame header"}
			}
			break
		}
		if start+4 > len(resp) {
			break
		}

		id := ServoID(resp[start+2])
		length := int(resp[start+3])
		if length < 2 {
			return nil, &MalformedFrameError{Offset: start, Reason: fmt.Sprintf("length byte %d below minimum", length)}
		}

		end := start + 4 + length
		if end > len(resp) {
			break
		}
		frame := resp[start:end]

		want := checksum(frame[2 : len(frame)-1])
		if have := frame[len(frame)-1]; have != want {
			return nil, &ChecksumError{ID: id, Want: want, Got: have}
		}

		if !queried[id] {
			return nil, &MalformedFrameError{Offset: start, Reason: fmt.Sprintf("answer from unqueried servo %d", id)}
		}
		if _, dup := got[id]; dup {
			return nil, &MalformedFrameError{Offset: start, Reason: fmt.Sprintf("duplicate answer from servo %d", id)}
		}

		status := feetech.StatusError(frame[4])
		if status.HasError() {
			return nil, &ServoStatusError{ID: id, Status: status}
		}

		params := frame[5 : len(frame)-1]
		if len(params) != positionSize {
			return nil, &MalformedFrameError{Offset: start, Reason: fmt.Sprintf("servo %d sent %d data bytes, want %d", id, len(params), positionSize)}
		}

		got[id] = RawPosition(c.order.Uint16(params))
		offset = end
	}

	positions := make([]Position, 0, len(ids))
	for _, id := range ids {
		raw, ok := got[id]
		if !ok {
			return nil, &MissingServoError{ID: id}
		}
		positions = append(positions, Position{ID: id, Raw: raw})
	}

	return positions, nil
}

// EncodeSyncWrite builds a single SYNC WRITE frame commanding every goal at
// once. Per-servo payloads appear in the order of goals. An empty goals slice
// yields a nil frame.
func (c *Codec) EncodeSyncWrite(goals []Position) ([]byte, error) {
	if len(goals) == 0 {
		return nil, nil
	}

	params := make([]byte, 0, 2+len(goals)*(1+positionSize))
	params = append(params, feetech.RegGoalPosition.Address, positionSize)

	seen := make(map[ServoID]bool, len(goals))
	word := make([]byte, positionSize)
	for _, g := range goals {
		if err := validateID(g.ID); err != nil {
			return nil, err
		}
		if seen[g.ID] {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateID, g.ID)
		}
		seen[g.ID] = true

		c.order.PutUint16(word, uint16(g.Raw))
		params = append(params, byte(g.ID))
		params = append(params, word...)
	}
	if len(params) > maxParams {
		return nil, fmt.Errorf("%w: sync write of %d servos", ErrFrameTooLarge, len(goals))
	}

	return c.proto.Encode(feetech.Packet{
		ID:          feetech.BroadcastID,
		Instruction: feetech.InstSyncWrite,
		Parameters:  params,
	}), nil
}

// DecodeSyncWrite parses a goal-position SYNC WRITE frame back into its goals.
func (c *Codec) DecodeSyncWrite(frame []byte) ([]Position, error) {
	if len(frame) < statusFrameOverhead || frame[0] != headerByte || frame[1] != headerByte {
		return nil, &MalformedFrameError{Offset: 0, Reason: "no frame header"}
	}

	length := int(frame[3])
	if len(frame) != 4+length {
		return nil, &MalformedFrameError{Offset: 0, Reason: fmt.Sprintf("length byte %d does not match frame size %d", length, len(frame))}
	}

	want := checksum(frame[2 : len(frame)-1])
	if have := frame[len(frame)-1]; have != want {
		return nil, &ChecksumError{ID: ServoID(frame[2]), Want: want, Got: have}
	}

	if frame[2] != feetech.BroadcastID || frame[4] != feetech.InstSyncWrite {
		return nil, &MalformedFrameError{Offset: 2, Reason: "not a broadcast sync write"}
	}

	params := frame[5 : len(frame)-1]
	if len(params) < 2 || params[0] != feetech.RegGoalPosition.Address || params[1] != positionSize {
		return nil, &MalformedFrameError{Offset: 5, Reason: "not a goal position sync write"}
	}

	body := params[2:]
	if len(body)%(1+positionSize) != 0 {
		return nil, &MalformedFrameError{Offset: 7, Reason: "truncated servo payload"}
	}

	goals := make([]Position, 0, len(body)/(1+positionSize))
	for i := 0; i < len(body); i += 1 + positionSize {
		goals = append(goals, Position{
			ID:  ServoID(body[i]),
			Raw: RawPosition(c.order.Uint16(body[i+1 : i+1+positionSize])),
		})
	}

	return goals, nil
}

// EncodeStatus builds the status frame a servo sends in answer to a position
// read. Simulated buses use it to reply to EncodeRead requests.
func (c *Codec) EncodeStatus(id ServoID, status feetech.StatusError, raw RawPosition) []byte {
	word := make([]byte, positionSize)
	c.order.PutUint16(word, uint16(raw))

	frame := []byte{headerByte, headerByte, byte(id), positionSize + 2, byte(status)}
	frame = append(frame, word...)
	return append(frame, checksum(frame[2:]))
}

// EncodeTorque builds one SYNC WRITE frame setting the torque enable register
// on every id, in the order given.
func (c *Codec) EncodeTorque(ids []ServoID, enabled bool) ([]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := validateIDs(ids); err != nil {
		return nil, err
	}

	var val byte
	if enabled {
		val = 1
	}

	params := make([]byte, 0, 2+2*len(ids))
	params = append(params, feetech.RegTorqueEnable.Address, 1)
	for _, id := range ids {
		params = append(params, byte(id), val)
	}

	return c.proto.Encode(feetech.Packet{
		ID:          feetech.BroadcastID,
		Instruction: feetech.InstSyncWrite,
		Parameters:  params,
	}), nil
}

func validateID(id ServoID) error {
	if id > feetech.MaxServoID {
		return fmt.Errorf("%w: %d (valid range: 0-%d)", ErrInvalidID, id, feetech.MaxServoID)
	}
	return nil
}

func validateIDs(ids []ServoID) error {
	seen := make(map[ServoID]bool, len(ids))
	for _, id := range ids {
		if err := validateID(id); err != nil {
			return err
		}
		if seen[id] {
			return fmt.Errorf("%w: %d", ErrDuplicateID, id)
		}
		seen[id] = true
	}
	return nil
}

func findHeader(data []byte, from int) int {
	for i := from; i+1 < len(data); i++ {
		if data[i] == headerByte && data[i+1] == headerByte {
			return i
		}
	}
	return -1
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return ^sum
}
