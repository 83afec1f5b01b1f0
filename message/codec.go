package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Constants for frame serialization
const (
	// HeaderSize is the fixed size of a frame header in bytes:
	// action, payload length, source, destination, conversation, flags.
	HeaderSize = 24

	// MaxPayloadSize is the maximum allowed payload size
	MaxPayloadSize = 64 * 1024 * 1024

	// batchPrefixSize is the frame count leading a batch payload
	batchPrefixSize = 4
)

// Codec errors
var (
	ErrShortFrame      = errors.New("frame truncated")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrNotBatch        = errors.New("frame is not a multiplexed batch")
)

// AppendFrame appends the wire frame of m to dst.
func AppendFrame(dst []byte, m *Message) ([]byte, error) {
	if m == nil {
		return dst, fmt.Errorf("message is nil")
	}
	if len(m.Payload) > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(m.Payload), MaxPayloadSize)
	}

	var header [HeaderSize]byte
	putHeader(header[:], m.Action, len(m.Payload), m.Source, m.Destination, m.Conversation, m.Flags)
	dst = append(dst, header[:]...)
	return append(dst, m.Payload...), nil
}

// Encode encodes a message to a fresh frame.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("message is nil")
	}
	return AppendFrame(make([]byte, 0, m.Size()), m)
}

// Decode decodes the frame at the start of data and returns the number of
// bytes consumed. The payload is copied out of data.
func Decode(data []byte) (*Message, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, fmt.Errorf("%w: %d bytes for header", ErrShortFrame, len(data))
	}

	length := int32(binary.BigEndian.Uint32(data[4:8]))
	if length < 0 || int(length) > MaxPayloadSize {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}
	total := HeaderSize + int(length)
	if len(data) < total {
		return nil, 0, fmt.Errorf("%w: expected %d, got %d", ErrShortFrame, total, len(data))
	}

	msg := &Message{
		Action:          Action(int32(binary.BigEndian.Uint32(data[0:4]))),
		Source:          ActorName(int32(binary.BigEndian.Uint32(data[8:12]))),
		Destination:     ActorName(int32(binary.BigEndian.Uint32(data[12:16]))),
		Conversation:    int32(binary.BigEndian.Uint32(data[16:20])),
		Flags:           Flags(binary.BigEndian.Uint32(data[20:24])),
		SourceNode:      NoRank,
		DestinationNode: NoRank,
	}
	if length > 0 {
		msg.Payload = make([]byte, length)
		copy(msg.Payload, data[HeaderSize:total])
	}

	return msg, total, nil
}

// DecodeAll decodes a transport buffer holding one frame. A multiplexed batch
// is expanded into its frames.
func DecodeAll(data []byte) ([]*Message, error) {
	msg, n, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after frame", len(data)-n)
	}
	if msg.Action != ActionMultiplexerMessage {
		return []*Message{msg}, nil
	}
	return DecodeBatch(msg.Payload)
}

// BatchHeaderSize is the room a batch buffer reserves before its first frame.
const BatchHeaderSize = HeaderSize + batchPrefixSize

// SealBatch writes the batch frame header into the first BatchHeaderSize
// bytes of buf, which must hold count frames after that prefix.
func SealBatch(buf []byte, count int) error {
	if len(buf) < BatchHeaderSize {
		return fmt.Errorf("%w: batch buffer of %d bytes", ErrShortFrame, len(buf))
	}
	putHeader(buf[:HeaderSize], ActionMultiplexerMessage, len(buf)-HeaderSize, NoActor, NoActor, 0, 0)
	binary.BigEndian.PutUint32(buf[HeaderSize:BatchHeaderSize], uint32(count))
	return nil
}

// EncodeBatch concatenates msgs into a single multiplexed frame.
func EncodeBatch(msgs []*Message) ([]byte, error) {
	size := BatchHeaderSize
	for _, m := range msgs {
		size += m.Size()
	}

	buf := make([]byte, BatchHeaderSize, size)
	var err error
	for _, m := range msgs {
		if buf, err = AppendFrame(buf, m); err != nil {
			return nil, err
		}
	}
	if err := SealBatch(buf, len(msgs)); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeBatch splits a batch payload into its frames.
func DecodeBatch(payload []byte) ([]*Message, error) {
	if len(payload) < batchPrefixSize {
		return nil, fmt.Errorf("%w: batch without frame count", ErrNotBatch)
	}
	count := int32(binary.BigEndian.Uint32(payload[:batchPrefixSize]))
	if count < 0 {
		return nil, fmt.Errorf("%w: negative frame count %d", ErrNotBatch, count)
	}
	if int(count) > (len(payload)-batchPrefixSize)/HeaderSize {
		return nil, fmt.Errorf("%w: %d frames claimed in %d bytes", ErrShortFrame, count, len(payload))
	}

	msgs := make([]*Message, 0, count)
	rest := payload[batchPrefixSize:]
	for i := int32(0); i < count; i++ {
		msg, n, err := Decode(rest)
		if err != nil {
			return nil, fmt.Errorf("frame %d of %d: %w", i, count, err)
		}
		msgs = append(msgs, msg)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d frames", len(rest), count)
	}
	return msgs, nil
}

func putHeader(buf []byte, action Action, length int, source, destination ActorName, conversation int32, flags Flags) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(action))
	binary.BigEndian.PutUint32(buf[4:8], uint32(length))
	binary.BigEndian.PutUint32(buf[8:12], uint32(source))
	binary.BigEndian.PutUint32(buf[12:16], uint32(destination))
	binary.BigEndian.PutUint32(buf[16:20], uint32(conversation))
	binary.BigEndian.PutUint32(buf[20:24], uint32(flags))
}
