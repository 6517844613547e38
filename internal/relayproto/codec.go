package relayproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/flate"
)

// DefaultMaxDecodedSize bounds the inflated size of a single envelope.
const DefaultMaxDecodedSize = 64 << 20

// ErrFrameTooLarge is returned when an inflated envelope exceeds the limit.
var ErrFrameTooLarge = errors.New("envelope exceeds maximum decoded size")

// Codec converts envelopes to websocket frames. Compressed envelopes are
// raw deflate streams sent as binary frames; uncompressed envelopes are
// plain JSON text frames. Decode accepts both regardless of Compress.
type Codec struct {
	Compress       bool
	Level          int
	MaxDecodedSize int64

	writers sync.Pool
}

// NewCodec returns a codec; compress selects deflate for outbound frames.
func NewCodec(compress bool) *Codec {
	return &Codec{Compress: compress, Level: flate.BestSpeed}
}

// Encode serializes env and returns the websocket message type to use.
func (c *Codec) Encode(env Envelope) (int, []byte, error) {
	if env.Type == "" {
		return 0, nil, ErrEmptyType
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return 0, nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	if !c.Compress {
		return websocket.TextMessage, raw, nil
	}

	var buf bytes.Buffer
	fw, err := c.writer(&buf)
	if err != nil {
		return 0, nil, err
	}
	defer c.writers.Put(fw)
	if _, err := fw.Write(raw); err != nil {
		return 0, nil, fmt.Errorf("deflate %s: %w", env.Type, err)
	}
	if err := fw.Close(); err != nil {
		return 0, nil, fmt.Errorf("deflate %s: %w", env.Type, err)
	}
	return websocket.BinaryMessage, buf.Bytes(), nil
}

// Decode parses a frame received with the given websocket message type.
func (c *Codec) Decode(messageType int, data []byte) (Envelope, error) {
	raw := data
	if messageType == websocket.BinaryMessage {
		inflated, err := c.inflate(data)
		if err != nil {
			return Envelope{}, err
		}
		raw = inflated
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrEmptyType
	}
	return env, nil
}

func (c *Codec) writer(dst io.Writer) (*flate.Writer, error) {
	if v := c.writers.Get(); v != nil {
		fw := v.(*flate.Writer)
		fw.Reset(dst)
		return fw, nil
	}
	level := c.Level
	if level == 0 {
		level = flate.BestSpeed
	}
	fw, err := flate.NewWriter(dst, level)
	if err != nil {
		return nil, fmt.Errorf("deflate writer: %w", err)
	}
	return fw, nil
}

func (c *Codec) inflate(data []byte) ([]byte, error) {
	limit := c.MaxDecodedSize
	if limit <= 0 {
		limit = DefaultMaxDecodedSize
	}
	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()
	out, err := io.ReadAll(io.LimitReader(fr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("inflate envelope: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}
