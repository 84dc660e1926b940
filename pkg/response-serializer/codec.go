package serializer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrCorrupt = errors.New("corrupt cache entry")

// Codec turns entries into bytes and back.
type Codec interface {
	Name() string
	id() byte
	marshal(Entry) ([]byte, error)
	unmarshal([]byte, *Entry) error
}

// Msgpack encodes entries with vmihailenco/msgpack. The zero value is ready to use.
type Msgpack struct{}

func (Msgpack) Name() string { return "msgpack" }
func (Msgpack) id() byte     { return 1 }

func (Msgpack) marshal(e Entry) ([]byte, error) { return msgpack.Marshal(e) }

func (Msgpack) unmarshal(b []byte, e *Entry) error { return msgpack.Unmarshal(b, e) }

// CBOR encodes entries with fxamacker/cbor using core deterministic encoding.
type CBOR struct{}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	var err error
	if cborEnc, err = eo.EncMode(); err != nil {
		panic(err)
	}
	if cborDec, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

func (CBOR) Name() string { return "cbor" }
func (CBOR) id() byte     { return 2 }

func (CBOR) marshal(e Entry) ([]byte, error) { return cborEnc.Marshal(e) }

func (CBOR) unmarshal(b []byte, e *Entry) error { return cborDec.Unmarshal(b, e) }

var codecs = map[byte]Codec{
	Msgpack{}.id(): Msgpack{},
	CBOR{}.id():    CBOR{},
}

// CodecByName returns the codec with the given name; empty means msgpack.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "msgpack":
		return Msgpack{}, nil
	case "cbor":
		return CBOR{}, nil
	}
	return nil, fmt.Errorf("unsupported codec: %s", name)
}

const version byte = 1

var magic = [...]byte{'O', 'F', 'C', 'E'}

// header: magic(4) | ver(1) | codec(1) | xxhash64 of payload (u64 be)
const headerLen = 4 + 1 + 1 + 8

// Encode serializes an entry with the given codec into a checksummed envelope.
func Encode(c Codec, e Entry) ([]byte, error) {
	if c == nil {
		c = Msgpack{}
	}
	payload, err := c.marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(headerLen + len(payload))
	buf.Write(magic[:])
	buf.WriteByte(version)
	buf.WriteByte(c.id())
	var u8 [8]byte
	binary.BigEndian.PutUint64(u8[:], xxhash.Sum64(payload))
	buf.Write(u8[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Decode reads an envelope written by Encode, whichever codec wrote it.
func Decode(b []byte) (Entry, error) {
	var e Entry
	if len(b) < headerLen || !bytes.Equal(b[:4], magic[:]) || b[4] != version {
		return e, ErrCorrupt
	}
	c, ok := codecs[b[5]]
	if !ok {
		return e, ErrCorrupt
	}
	payload := b[headerLen:]
	if binary.BigEndian.Uint64(b[6:14]) != xxhash.Sum64(payload) {
		return e, ErrCorrupt
	}
	if err := c.unmarshal(payload, &e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return e, nil
}
