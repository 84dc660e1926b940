package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ResponseType tells how much of a response can be inspected.
// Only basic responses are ever written to a store.
type ResponseType string

const (
	// Same-origin response; status, headers and body are fully visible.
	TypeBasic ResponseType = "basic"
	// Cross-origin response the other origin allowed us to read.
	TypeCORS ResponseType = "cors"
	// Cross-origin response without CORS; it cannot be validated.
	TypeOpaque ResponseType = "opaque"
	// Synthetic network error.
	TypeError ResponseType = "error"
)

// Entry is a captured response together with the metadata needed to replay it.
type Entry struct {
	URL      string       `msgpack:"url" cbor:"url"`
	Status   int          `msgpack:"status" cbor:"status"`
	Type     ResponseType `msgpack:"type" cbor:"type"`
	StoredAt time.Time    `msgpack:"stored_at" cbor:"stored_at"`
	// HTTP/1.1 representation of the response, body included.
	Response []byte `msgpack:"response" cbor:"response"`
}

// Capture duplicates a response.
// The body of res is read once and then replaced, so res can still be handed
// to the caller after the call.
func Capture(res *http.Response, typ ResponseType) (Entry, error) {
	entry := newEntry(res, typ)

	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			// the reader of res sees the same failure at the same offset
			res.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), errReader{err}))
			return entry, fmt.Errorf("read response body: %w", err)
		}
		res.Body = io.NopCloser(bytes.NewReader(body))
	}

	if err := entry.encodeResponse(res, body); err != nil {
		return entry, err
	}
	return entry, nil
}

func newEntry(res *http.Response, typ ResponseType) Entry {
	entry := Entry{
		Status:   res.StatusCode,
		Type:     typ,
		StoredAt: time.Now(),
	}
	if res.Request != nil && res.Request.URL != nil {
		entry.URL = res.Request.URL.String()
	}
	return entry
}

// encodeResponse fills e.Response with the wire form of res carrying body.
func (e *Entry) encodeResponse(res *http.Response, body []byte) error {
	stored := *res
	stored.Header = res.Header.Clone()
	stored.Body = io.NopCloser(bytes.NewReader(body))
	stored.ContentLength = int64(len(body))
	stored.TransferEncoding = nil
	stored.Trailer = nil
	stored.Close = false
	// write as HTTP/1.1 regardless of the protocol spoken upstream
	stored.Proto, stored.ProtoMajor, stored.ProtoMinor = "HTTP/1.1", 1, 1

	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	e.Response = buf.Bytes()
	return nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// Replay builds a fresh response from the entry, as an answer to req.
func (e Entry) Replay(req *http.Request) (*http.Response, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(e.Response)), req)
	if err != nil {
		return nil, fmt.Errorf("read stored response: %w", err)
	}
	return res, nil
}
