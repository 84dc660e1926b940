package serializer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ErrIncomplete is reported by a Recorder whose body was closed before it was
// read to the end.
var ErrIncomplete = errors.New("response body closed before EOF")

// Recorder duplicates a response while its body is read by someone else.
// Nothing is buffered ahead of the reader; the entry becomes available once
// the body was read to EOF.
type Recorder struct {
	res  http.Response
	typ  ResponseType
	body bytes.Buffer

	done chan struct{}
	once sync.Once
	err  error
}

// Record replaces the body of res with one that copies everything read from
// it into the returned Recorder.
func Record(res *http.Response, typ ResponseType) *Recorder {
	r := &Recorder{
		res:  *res,
		typ:  typ,
		done: make(chan struct{}),
	}
	r.res.Header = res.Header.Clone()
	r.res.Body = nil
	if res.Body == nil || res.Body == http.NoBody {
		r.finish(nil)
		return r
	}
	res.Body = &teeBody{body: res.Body, rec: r}
	return r
}

func (r *Recorder) finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed when the body has been read to the end, failed or been closed.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

// Entry waits for the body to be done and returns the captured response.
// A body that failed or was closed early yields an error and no entry.
func (r *Recorder) Entry(ctx context.Context) (Entry, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
	if r.err != nil {
		return Entry{}, fmt.Errorf("read response body: %w", r.err)
	}
	entry := newEntry(&r.res, r.typ)
	if err := entry.encodeResponse(&r.res, r.body.Bytes()); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

type teeBody struct {
	body io.ReadCloser
	rec  *Recorder
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.body.Read(p)
	if n > 0 {
		t.rec.body.Write(p[:n])
	}
	switch {
	case err == io.EOF:
		t.rec.finish(nil)
	case err != nil:
		t.rec.finish(err)
	}
	return n, err
}

func (t *teeBody) Close() error {
	err := t.body.Close()
	// no-op after EOF
	t.rec.finish(ErrIncomplete)
	return err
}
