package server

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// bufferedResponse implements http.ResponseWriter over a byte buffer so
// a routed response can be replayed onto an arbitrary stream.
type bufferedResponse struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: http.Header{}}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

// writeTo serialises the captured response in wire format
func (b *bufferedResponse) writeTo(w io.Writer, req *http.Request) error {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	header := b.header.Clone()
	header.Set("Content-Length", strconv.Itoa(b.body.Len()))
	header.Set("Connection", "close")

	resp := &http.Response{
		StatusCode:    b.status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(b.body.Bytes())),
		ContentLength: int64(b.body.Len()),
		Request:       req,
		Close:         true,
	}
	return resp.Write(w)
}
