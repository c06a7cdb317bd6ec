package display

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

const (
	escapeStart = "\x1b_G"
	escapeEnd   = "\x1b\\"
	chunkSize   = 4096
)

// KittyEncoder writes PNG data as kitty graphics protocol escapes.
type KittyEncoder struct {
	out     io.Writer
	columns int
}

type KittyOption func(*KittyEncoder)

// WithColumns limits the drawn image to n terminal cells wide.
func WithColumns(n int) KittyOption {
	return func(e *KittyEncoder) { e.columns = n }
}

func NewKittyEncoder(out io.Writer, opts ...KittyOption) *KittyEncoder {
	e := &KittyEncoder{out: out}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *KittyEncoder) Encode(png []byte) error {
	if len(png) == 0 {
		return nil
	}

	encoded := base64.StdEncoding.EncodeToString(png)
	chunks := splitIntoChunks(encoded, chunkSize)
	for i, chunk := range chunks {
		if _, err := fmt.Fprintf(e.out, "%s%s;%s%s", escapeStart, e.control(i, len(chunks)), chunk, escapeEnd); err != nil {
			return err
		}
	}
	return nil
}

// control returns the key list for chunk i of n. Only the first chunk
// carries the transmit keys; m=1 marks that more chunks follow.
func (e *KittyEncoder) control(i, n int) string {
	var keys []string
	if i == 0 {
		keys = append(keys, "a=T", "f=100", "q=2")
		if e.columns > 0 {
			keys = append(keys, fmt.Sprintf("c=%d", e.columns))
		}
	}
	if n > 1 {
		if i == n-1 {
			keys = append(keys, "m=0")
		} else {
			keys = append(keys, "m=1")
		}
	}
	return strings.Join(keys, ",")
}

func splitIntoChunks(s string, size int) []string {
	var chunks []string
	for len(s) > 0 {
		n := min(size, len(s))
		chunks = append(chunks, s[:n])
		s = s[n:]
	}
	return chunks
}
