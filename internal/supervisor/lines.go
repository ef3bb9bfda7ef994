package supervisor

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
)

// pump reads r and sends each complete line to out. A trailing fragment
// without a newline is sent once the stream ends, marked Partial. Blank
// lines are dropped.
func pump(r io.Reader, stream Stream, out chan<- Line) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		raw, err := br.ReadString('\n')
		if raw != "" {
			partial := !strings.HasSuffix(raw, "\n")
			text := strings.TrimRight(raw, "\r\n")
			if strings.TrimSpace(text) != "" {
				out <- Line{Stream: stream, Text: text, Partial: partial}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
