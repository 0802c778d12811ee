package transport

import (
	"bufio"
	"io"
	"sync"

	"relaygw/pkg/packer"
)

// ReadBlocks reads back-to-back packets from r until r fails and returns that
// error (io.EOF on a clean close between packets). A packet that does not
// decode is passed to onDecodeErr and reading goes on.
func ReadBlocks(r io.Reader, pk *packer.Packer, onData func(packer.Data), onDecodeErr func(error)) error {
	br := bufio.NewReaderSize(r, 4*packer.PacketSize)
	buf := make([]byte, packer.PacketSize)
	for {
		if _, err := io.ReadFull(br, buf); err != nil {
			return err
		}
		d, err := pk.Unpack(buf)
		if err != nil {
			onDecodeErr(err)
			continue
		}
		onData(d)
	}
}

// BlockWriter serializes whole-packet writes onto one stream.
type BlockWriter struct {
	mu sync.Mutex
	bw *bufio.Writer
}

func NewBlockWriter(w io.Writer) *BlockWriter {
	return &BlockWriter{bw: bufio.NewWriterSize(w, packer.PacketSize)}
}

// WritePacket writes p and flushes it.
func (w *BlockWriter) WritePacket(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.bw.Write(p); err != nil {
		return err
	}
	return w.bw.Flush()
}
