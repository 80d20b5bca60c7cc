package rpc

import (
	"bufio"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

const (
	statusOK byte = iota
	statusHandlerError
	statusUnknownCommand
)

// writeFrame writes b prefixed by its uvarint encoded length.
func writeFrame(w io.Writer, b []byte) error {
	if _, err := w.Write(varint.ToUvarint(uint64(len(b)))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFrame(r *bufio.Reader, max int) ([]byte, error) {
	l, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if l > uint64(max) {
		return nil, fmt.Errorf("frame of %d bytes exceeds maximum of %d", l, max)
	}
	b := make([]byte, l)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
