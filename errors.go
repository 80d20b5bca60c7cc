package auctionhouse

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
)

var (
	// ErrNotFound signals that a key, index entry or auction record is absent.
	ErrNotFound = errors.New("auctionhouse: not found")
	// ErrInvalidDigest signals a digest of unexpected length or encoding.
	ErrInvalidDigest = errors.New("auctionhouse: invalid digest")
)

type (
	ErrUnsupportedMulticodecCode struct {
		Code multicodec.Code
	}
	ErrMultihashDecode struct {
		Mh  multihash.Multihash
		Err error
	}
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func (e ErrUnsupportedMulticodecCode) Error() string {
	return fmt.Sprintf("multihash must be of code blake3, got: %s", e.Code.String())
}

func (e ErrMultihashDecode) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to decode multihash %s: %s", e.Mh.B58String(), e.Err.Error())
	}
	return fmt.Sprintf("failed to decode multihash %s", e.Mh.B58String())
}

func (e ErrMultihashDecode) Unwrap() error {
	return e.Err
}
