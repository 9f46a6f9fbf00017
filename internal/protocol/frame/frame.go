package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/danmuck/vizbridge/internal/protocol"
)

const (
	RequestHeaderLen  = 8
	ResponseHeaderLen = 4

	// MaxAdvertisementBytes is the UDP datagram ceiling.
	MaxAdvertisementBytes = 65535
)

// Header is the fixed request header: two big-endian uint32 lengths.
type Header struct {
	JSONLen uint32
	AdvLen  uint32
}

// Request is one decoded request frame.
type Request struct {
	JSON          []byte
	Advertisement []byte
}

// Limits constrains frame decode memory use.
type Limits struct {
	MaxJSONBytes          uint32
	MaxAdvertisementBytes uint32
	MaxBodyBytes          uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxJSONBytes:          64 * 1024,
		MaxAdvertisementBytes: MaxAdvertisementBytes,
		MaxBodyBytes:          64 * 1024 * 1024,
	}
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, RequestHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.JSONLen)
	binary.BigEndian.PutUint32(buf[4:8], h.AdvLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != RequestHeaderLen {
		return Header{}, fmt.Errorf("%w: frame header length %d", protocol.ErrMalformedStream, len(b))
	}
	return Header{
		JSONLen: binary.BigEndian.Uint32(b[0:4]),
		AdvLen:  binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

func checkLen(what string, n int) (uint32, error) {
	if uint64(n) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s length %d exceeds 32 bits", protocol.ErrPayloadTooLarge, what, n)
	}
	return uint32(n), nil
}

// EncodeRequest returns header(len(js), len(adv)) || js || adv.
func EncodeRequest(js, adv []byte) ([]byte, error) {
	jl, err := checkLen("json", len(js))
	if err != nil {
		return nil, err
	}
	al, err := checkLen("advertisement", len(adv))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, RequestHeaderLen+len(js)+len(adv))
	buf = append(buf, EncodeHeader(Header{JSONLen: jl, AdvLen: al})...)
	buf = append(buf, js...)
	buf = append(buf, adv...)
	return buf, nil
}

// WriteRequest writes one encoded request frame with a single Write call.
func WriteRequest(w io.Writer, js, adv []byte) error {
	buf, err := EncodeRequest(js, adv)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func ReadRequest(r io.Reader, limits Limits) (Request, error) {
	var fixed [RequestHeaderLen]byte
	if err := readFull(r, fixed[:]); err != nil {
		return Request{}, err
	}
	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Request{}, err
	}
	if h.JSONLen > limits.MaxJSONBytes {
		return Request{}, fmt.Errorf("%w: json length %d", protocol.ErrPayloadTooLarge, h.JSONLen)
	}
	if h.AdvLen > limits.MaxAdvertisementBytes {
		return Request{}, fmt.Errorf("%w: advertisement length %d", protocol.ErrPayloadTooLarge, h.AdvLen)
	}
	js := make([]byte, h.JSONLen)
	if err := readFull(r, js); err != nil {
		return Request{}, err
	}
	adv := make([]byte, h.AdvLen)
	if err := readFull(r, adv); err != nil {
		return Request{}, err
	}
	return Request{JSON: js, Advertisement: adv}, nil
}

// WriteResponse writes [4B bodyLen][body].
func WriteResponse(w io.Writer, body []byte) error {
	n, err := checkLen("body", len(body))
	if err != nil {
		return err
	}
	buf := make([]byte, ResponseHeaderLen, ResponseHeaderLen+len(body))
	binary.BigEndian.PutUint32(buf, n)
	buf = append(buf, body...)
	_, err = w.Write(buf)
	return err
}

// ReadResponse reads one length-prefixed response body. The prefix and the
// body both go through readFull, so fragmented delivery is handled.
func ReadResponse(r io.Reader, limits Limits) ([]byte, error) {
	var prefix [ResponseHeaderLen]byte
	if err := readFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > limits.MaxBodyBytes {
		return nil, fmt.Errorf("%w: response body length %d", protocol.ErrPayloadTooLarge, n)
	}
	body := make([]byte, n)
	if err := readFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// readFull loops until len(buf) bytes arrive. A stream that ends early is
// ErrConnectionClosed; other reader errors (deadlines, resets) are returned
// unwrapped so callers can inspect them.
func readFull(r io.Reader, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	got, err := io.ReadFull(r, buf)
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: read %d of %d bytes", protocol.ErrConnectionClosed, got, len(buf))
	}
	return err
}
