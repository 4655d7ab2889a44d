package quicgrid

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frames are varint length-prefixed. The body starts with a kind
// byte; every fixed field is big-endian.
type frameKind byte

const (
	// frameInit opens a stream: body is the sender's canonical worker
	// address, so a peer is known by where it listens, not by the
	// ephemeral source of its dial.
	frameInit frameKind = iota + 1
	// frameTagged is a tagged message: u64 tag + payload.
	frameTagged
	// frameGetReq asks for registered memory: u64 request id,
	// u64 offset, u64 length, varint-prefixed cookie.
	frameGetReq
	// frameGetResp answers a get: u64 request id, u8 status, payload.
	frameGetResp
	// frameActive is an active message: u32 id + payload.
	frameActive
)

const (
	getStatusOK byte = iota
	getStatusBadCookie
	getStatusBadRange
)

// maxFrameSize bounds a single frame of any kind. Get responses are
// frames too, so one get returns at most this many bytes less the
// response header; larger gets are not split into several frames.
const maxFrameSize = 64 << 20

func appendFrame(dst []byte, body []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(body)))
	return append(dst, body...)
}

func encodeInit(addr string) []byte {
	body := make([]byte, 0, 1+len(addr))
	body = append(body, byte(frameInit))
	body = append(body, addr...)
	return appendFrame(nil, body)
}

func encodeTagged(tag uint64, payload []byte) []byte {
	body := make([]byte, 0, 9+len(payload))
	body = append(body, byte(frameTagged))
	body = binary.BigEndian.AppendUint64(body, tag)
	body = append(body, payload...)
	return appendFrame(nil, body)
}

func encodeGetReq(reqID, offset, length uint64, cookie []byte) []byte {
	body := make([]byte, 0, 25+len(cookie)+binary.MaxVarintLen64)
	body = append(body, byte(frameGetReq))
	body = binary.BigEndian.AppendUint64(body, reqID)
	body = binary.BigEndian.AppendUint64(body, offset)
	body = binary.BigEndian.AppendUint64(body, length)
	body = protowire.AppendVarint(body, uint64(len(cookie)))
	body = append(body, cookie...)
	return appendFrame(nil, body)
}

func encodeGetResp(reqID uint64, status byte, payload []byte) []byte {
	body := make([]byte, 0, 10+len(payload))
	body = append(body, byte(frameGetResp))
	body = binary.BigEndian.AppendUint64(body, reqID)
	body = append(body, status)
	body = append(body, payload...)
	return appendFrame(nil, body)
}

func encodeActive(id uint32, payload []byte) []byte {
	body := make([]byte, 0, 5+len(payload))
	body = append(body, byte(frameActive))
	body = binary.BigEndian.AppendUint32(body, id)
	body = append(body, payload...)
	return appendFrame(nil, body)
}

// readFrame consumes one varint-prefixed frame body from r.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [binary.MaxVarintLen64]byte
	n := 0
	for {
		if n == len(prefix) {
			return nil, fmt.Errorf("quicgrid: frame length prefix too long")
		}
		if _, err := io.ReadFull(r, prefix[n:n+1]); err != nil {
			return nil, err
		}
		n++
		if prefix[n-1] < 0x80 {
			break
		}
	}
	size, consumed := protowire.ConsumeVarint(prefix[:n])
	if err := protowire.ParseError(consumed); err != nil {
		return nil, err
	}
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("quicgrid: invalid frame size %d", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
