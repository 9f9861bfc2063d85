package simplejson

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const startByte byte = 0x99

var errBadFrame = errors.New("bad frame")

// ReadMessage reads one frame into msg.Buffer. Frame layout is
// 0x99 | protocol | payload length (LE u16) | payload | '\n'.
func ReadMessage(r io.Reader, msg *FrameMessage) error {
	var length int

	if len(msg.Buffer) < 5 {
		return fmt.Errorf("buffer too small")
	}

	_, err := io.ReadFull(r, msg.Buffer[:4])
	if err != nil {
		return err
	}
	if msg.Buffer[0] != startByte {
		return errBadFrame
	}
	length = int(binary.LittleEndian.Uint16(msg.Buffer[2:4]))
	msg.Protocol = msg.Buffer[1]
	msg.Length = length + 5

	if len(msg.Buffer) < msg.Length {
		return fmt.Errorf("buffer too small for frame of %d bytes", msg.Length)
	}

	_, err = io.ReadFull(r, msg.Buffer[4:msg.Length])
	if err != nil {
		return err
	}
	if msg.Buffer[msg.Length-1] != '\n' {
		return errBadFrame
	}
	msg.Payload = msg.Buffer[4 : msg.Length-1]
	return nil
}

func EncodeMessage(protocol byte, payload []byte) ([]byte, error) {
	if len(payload) > math.MaxUint16 {
		return nil, fmt.Errorf("payload too large: %d", len(payload))
	}
	buf := make([]byte, 4, len(payload)+5)
	buf[0] = startByte
	buf[1] = protocol
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	return buf, nil
}

func WriteMessage(w io.Writer, protocol byte, payload []byte) error {
	b, err := EncodeMessage(protocol, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
