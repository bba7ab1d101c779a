package whatsminer

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"codeberg.org/mutker/coolantctl/internal/errors"
)

const (
	frameHeaderSize = 4
	maxFrameSize    = 1 << 20
)

type request struct {
	Cmd   string `json:"cmd"`
	Param any    `json:"param"`
}

type response struct {
	Code int             `json:"code"`
	When int64           `json:"when"`
	Msg  json.RawMessage `json:"msg"`
}

type deviceInfo struct {
	Salt  string     `json:"salt"`
	Power *powerInfo `json:"power"`
}

type powerInfo struct {
	LiquidTemperature *float64 `json:"liquid-temperature"`
	PSUTemperature    *float64 `json:"temp0"`
	FanSpeed          *float64 `json:"fanspeed"`
}

// writeFrame writes a little-endian uint32 length followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	n := binary.LittleEndian.Uint32(header[:])
	if n > maxFrameSize {
		return nil, errors.New().WithData(ErrDecode, struct {
			Length uint32
			Max    int
		}{Length: n, Max: maxFrameSize})
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func encodeRequest(cmd string, param any) ([]byte, error) {
	return json.Marshal(request{Cmd: cmd, Param: param})
}
