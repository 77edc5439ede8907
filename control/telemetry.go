package control

import (
	"bufio"
	"io"
	"strconv"

	"github.com/opan08/open-manipulator/chain"
)

// Telemetry writes joint angles as CRLF terminated text lines for the Processing plotter:
//
//	angle,0.00,0.12,-0.50,0.30,0.00 \r\n
//
// Values are printed with two decimals, one per actuated link in chain order.
type Telemetry struct {
	w     *bufio.Writer
	links []int
	buf   []byte
}

// NewTelemetry returns a writer reporting the given link indices.
func NewTelemetry(w io.Writer, links []int) *Telemetry {
	return &Telemetry{w: bufio.NewWriter(w), links: links}
}

// Init writes the handshake the plotter expects: a line of zeros then "Init Processing".
func (t *Telemetry) Init() error {
	b := t.buf[:0]
	for i := range t.links {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendFloat(b, 0, 'f', 2, 64)
	}
	b = append(b, "\r\nInit Processing\r\n"...)
	t.buf = b
	return t.flush(b)
}

// Angle writes one record for states, which is indexed by chain link.
func (t *Telemetry) Angle(states []chain.State) error {
	b := append(t.buf[:0], "angle"...)
	for _, i := range t.links {
		b = append(b, ',')
		b = strconv.AppendFloat(b, states[i].Pos, 'f', 2, 64)
	}
	b = append(b, " \r\n"...)
	t.buf = b
	return t.flush(b)
}

func (t *Telemetry) flush(b []byte) error {
	if _, err := t.w.Write(b); err != nil {
		return err
	}
	return t.w.Flush()
}
