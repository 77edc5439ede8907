package dynamixel

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	protocol "github.com/haguro/go-dxl/protocol/v2"
	"go.bug.st/serial"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"github.com/opan08/open-manipulator/chain"
)

var (
	// ErrNotOpen is returned when operations are attempted on a closed driver.
	ErrNotOpen = errors.New("driver not open")
	// ErrBusInit is returned when the bus session cannot be established.
	ErrBusInit = errors.New("bus init failed")
	// ErrBusRead is returned when a bulk read times out or returns the wrong count.
	ErrBusRead = errors.New("bus read failed")
	// ErrBusWrite is returned on a transport fault during a bulk write.
	ErrBusWrite = errors.New("bus write failed")
)

// Transport is a Dynamixel protocol 2.0 session.
type Transport interface {
	ReadPosition(id byte) (int32, error)
	Write(id byte, addr uint16, data ...byte) error
	Close() error
}

// serialTransport runs the protocol over a serial port.
type serialTransport struct {
	port    serial.Port
	handler *protocol.Handler
}

// OpenSerial opens portName and returns a transport whose transfers time out after BusTimeout.
func OpenSerial(portName string, baudRate int) (Transport, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(BusTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &serialTransport{
		port:    port,
		handler: protocol.NewHandler(port, BusTimeout),
	}, nil
}

func (s *serialTransport) ReadPosition(id byte) (int32, error) {
	data, err := s.handler.Read(id, AddrPresentPosition, 4)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("short read from motor %d: %d bytes", id, len(data))
	}
	return BytesToInt32(data), nil
}

func (s *serialTransport) Write(id byte, addr uint16, data ...byte) error {
	return s.handler.Write(id, addr, data...)
}

func (s *serialTransport) Close() error {
	return s.port.Close()
}

// Motor maps one actuated chain link to its Dynamixel ID.
type Motor struct {
	Name      string
	Link      int // index in the chain
	ID        byte
	Converter Converter
}

// MotorsFromChain returns one XM430 motor per actuated link in chain order.
func MotorsFromChain(c *chain.Chain) []Motor {
	var motors []Motor
	for _, i := range c.Actuated() {
		l := c.Links[i]
		motors = append(motors, Motor{Name: l.Name, Link: i, ID: byte(l.MotorID), Converter: XM430})
	}
	return motors
}

// Driver is the bulk position device for every motor of the chain.
// All transfers are serialised by mu.
type Driver struct {
	mu        sync.Mutex
	transport Transport
	motors    []Motor
	logger    logging.Logger
	isOpen    bool
	synced    bool
}

// NewDriver opens the serial bus and returns a driver for the chain's actuated links.
func NewDriver(portName string, baudRate int, c *chain.Chain, logger logging.Logger) (*Driver, error) {
	t, err := OpenSerial(portName, baudRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBusInit, err)
	}
	return NewDriverWithTransport(t, MotorsFromChain(c), logger), nil
}

// NewDriverWithTransport wraps an already open transport.
func NewDriverWithTransport(t Transport, motors []Motor, logger logging.Logger) *Driver {
	return &Driver{
		transport: t,
		motors:    motors,
		logger:    logger,
		isOpen:    true,
	}
}

// Motors returns the motor table.
func (d *Driver) Motors() []Motor {
	return d.motors
}

// checkOpen verifies the driver is open.
func (d *Driver) checkOpen() error {
	if !d.isOpen {
		return ErrNotOpen
	}
	return nil
}

// Initialize puts every motor in position mode with an unlimited profile so streamed goals
// are followed directly, applies torque, and performs one bulk read.
func (d *Driver) Initialize(torque bool) ([]float64, error) {
	d.mu.Lock()
	if err := d.checkOpen(); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrBusInit, err)
	}
	for _, m := range d.motors {
		err := multierr.Combine(
			d.transport.Write(m.ID, AddrTorqueEnable, 0),
			d.transport.Write(m.ID, AddrOperatingMode, PositionControlMode),
			d.transport.Write(m.ID, AddrProfileVelocity, Int32ToBytes(0)...),
			d.transport.Write(m.ID, AddrProfileAcceleration, Int32ToBytes(0)...),
		)
		if err != nil && !isHardwareError(err) {
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: motor %d (%s): %w", ErrBusInit, m.ID, m.Name, err)
		}
	}
	d.synced = true
	d.mu.Unlock()

	d.SetTorque(torque)

	angles, err := d.ReadAngles()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBusInit, err)
	}
	return angles, nil
}

// ReadAngles reads the present position of every motor, in radians, in motor table order.
func (d *Driver) ReadAngles() ([]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkOpen(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBusRead, err)
	}

	angles := make([]float64, 0, len(d.motors))
	for _, m := range d.motors {
		ticks, err := d.transport.ReadPosition(m.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: motor %d: %w", ErrBusRead, m.ID, err)
		}
		angles = append(angles, m.Converter.ToRadian(ticks))
	}
	return angles, nil
}

// WriteAngles writes goal positions. states is indexed by chain link.
// Hardware status errors (e.g. data limit) are logged and skipped like the motor
// still moves to the nearest valid position; communication errors abort the write.
func (d *Driver) WriteAngles(states []chain.State) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkOpen(); err != nil {
		return fmt.Errorf("%w: %w", ErrBusWrite, err)
	}

	for _, m := range d.motors {
		if m.Link >= len(states) {
			return fmt.Errorf("%w: no state for link %d (%s)", ErrBusWrite, m.Link, m.Name)
		}
		ticks := m.Converter.ToNative(states[m.Link].Pos)
		if err := d.transport.Write(m.ID, AddrGoalPosition, Int32ToBytes(ticks)...); err != nil {
			if isHardwareError(err) {
				d.logger.Debugf("motor %d (%s) reported %v", m.ID, m.Name, err)
				continue
			}
			return fmt.Errorf("%w: motor %d: %w", ErrBusWrite, m.ID, err)
		}
	}
	return nil
}

// SetTorque enables or disables torque on every motor. Failures are logged.
func (d *Driver) SetTorque(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkOpen(); err != nil {
		d.logger.Warnf("set torque %v: %v", enabled, err)
		return
	}
	var v byte
	if enabled {
		v = 1
	}
	for _, m := range d.motors {
		if err := d.transport.Write(m.ID, AddrTorqueEnable, v); err != nil && !isHardwareError(err) {
			d.logger.Warnf("failed to set torque %v on motor %d (%s): %v", enabled, m.ID, m.Name, err)
		}
	}
}

// Close disables torque and releases the transport.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isOpen {
		return nil
	}
	d.isOpen = false

	var err error
	for _, m := range d.motors {
		if werr := d.transport.Write(m.ID, AddrTorqueEnable, 0); werr != nil && !isHardwareError(werr) {
			err = multierr.Append(err, fmt.Errorf("disable torque on motor %d: %w", m.ID, werr))
		}
	}
	return multierr.Append(err, d.transport.Close())
}

// isHardwareError checks if the error is a Dynamixel hardware status error
// (as opposed to a communication error)
func isHardwareError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "data limit error") ||
		strings.Contains(errStr, "hardware error") ||
		strings.Contains(errStr, "overload error") ||
		strings.Contains(errStr, "overheating error")
}
