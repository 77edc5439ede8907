// Package dynamixel is the actuator bus adapter for the OpenManipulator's Dynamixel motors.
package dynamixel

import "time"

// Protocol and communication constants.
const (
	DefaultBaudRate = 1000000

	// Hard bound on a single bus transfer.
	BusTimeout = 100 * time.Millisecond

	// Control table addresses (XM series, Protocol 2.0)
	AddrOperatingMode       uint16 = 11
	AddrTorqueEnable        uint16 = 64
	AddrProfileAcceleration uint16 = 108
	AddrProfileVelocity     uint16 = 112
	AddrGoalPosition        uint16 = 116
	AddrPresentPosition     uint16 = 132

	// Position resolution
	TicksPerRevolution = 4096
	CenterPosition     = 2048
	MinPosition        = 0
	MaxPosition        = TicksPerRevolution - 1

	// Operating modes
	PositionControlMode = 3
)
