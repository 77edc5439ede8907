package dynamixel

import (
	"encoding/binary"
	"math"
)

// Converter maps radians to a motor's native position ticks: ticks = round(rad*Scale) + Offset.
// It is the only place angle scaling lives.
type Converter struct {
	Scale  float64 // ticks per radian
	Offset int32   // ticks at zero radians
	Min    int32
	Max    int32
}

// XM430 is the converter for an XM430 in position control mode.
var XM430 = Converter{
	Scale:  TicksPerRevolution / (2 * math.Pi),
	Offset: CenterPosition,
	Min:    MinPosition,
	Max:    MaxPosition,
}

// ToNative converts radians to ticks, clamped to the motor's range, or to the int32 range
// when the converter has none. NaN maps to the offset.
func (c Converter) ToNative(radians float64) int32 {
	lo, hi := float64(math.MinInt32), float64(math.MaxInt32)
	if c.Min != 0 || c.Max != 0 {
		lo, hi = float64(c.Min), float64(c.Max)
	}
	ticks := math.Round(radians*c.Scale) + float64(c.Offset)
	if math.IsNaN(ticks) {
		ticks = float64(c.Offset)
	}
	return int32(math.Max(lo, math.Min(hi, ticks)))
}

// ToRadian converts ticks to radians.
func (c Converter) ToRadian(ticks int32) float64 {
	return float64(ticks-c.Offset) / c.Scale
}

// Step is the size of one tick in radians.
func (c Converter) Step() float64 {
	return 1 / c.Scale
}

// RadiansToDegrees converts radians to degrees.
func RadiansToDegrees(radians float64) float64 {
	return radians * 180.0 / math.Pi
}

// DegreesToRadians converts degrees to radians.
func DegreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// Int32ToBytes converts an int32 to 4 bytes (little-endian).
func Int32ToBytes(val int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(val))
	return buf
}

// BytesToInt32 converts 4 bytes (little-endian) to an int32.
func BytesToInt32(data []byte) int32 {
	if len(data) < 4 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(data))
}
