package csc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// CSC measurement flags
	FlagWheelRevolutionData = 0x01
	FlagCrankRevolutionData = 0x02

	flagsSize     = 1
	wheelDataSize = 6 // uint32 revolutions + uint16 event time
	crankDataSize = 4 // uint16 revolutions + uint16 event time

	// Event times are reported in 1/1024 s
	EventTimeResolution = 1024
)

// ErrMalformedPayload is returned when a notification is shorter than its flags require
var ErrMalformedPayload = errors.New("malformed CSC payload")

// WheelData holds the wheel revolution sub-record of a measurement
type WheelData struct {
	Revolutions uint32
	EventTime   uint16
}

// CrankData holds the crank revolution sub-record of a measurement
type CrankData struct {
	Revolutions uint16
	EventTime   uint16
}

// Sample is one decoded CSC measurement. Either sub-record may be absent.
type Sample struct {
	Wheel *WheelData
	Crank *CrankData
}

func (s Sample) HasWheel() bool { return s.Wheel != nil }
func (s Sample) HasCrank() bool { return s.Crank != nil }

func (s Sample) String() string {
	str := "sample{"
	if s.Wheel != nil {
		str += fmt.Sprintf("wheel=%d@%d", s.Wheel.Revolutions, s.Wheel.EventTime)
	}
	if s.Crank != nil {
		if s.Wheel != nil {
			str += " "
		}
		str += fmt.Sprintf("crank=%d@%d", s.Crank.Revolutions, s.Crank.EventTime)
	}
	return str + "}"
}

// Decode parses a CSC measurement characteristic value
func Decode(buf []byte) (Sample, error) {
	if len(buf) < flagsSize {
		return Sample{}, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}

	flags := buf[0]
	hasWheel := flags&FlagWheelRevolutionData != 0
	hasCrank := flags&FlagCrankRevolutionData != 0

	need := flagsSize
	if hasWheel {
		need += wheelDataSize
	}
	if hasCrank {
		need += crankDataSize
	}
	if len(buf) < need {
		return Sample{}, fmt.Errorf("%w: flags=0x%02X need %d bytes, got %d",
			ErrMalformedPayload, flags, need, len(buf))
	}

	var sample Sample
	offset := flagsSize

	if hasWheel {
		sample.Wheel = &WheelData{
			Revolutions: binary.LittleEndian.Uint32(buf[offset : offset+4]),
			EventTime:   binary.LittleEndian.Uint16(buf[offset+4 : offset+6]),
		}
		offset += wheelDataSize
	}

	// Crank data follows the wheel data, or starts right after the flags
	if hasCrank {
		sample.Crank = &CrankData{
			Revolutions: binary.LittleEndian.Uint16(buf[offset : offset+2]),
			EventTime:   binary.LittleEndian.Uint16(buf[offset+2 : offset+4]),
		}
	}

	return sample, nil
}

// Encode packs a sample into the CSC measurement layout
func Encode(s Sample) []byte {
	buf := make([]byte, flagsSize, flagsSize+wheelDataSize+crankDataSize)

	if s.Wheel != nil {
		buf[0] |= FlagWheelRevolutionData
		buf = binary.LittleEndian.AppendUint32(buf, s.Wheel.Revolutions)
		buf = binary.LittleEndian.AppendUint16(buf, s.Wheel.EventTime)
	}
	if s.Crank != nil {
		buf[0] |= FlagCrankRevolutionData
		buf = binary.LittleEndian.AppendUint16(buf, s.Crank.Revolutions)
		buf = binary.LittleEndian.AppendUint16(buf, s.Crank.EventTime)
	}

	return buf
}
