package main

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/sensor"
)

// serviceClassTemperature is the Jacdac temperature sensor class.
const serviceClassTemperature uint32 = 0x1421bac7

// startSimulation hosts a temperature sensor whose reading follows a slow
// sine around 21 degrees. Readings are i22.10 fixed point.
func startSimulation(b *bus.Bus) *sensor.Host {
	start := b.Clock().Now()
	h := sensor.NewHost("temperature", serviceClassTemperature, sensor.SamplerFunc(func() []byte {
		t := b.Clock().Since(start).Seconds()
		celsius := 21 + 3*math.Sin(2*math.Pi*t/float64(time.Minute/time.Second))
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(int32(celsius*1024)))
		return buf
	}))
	h.Start(b)
	return h
}
