// Package battery reads the host battery level over I2C. The target
// controller is PiSugar3 on a Raspberry Pi; everywhere else a mock
// reader keeps the HTTP API functional.
package battery

import (
	"context"
	"errors"
	"math/rand"
	"runtime"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Status represents current battery status for the Web API.
type Status struct {
	// Percent is the battery level in 0–100%.
	Percent int `json:"percent"`
	// VoltageMv is the battery voltage in millivolts, if known.
	VoltageMv int `json:"voltage_mv"`
}

// Reader abstracts how battery information is obtained, so development
// machines without I2C get a mock and the Pi gets the real controller.
type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// mockReader is used for demo/development. It returns a pseudo-random
// percentage and no real voltage information.
type mockReader struct {
	rnd *rand.Rand
}

// i2cReader talks to a battery controller over I2C. PiSugar3 exposes:
//   - 0x22 (high), 0x23 (low): battery voltage in millivolts
//   - 0x2A: battery percentage (0–100)
type i2cReader struct {
	busName string
	addr    uint16
}

// NewMockReader constructs a mock Reader that generates random
// percentages.
func NewMockReader() Reader {
	return &mockReader{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewI2CReader constructs an I2C-backed Reader.
//
//   - busName: I2C bus identifier for periph.io ("" for the default,
//     typically /dev/i2c-1 on Raspberry Pi)
//   - addr: 7-bit I2C address of the battery controller
//
// 실제 I2C 연결/host.Init 은 Read 시점에 수행한다.
func NewI2CReader(busName string, addr uint16) Reader {
	return &i2cReader{
		busName: busName,
		addr:    addr,
	}
}

func (m *mockReader) Read(_ context.Context) (Status, error) {
	// Random percentage between 20% and 100%, voltage unknown.
	p := 20 + m.rnd.Intn(81)
	return Status{
		Percent:   p,
		VoltageMv: 0,
	}, nil
}

// Read implements Reader for the I2C-backed reader.
func (r *i2cReader) Read(_ context.Context) (Status, error) {
	if runtime.GOOS != "linux" {
		return Status{}, errors.New("battery: i2c reader unavailable on this platform")
	}
	if _, err := host.Init(); err != nil {
		return Status{}, err
	}

	bus, err := i2creg.Open(r.busName)
	if err != nil {
		return Status{}, err
	}
	defer bus.Close()

	dev := &i2c.Dev{Bus: bus, Addr: r.addr}

	readReg := func(reg byte) (byte, error) {
		w := []byte{reg}
		buf := []byte{0}
		if err := dev.Tx(w, buf); err != nil {
			return 0, err
		}
		return buf[0], nil
	}

	// Voltage (mV): high at 0x22, low at 0x23
	high, err := readReg(0x22)
	if err != nil {
		return Status{}, err
	}
	low, err := readReg(0x23)
	if err != nil {
		return Status{}, err
	}
	voltageMv := int(uint16(high)<<8 | uint16(low))

	// Percent: 0x2A
	pct, err := readReg(0x2A)
	if err != nil {
		return Status{}, err
	}
	if pct > 100 {
		pct = 100
	}

	return Status{
		Percent:   int(pct),
		VoltageMv: voltageMv,
	}, nil
}

// NewReader returns the Reader main should use for the given settings.
//
// enabled 가 false 이거나 I2C 초기 읽기에 실패하면 mock 리더로
// fallback 한다. HTTP 핸들러는 Reader 인터페이스만 사용하므로 실제
// 하드웨어가 없어도 안전하게 동작한다.
func NewReader(enabled bool, busName string, addr uint16) Reader {
	if !enabled || runtime.GOOS != "linux" {
		return NewMockReader()
	}

	r := NewI2CReader(busName, addr)
	if _, err := r.Read(context.Background()); err != nil {
		return NewMockReader()
	}
	return r
}
