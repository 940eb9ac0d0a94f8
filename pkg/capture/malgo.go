package capture

import (
	"fmt"

	"github.com/gen2brain/malgo"
)

// MalgoDevice captures microphone audio via the miniaudio bindings.
type MalgoDevice struct {
	ctx *malgo.AllocatedContext
	dev *malgo.Device
}

func NewMalgoDevice() *MalgoDevice { return &MalgoDevice{} }

func (m *MalgoDevice) Open(cfg Config, cb func(pcm []byte)) error {
	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime

	mctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	m.ctx = mctx

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(cfg.PeriodMS)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			cb(pInputSamples)
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		m.teardownContext()
		return fmt.Errorf("init capture device: %w", err)
	}
	m.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		m.dev = nil
		m.teardownContext()
		return fmt.Errorf("start capture device: %w", err)
	}
	return nil
}

func (m *MalgoDevice) Close() error {
	if m.dev != nil {
		_ = m.dev.Stop()
		m.dev.Uninit()
		m.dev = nil
	}
	m.teardownContext()
	return nil
}

func (m *MalgoDevice) teardownContext() {
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
}

var _ Device = (*MalgoDevice)(nil)
