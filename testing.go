package iiod

import (
	"strconv"

	"github.com/iiodproj/iiod/internal/iio"
	"github.com/iiodproj/iiod/internal/iiomock"
)

// NewTestContext builds an in-memory iio.Context with nDevices devices,
// each carrying nChannels channels and one "sampling_frequency" device
// attribute, for use in session-core tests and examples.
func NewTestContext(nDevices, nChannels int) *iio.Context {
	devices := make([]iio.Device, nDevices)
	for d := 0; d < nDevices; d++ {
		channels := make([]*iiomock.Channel, nChannels)
		for c := 0; c < nChannels; c++ {
			channels[c] = iiomock.NewChannel(c, iiomock.NewAttribute("raw", []byte("0")))
		}
		attrs := []*iiomock.Attribute{iiomock.NewAttribute("sampling_frequency", []byte("1000"))}
		dev := iiomock.NewDevice("iio:device"+strconv.Itoa(d), attrs, nil, channels)
		devices[d] = dev
	}
	return iio.NewContext(devices, []byte("<!--iio context-->"))
}
