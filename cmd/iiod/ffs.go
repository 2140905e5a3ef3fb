package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/iiodproj/iiod/internal/iio"
	"github.com/iiodproj/iiod/internal/iotransport"
)

// USB FunctionFS plumbing: one IN/OUT endpoint pair per
// concurrent session, advertised behind a vendor-specific interface
// class. The gadget side (UDC binding, configfs setup) is the
// operator's job; iiod only writes descriptors to ep0 and serves the
// endpoint files.
const (
	ffsStringsMagic     = 2 // FUNCTIONFS_STRINGS_MAGIC
	ffsDescriptorsMagic = 3 // FUNCTIONFS_DESCRIPTORS_MAGIC_V2

	ffsHasFSDesc = 1 // FUNCTIONFS_HAS_FS_DESC
	ffsHasHSDesc = 2 // FUNCTIONFS_HAS_HS_DESC

	usbDTInterface = 4
	usbDTEndpoint  = 5

	usbClassVendorSpec = 0xff

	usbDirIn  = 0x80
	usbDirOut = 0x00

	usbEndpointXferBulk = 2
)

// interfaceDesc is a USB interface descriptor (9 bytes on the wire).
func interfaceDesc(numEndpoints uint8) []byte {
	return []byte{
		9, usbDTInterface,
		0,                  // bInterfaceNumber, assigned by the gadget
		0,                  // bAlternateSetting
		numEndpoints,       // bNumEndpoints
		usbClassVendorSpec, // bInterfaceClass
		0, 0,               // subclass, protocol
		1, // iInterface
	}
}

// endpointDesc is a USB endpoint descriptor (7 bytes on the wire).
func endpointDesc(addr uint8, maxPacket uint16) []byte {
	d := []byte{7, usbDTEndpoint, addr, usbEndpointXferBulk, 0, 0, 0}
	binary.LittleEndian.PutUint16(d[4:6], maxPacket)
	return d
}

// buildDescriptors assembles the FunctionFS v2 descriptor blob for
// nbPipes endpoint pairs, full-speed and high-speed variants.
func buildDescriptors(nbPipes int) []byte {
	build := func(maxPacket uint16) []byte {
		var b bytes.Buffer
		b.Write(interfaceDesc(uint8(2 * nbPipes)))
		for i := 0; i < nbPipes; i++ {
			b.Write(endpointDesc(uint8(i+1)|usbDirIn, maxPacket))
			b.Write(endpointDesc(uint8(i+1)|usbDirOut, maxPacket))
		}
		return b.Bytes()
	}
	fs := build(64)
	hs := build(512)
	fsCount := uint32(1 + 2*nbPipes)

	var out bytes.Buffer
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint32(hdr, ffsDescriptorsMagic)
	out.Write(hdr)
	lenAt := out.Len()
	out.Write(make([]byte, 4)) // length placeholder
	binary.LittleEndian.PutUint32(hdr, ffsHasFSDesc|ffsHasHSDesc)
	out.Write(hdr)
	binary.LittleEndian.PutUint32(hdr, fsCount)
	out.Write(hdr) // fs_count
	out.Write(hdr) // hs_count, same layout
	out.Write(fs)
	out.Write(hs)

	blob := out.Bytes()
	binary.LittleEndian.PutUint32(blob[lenAt:lenAt+4], uint32(len(blob)))
	return blob
}

// buildStrings assembles the FunctionFS strings blob: one en-US string
// table naming the interface.
func buildStrings() []byte {
	const name = "IIO"
	var out bytes.Buffer
	hdr := make([]byte, 4)
	binary.LittleEndian.PutUint32(hdr, ffsStringsMagic)
	out.Write(hdr)
	lenAt := out.Len()
	out.Write(make([]byte, 4)) // length placeholder
	binary.LittleEndian.PutUint32(hdr, 1)
	out.Write(hdr) // str_count
	out.Write(hdr) // lang_count
	lang := make([]byte, 2)
	binary.LittleEndian.PutUint16(lang, 0x0409)
	out.Write(lang)
	out.WriteString(name)
	out.WriteByte(0)

	blob := out.Bytes()
	binary.LittleEndian.PutUint32(blob[lenAt:lenAt+4], uint32(len(blob)))
	return blob
}

// serveFunctionFS writes the descriptors to ep0 and serves one session
// per endpoint pair.
func serveFunctionFS(d *daemon, iioCtx *iio.Context, mountpoint string, nbPipes int) error {
	if nbPipes < 1 {
		return fmt.Errorf("ffs: need at least one endpoint pair")
	}

	ep0, err := os.OpenFile(filepath.Join(mountpoint, "ep0"), os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("ffs: open ep0: %w", err)
	}
	if _, err := ep0.Write(buildDescriptors(nbPipes)); err != nil {
		_ = ep0.Close()
		return fmt.Errorf("ffs: write descriptors: %w", err)
	}
	if _, err := ep0.Write(buildStrings()); err != nil {
		_ = ep0.Close()
		return fmt.Errorf("ffs: write strings: %w", err)
	}

	for i := 0; i < nbPipes; i++ {
		in, err := os.OpenFile(filepath.Join(mountpoint, fmt.Sprintf("ep%d", 2*i+1)), os.O_WRONLY, 0)
		if err != nil {
			_ = ep0.Close()
			return fmt.Errorf("ffs: open IN endpoint %d: %w", i, err)
		}
		out, err := os.OpenFile(filepath.Join(mountpoint, fmt.Sprintf("ep%d", 2*i+2)), os.O_RDONLY, 0)
		if err != nil {
			_ = in.Close()
			_ = ep0.Close()
			return fmt.Errorf("ffs: open OUT endpoint %d: %w", i, err)
		}
		tr := iotransport.NewPipeTransport(out, in, multiCloser{in, out})
		d.serve(tr, iioCtx)
	}

	d.logger.Infof("functionfs carrier on %s pipes=%d", mountpoint, nbPipes)
	return nil
}

// multiCloser closes a set of files as one transport closer.
type multiCloser []*os.File

func (m multiCloser) Close() error {
	var first error
	for _, f := range m {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
