package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/iiodproj/iiod/internal/iio"
	"github.com/iiodproj/iiod/internal/iotransport"
)

// serialParams is the parsed form of the --serial argument:
// dev,baud,bits,parity,stop[,flow] with parity in {n,e,o,m,s} and flow
// in {x,r,d}.
type serialParams struct {
	device string
	baud   int
	bits   int
	parity byte
	stop   int
	flow   byte
}

func parseSerialParams(s string) (*serialParams, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 5 || len(parts) > 6 {
		return nil, fmt.Errorf("serial: want dev,baud,bits,parity,stop[,flow], got %q", s)
	}
	p := &serialParams{device: parts[0]}

	var err error
	if p.baud, err = strconv.Atoi(parts[1]); err != nil {
		return nil, fmt.Errorf("serial: bad baud rate %q", parts[1])
	}
	if p.bits, err = strconv.Atoi(parts[2]); err != nil || p.bits < 5 || p.bits > 8 {
		return nil, fmt.Errorf("serial: bad data bits %q", parts[2])
	}
	if len(parts[3]) != 1 || !strings.ContainsRune("neoms", rune(parts[3][0])) {
		return nil, fmt.Errorf("serial: bad parity %q", parts[3])
	}
	p.parity = parts[3][0]
	if p.stop, err = strconv.Atoi(parts[4]); err != nil || p.stop < 1 || p.stop > 2 {
		return nil, fmt.Errorf("serial: bad stop bits %q", parts[4])
	}
	if len(parts) == 6 {
		if len(parts[5]) != 1 || !strings.ContainsRune("xrd", rune(parts[5][0])) {
			return nil, fmt.Errorf("serial: bad flow control %q", parts[5])
		}
		p.flow = parts[5][0]
	}
	return p, nil
}

// baudFlags maps the supported baud rates onto their termios constants.
var baudFlags = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
}

var bitsFlags = map[int]uint32{
	5: unix.CS5,
	6: unix.CS6,
	7: unix.CS7,
	8: unix.CS8,
}

// configureTermios programs fd as a raw 8N1-style line per p.
func configureTermios(fd int, p *serialParams) error {
	baud, ok := baudFlags[p.baud]
	if !ok {
		return fmt.Errorf("serial: unsupported baud rate %d", p.baud)
	}

	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("serial: tcgetattr: %w", err)
	}

	tio.Iflag = unix.IGNBRK | unix.IGNPAR
	tio.Oflag = 0
	tio.Lflag = 0
	tio.Cflag = baud | bitsFlags[p.bits] | unix.CREAD | unix.CLOCAL

	switch p.parity {
	case 'e':
		tio.Cflag |= unix.PARENB
	case 'o':
		tio.Cflag |= unix.PARENB | unix.PARODD
	case 'm':
		tio.Cflag |= unix.PARENB | unix.PARODD | unix.CMSPAR
	case 's':
		tio.Cflag |= unix.PARENB | unix.CMSPAR
	}
	if p.stop == 2 {
		tio.Cflag |= unix.CSTOPB
	}
	switch p.flow {
	case 'x':
		tio.Iflag |= unix.IXON | unix.IXOFF
	case 'r':
		tio.Cflag |= unix.CRTSCTS
	case 'd':
		// DTR/DSR flow is driver-specific; leave the line as-is.
	}

	// Blocking reads, byte at a time.
	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0
	tio.Ispeed = baud
	tio.Ospeed = baud

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		return fmt.Errorf("serial: tcsetattr: %w", err)
	}
	return nil
}

// serveSerial opens the serial line and runs sessions on it, one after
// another: a serial carrier has a single peer, so each disconnect just
// re-arms the line for the next client.
func serveSerial(d *daemon, iioCtx *iio.Context, params string) error {
	p, err := parseSerialParams(params)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(p.device, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return fmt.Errorf("serial: open %s: %w", p.device, err)
	}
	if err := configureTermios(int(f.Fd()), p); err != nil {
		_ = f.Close()
		return err
	}

	d.logger.Infof("serial carrier on %s (%d,%d,%c,%d)", p.device, p.baud, p.bits, p.parity, p.stop)
	tr := iotransport.NewPipeTransport(f, f, f)
	d.serve(tr, iioCtx)
	return nil
}
