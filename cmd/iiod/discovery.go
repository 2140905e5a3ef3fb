package main

import (
	"bytes"
	"encoding/binary"
	"net"
	"os"
	"strings"
	"time"

	"github.com/iiodproj/iiod/internal/constants"
)

// DNS-SD advertisement: announce an _iio._tcp service on
// every usable multicast-capable interface. The announcement is an
// unsolicited mDNS response carrying PTR and SRV records; no
// zeroconf library is pulled in for a single fixed packet.
var mdnsAddr = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// writeName appends a DNS-encoded name (dot-separated labels).
func writeName(b *bytes.Buffer, name string) {
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			continue
		}
		b.WriteByte(byte(len(label)))
		b.WriteString(label)
	}
	b.WriteByte(0)
}

// buildAnnouncement assembles one unsolicited mDNS response advertising
// instance over serviceType on port.
func buildAnnouncement(instance string, port int) []byte {
	service := constants.DNSSDServiceType + ".local"
	full := instance + "." + service
	target := instance + ".local"

	var b bytes.Buffer
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint16(hdr[2:4], 0x8400) // authoritative response
	binary.BigEndian.PutUint16(hdr[6:8], 2)      // answer count
	b.Write(hdr)

	// PTR: service -> full instance name
	writeName(&b, service)
	var fixed [10]byte
	binary.BigEndian.PutUint16(fixed[0:2], 12) // TYPE PTR
	binary.BigEndian.PutUint16(fixed[2:4], 1)  // CLASS IN
	binary.BigEndian.PutUint32(fixed[4:8], 120)
	var ptrData bytes.Buffer
	writeName(&ptrData, full)
	binary.BigEndian.PutUint16(fixed[8:10], uint16(ptrData.Len()))
	b.Write(fixed[:])
	b.Write(ptrData.Bytes())

	// SRV: full instance name -> target:port
	writeName(&b, full)
	binary.BigEndian.PutUint16(fixed[0:2], 33)     // TYPE SRV
	binary.BigEndian.PutUint16(fixed[2:4], 0x8001) // CLASS IN, cache-flush
	binary.BigEndian.PutUint32(fixed[4:8], 120)
	var srvData bytes.Buffer
	var prio [6]byte
	binary.BigEndian.PutUint16(prio[4:6], uint16(port))
	srvData.Write(prio[:])
	writeName(&srvData, target)
	binary.BigEndian.PutUint16(fixed[8:10], uint16(srvData.Len()))
	b.Write(fixed[:])
	b.Write(srvData.Bytes())

	return b.Bytes()
}

// advertise publishes the service until the daemon closes, retrying for
// up to the configured budget when the network stack is not ready yet
// at startup.
func advertise(d *daemon, port int) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "iiod"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	packet := buildAnnouncement(host, port)

	deadline := time.Now().Add(constants.DNSSDRetryBudget)
	for {
		sent := announceOnce(d, packet)
		if sent {
			return
		}
		if time.Now().After(deadline) {
			d.logger.Warn("dns-sd: no usable multicast interface, giving up")
			return
		}
		select {
		case <-d.closing:
			return
		case <-time.After(constants.DNSSDRetryBackoff):
		}
	}
}

// announceOnce sends the packet on every up, multicast-capable
// interface, reporting whether at least one send succeeded.
func announceOnce(d *daemon, packet []byte) bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	sent := false
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		conn, err := net.ListenMulticastUDP("udp4", &iface, &net.UDPAddr{IP: mdnsAddr.IP})
		if err != nil {
			continue
		}
		if _, err := conn.WriteToUDP(packet, mdnsAddr); err == nil {
			sent = true
			d.logger.Debugf("dns-sd: announced on %s", iface.Name)
		}
		_ = conn.Close()
	}
	return sent
}
