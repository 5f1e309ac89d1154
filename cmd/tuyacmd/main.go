// Command tuyacmd talks to Tuya devices on the LAN without the
// daemon: one-shot discovery, on/off commands, and status queries.
//
// Usage:
//
//	tuyacmd [-d]                                   listen for beacons
//	tuyacmd [-d] host id key [type] on|off|get [version]
//
// type is bulb, light, or switch and selects the control point (20
// for bulb/light, 1 for switch, 20 when absent). version defaults
// to 3.3.
package main

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"tuya-go-home/internal/codec"
	"tuya-go-home/internal/message"
)

var debug = flag.Bool("d", false, "dump raw frames")

var controlPoints = map[string]int{
	"bulb":   20,
	"light":  20,
	"switch": 1,
}

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) == 0 {
		if err := discover(5 * time.Second); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if len(args) < 4 {
		usage()
	}
	host, id, key := args[0], args[1], args[2]
	rest := args[3:]

	point := 20
	if dps, ok := controlPoints[rest[0]]; ok {
		point = dps
		rest = rest[1:]
		if len(rest) == 0 {
			usage()
		}
	}

	op := rest[0]
	version := "3.3"
	if len(rest) > 1 {
		version = rest[1]
	}

	secret := codec.NewSecret(id, key, version)

	var err error
	switch op {
	case "on":
		err = command(host, secret, point, true)
	case "off":
		err = command(host, secret, point, false)
	case "get":
		err = query(host, secret)
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tuyacmd [-d] [host id key [type] on|off|get [version]]")
	os.Exit(1)
}

// discover prints every beacon heard on the two discovery ports.
func discover(window time.Duration) error {
	type listener struct {
		port   int
		secret *codec.Secret
	}
	listeners := []listener{
		{6666, nil},
		{6667, &codec.Secret{Key: codec.DiscoveryKey(), Version: "3.3"}},
	}

	var conns []net.PacketConn
	for _, l := range listeners {
		conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", l.port))
		if err != nil {
			return fmt.Errorf("listen :%d: %w", l.port, err)
		}
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(window))
		conns = append(conns, conn)
	}

	fmt.Printf("listening for beacons for %v...\n", window)

	done := make(chan struct{}, len(listeners))
	for i, l := range listeners {
		go func(conn net.PacketConn, secret *codec.Secret, port int) {
			defer func() { done <- struct{}{} }()
			c := codec.Codec{}
			buf := make([]byte, 2048)
			for {
				n, addr, err := conn.ReadFrom(buf)
				if err != nil {
					return
				}
				if *debug {
					fmt.Printf("-- %d bytes from %s on :%d\n%s", n, addr, port, hex.Dump(buf[:n]))
				}
				frame, err := c.Decode(secret, buf[:n])
				if err != nil || frame == nil || len(frame.Payload) == 0 {
					continue
				}
				b, err := message.ParseBeacon(frame.Payload, addr.String())
				if err != nil {
					continue
				}
				fmt.Printf("%s: id=%s product=%s version=%s encrypted=%v\n",
					b.Addr, b.ID, b.ProductKey, b.Version, b.Encrypted)
			}
		}(conns[i], l.secret, l.port)
	}
	for range listeners {
		<-done
	}
	return nil
}

// command turns one control point on or off and waits for the
// device's status report.
func command(host string, secret *codec.Secret, point int, state bool) error {
	payload := message.Control(secret, point, state, time.Now())
	dps, err := exchange(host, secret, codec.Control, payload)
	if err != nil {
		return err
	}
	if got, ok := dps[point]; ok && got != state {
		return fmt.Errorf("device reports dps %d = %v", point, got)
	}
	fmt.Println("ok")
	return nil
}

// query prints the device's control points.
func query(host string, secret *codec.Secret) error {
	payload := message.Query(secret, time.Now())
	dps, err := exchange(host, secret, codec.Query, payload)
	if err != nil {
		return err
	}
	if dps == nil {
		return fmt.Errorf("no status in reply")
	}
	out, err := json.Marshal(dps)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// exchange sends one frame to the device and reads replies until a
// status arrives or the deadline passes. Command acknowledgments have
// an empty body; the status report follows on the same connection.
func exchange(host string, secret *codec.Secret, cmd uint32, payload []byte) (map[int]bool, error) {
	c := codec.Codec{}
	raw, err := c.Encode(secret, cmd, 1, payload)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, "6668"), 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if *debug {
		fmt.Printf("-- send\n%s", hex.Dump(raw))
	}
	if _, err := conn.Write(raw); err != nil {
		return nil, err
	}

	acked := false
	for {
		raw, err := readFrame(conn)
		if err != nil {
			// A set that was acknowledged but never reported back
			// still counts.
			if acked {
				return nil, nil
			}
			return nil, err
		}
		if *debug {
			fmt.Printf("-- recv\n%s", hex.Dump(raw))
		}
		frame, err := c.Decode(secret, raw)
		if err != nil {
			continue
		}
		if len(frame.Payload) == 0 {
			acked = true
			continue
		}
		dps, err := message.Dps(frame.Payload)
		if err != nil {
			continue
		}
		return dps, nil
	}
}

// readFrame reads one length-delimited frame from the connection.
func readFrame(conn net.Conn) ([]byte, error) {
	header := make([]byte, 16)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[12:16])
	if length > 4096 {
		return nil, fmt.Errorf("oversized frame (%d bytes)", length)
	}
	rest := make([]byte, length)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return nil, err
	}
	return append(header, rest...), nil
}
