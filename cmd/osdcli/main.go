// Command osdcli is a REPL client for manually exercising a running osd
// over the transport package's wire protocol — read/write/delete/sync/
// stable, one line at a time.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mirrorll/vitastor/transport"
)

func main() {
	addr := "localhost:8911"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	fmt.Printf("connecting to %s...\n", addr)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		fmt.Printf("connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()
	fmt.Println("connected")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "exit" || line == "quit" {
			break
		}
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		req, err := parseCommand(parts)
		if err != nil {
			fmt.Println("error:", err)
			continue
		}
		if req == nil {
			fmt.Println("unknown command:", parts[0])
			continue
		}

		if err := writeRequest(conn, req); err != nil {
			fmt.Println("write failed:", err)
			continue
		}

		resp, err := readResponse(conn)
		if err != nil {
			fmt.Println("read failed:", err)
			continue
		}
		printResponse(parts[0], resp)
	}

	fmt.Println("client closed")
}

func parseCommand(parts []string) (*transport.Request, error) {
	if len(parts) == 0 {
		return nil, nil
	}
	switch strings.ToLower(parts[0]) {
	case "read", "readdirty":
		if len(parts) != 5 {
			return nil, fmt.Errorf("usage: read <inode> <stripe> <offset> <len>")
		}
		inode, stripe, offset, length, err := parseIOSL(parts[1], parts[2], parts[3], parts[4])
		if err != nil {
			return nil, err
		}
		op := transport.OpRead
		if strings.ToLower(parts[0]) == "readdirty" {
			op = transport.OpReadDirty
		}
		return &transport.Request{Opcode: op, Inode: inode, Stripe: stripe, Offset: offset, Len: length}, nil

	case "write":
		if len(parts) != 4 {
			return nil, fmt.Errorf("usage: write <inode> <stripe> <text>")
		}
		inode, stripe, err := parseIS(parts[1], parts[2])
		if err != nil {
			return nil, err
		}
		buf := []byte(parts[3])
		return &transport.Request{
			Opcode: transport.OpWrite,
			Inode:  inode,
			Stripe: stripe,
			Offset: 0,
			Len:    uint32(len(buf)),
			Buf:    buf,
		}, nil

	case "delete":
		if len(parts) != 3 {
			return nil, fmt.Errorf("usage: delete <inode> <stripe>")
		}
		inode, stripe, err := parseIS(parts[1], parts[2])
		if err != nil {
			return nil, err
		}
		return &transport.Request{Opcode: transport.OpDelete, Inode: inode, Stripe: stripe}, nil

	case "sync":
		return &transport.Request{Opcode: transport.OpSync}, nil

	case "stable":
		if len(parts) != 4 {
			return nil, fmt.Errorf("usage: stable <inode> <stripe> <version>")
		}
		inode, stripe, err := parseIS(parts[1], parts[2])
		if err != nil {
			return nil, err
		}
		version, err := strconv.ParseUint(parts[3], 10, 64)
		if err != nil {
			return nil, err
		}
		return &transport.Request{
			Opcode:   transport.OpStable,
			Versions: []transport.StableVersion{{Inode: inode, Stripe: stripe, Version: version}},
		}, nil

	default:
		return nil, nil
	}
}

func parseIS(a, b string) (uint64, uint64, error) {
	inode, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	stripe, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return inode, stripe, nil
}

func parseIOSL(a, b, c, d string) (inode, stripe uint64, offset, length uint32, err error) {
	inode, stripe, err = parseIS(a, b)
	if err != nil {
		return
	}
	o, err := strconv.ParseUint(c, 10, 32)
	if err != nil {
		return
	}
	l, err := strconv.ParseUint(d, 10, 32)
	if err != nil {
		return
	}
	return inode, stripe, uint32(o), uint32(l), nil
}

// writeRequest encodes req directly onto conn using the same framing
// transport.Reader.ReadRequest expects on the server side.
func writeRequest(conn net.Conn, req *transport.Request) error {
	buf := make([]byte, 0, 33+len(req.Buf))
	header := make([]byte, 33)
	header[0] = byte(req.Opcode)
	putU64(header[1:9], req.Inode)
	putU64(header[9:17], req.Stripe)
	putU64(header[17:25], req.Version)
	putU32(header[25:29], req.Offset)
	putU32(header[29:33], req.Len)
	buf = append(buf, header...)

	switch req.Opcode {
	case transport.OpWrite:
		buf = append(buf, req.Buf...)
	case transport.OpStable:
		count := make([]byte, 4)
		putU32(count, uint32(len(req.Versions)))
		buf = append(buf, count...)
		for _, v := range req.Versions {
			triple := make([]byte, 24)
			putU64(triple[0:8], v.Inode)
			putU64(triple[8:16], v.Stripe)
			putU64(triple[16:24], v.Version)
			buf = append(buf, triple...)
		}
	}

	_, err := conn.Write(buf)
	return err
}

func readResponse(conn net.Conn) (*transport.Response, error) {
	header := make([]byte, 8)
	if _, err := readFull(conn, header); err != nil {
		return nil, err
	}
	retval := int32(getU32(header[0:4]))
	n := getU32(header[4:8])
	buf := make([]byte, n)
	if n > 0 {
		if _, err := readFull(conn, buf); err != nil {
			return nil, err
		}
	}
	return &transport.Response{Retval: retval, Buf: buf}, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func printResponse(cmd string, resp *transport.Response) {
	if resp.Retval < 0 {
		fmt.Printf("error: retval=%d\n", resp.Retval)
		return
	}
	if len(resp.Buf) > 0 {
		fmt.Printf("retval=%d data=%q\n", resp.Retval, resp.Buf)
		return
	}
	fmt.Printf("retval=%d\n", resp.Retval)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(b[i]) << (8 * i)
	}
	return v
}
