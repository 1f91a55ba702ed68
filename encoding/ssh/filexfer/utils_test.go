package sshfx

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
	"testing"
)

type marshalPacketFunc func(reqid uint32, b []byte) (header, payload []byte, err error)

// testComposePacket marshals both into a fresh buffer, and into a reused hint buffer,
// and checks both encodings agree.
func testComposePacket(t *testing.T, marshal marshalPacketFunc, reqid uint32) []byte {
	t.Helper()

	data, err := ComposePacket(marshal(reqid, nil))
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	hinted, err := ComposePacket(marshal(reqid, make([]byte, 64)))
	if err != nil {
		t.Fatal("unexpected error:", err)
	}

	if !bytes.Equal(data, hinted) {
		t.Fatalf("MarshalPacket() with hint = %X, but without was %X", hinted, data)
	}

	return data
}

// bodyOf strips the uint32(length), uint8(type) and uint32(request-id) from a composed packet.
func bodyOf(t *testing.T, data []byte) *Buffer {
	t.Helper()

	if len(data) < 9 {
		t.Fatalf("packet too short to have a body: %X", data)
	}

	return NewBuffer(data[9:])
}

// forEachStandardValue calls fn for every "NAME value" line of a table copied from a draft,
// ignoring blank lines and trailing // comments.
func forEachStandardValue(t *testing.T, text string, fn func(n int, name string)) {
	t.Helper()

	scan := bufio.NewScanner(strings.NewReader(text))
	for scan.Scan() {
		line, _, _ := strings.Cut(scan.Text(), "//")

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if len(fields) != 2 {
			t.Fatalf("unexpected standards text line: %q", line)
		}

		n, err := strconv.Atoi(fields[1])
		if err != nil {
			t.Fatal("unexpected error:", err)
		}

		fn(n, fields[0])
	}

	if err := scan.Err(); err != nil {
		t.Fatal("unexpected error:", err)
	}
}
