package sshfx

import (
	"bytes"
	"errors"
	"testing"
)

func TestStatusPacketIs(t *testing.T) {
	status := &StatusPacket{
		StatusCode:   StatusFailure,
		ErrorMessage: "error message",
		LanguageTag:  "language tag",
	}

	if !errors.Is(status, StatusFailure) {
		t.Error("errors.Is(StatusFailure, StatusFailure) != true")
	}
	if !errors.Is(status, &StatusPacket{StatusCode: StatusFailure}) {
		t.Error("errors.Is(StatusFailure, StatusPacket{StatusFailure}) != true")
	}
	if errors.Is(status, StatusOK) {
		t.Error("errors.Is(StatusFailure, StatusOK) == true")
	}
	if errors.Is(status, &StatusPacket{StatusCode: StatusOK}) {
		t.Error("errors.Is(StatusFailure, StatusPacket{StatusOK}) == true")
	}
}

func TestStatusPacket(t *testing.T) {
	p := &StatusPacket{
		StatusCode:   StatusBadMessage,
		ErrorMessage: "foo",
		LanguageTag:  "x-example",
	}

	data := testComposePacket(t, p.MarshalPacket, 42)

	want := []byte{
		0x00, 0x00, 0x00, 29,
		101,
		0x00, 0x00, 0x00, 42,
		0x00, 0x00, 0x00, 5,
		0x00, 0x00, 0x00, 3, 'f', 'o', 'o',
		0x00, 0x00, 0x00, 9, 'x', '-', 'e', 'x', 'a', 'm', 'p', 'l', 'e',
	}

	if !bytes.Equal(data, want) {
		t.Fatalf("MarshalPacket() = %X, but wanted %X", data, want)
	}

	*p = StatusPacket{}

	if err := p.UnmarshalPacketBody(bodyOf(t, data)); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if p.StatusCode != StatusBadMessage {
		t.Errorf("UnmarshalPacketBody(): StatusCode was %v, but expected %v", p.StatusCode, StatusBadMessage)
	}

	if p.ErrorMessage != "foo" {
		t.Errorf("UnmarshalPacketBody(): ErrorMessage was %q, but expected %q", p.ErrorMessage, "foo")
	}

	if p.LanguageTag != "x-example" {
		t.Errorf("UnmarshalPacketBody(): LanguageTag was %q, but expected %q", p.LanguageTag, "x-example")
	}
}

func TestStatusPacketCodeOnly(t *testing.T) {
	var p StatusPacket

	if err := p.UnmarshalPacketBody(NewBuffer([]byte{0x00, 0x00, 0x00, 0x02})); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if p.StatusCode != StatusNoSuchFile || p.ErrorMessage != "" {
		t.Errorf("UnmarshalPacketBody() = %+v, but wanted only StatusNoSuchFile", p)
	}
}

func TestDataPacketCopiesIntoHint(t *testing.T) {
	p := &DataPacket{Data: []byte("hello world")}

	data := testComposePacket(t, p.MarshalPacket, 1)

	want := []byte{
		0x00, 0x00, 0x00, 20,
		103,
		0x00, 0x00, 0x00, 1,
		0x00, 0x00, 0x00, 11, 'h', 'e', 'l', 'l', 'o', ' ', 'w', 'o', 'r', 'l', 'd',
	}

	if !bytes.Equal(data, want) {
		t.Fatalf("MarshalPacket() = %X, but wanted %X", data, want)
	}

	hint := make([]byte, 32)
	p = &DataPacket{Data: hint}

	if err := p.UnmarshalPacketBody(bodyOf(t, data)); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if string(p.Data) != "hello world" {
		t.Errorf("UnmarshalPacketBody(): Data was %q", p.Data)
	}

	if &p.Data[0] != &hint[0] {
		t.Error("UnmarshalPacketBody() did not reuse the hint buffer")
	}
}

func TestNamePacket(t *testing.T) {
	p := &NamePacket{
		Entries: []*NameEntry{
			{
				Filename: "foo",
				Longname: "-rw-r--r-- foo",
				Attrs: Attributes{
					Flags:       AttrSize | AttrPermissions,
					Size:        7,
					Permissions: ModeRegular | 0o644,
				},
			},
			{
				Filename: "bar",
				Attrs: Attributes{
					Flags:       AttrPermissions,
					Permissions: ModeDir | 0o755,
				},
			},
		},
	}

	data := testComposePacket(t, p.MarshalPacket, 5)

	var got NamePacket
	if err := got.UnmarshalPacketBody(bodyOf(t, data)); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if len(got.Entries) != 2 {
		t.Fatalf("UnmarshalPacketBody(): got %d entries, but wanted 2", len(got.Entries))
	}

	if e := got.Entries[0]; e.Name() != "foo" || e.Size() != 7 || !e.Mode().IsRegular() {
		t.Errorf("entry 0 = %+v", e)
	}

	if e := got.Entries[1]; e.Name() != "bar" || !e.IsDir() {
		t.Errorf("entry 1 = %+v", e)
	}
}

func TestNamePacketHugeCount(t *testing.T) {
	var p NamePacket

	err := p.UnmarshalPacketBody(NewBuffer([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
	if !errors.Is(err, ErrShortPacket) {
		t.Errorf("UnmarshalPacketBody() = %v, but wanted ErrShortPacket", err)
	}
}

func TestPathPseudoPacket(t *testing.T) {
	p := &PathPseudoPacket{Path: "/home/user"}

	data := testComposePacket(t, p.MarshalPacket, 9)

	var got PathPseudoPacket
	if err := got.UnmarshalPacketBody(bodyOf(t, data)); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if got.Path != "/home/user" {
		t.Errorf("UnmarshalPacketBody(): Path was %q, but wanted %q", got.Path, "/home/user")
	}

	// The same bytes also decode as a regular NamePacket.
	var name NamePacket
	if err := name.UnmarshalPacketBody(bodyOf(t, data)); err != nil {
		t.Fatal("unexpected error:", err)
	}

	if len(name.Entries) != 1 || name.Entries[0].Filename != "/home/user" {
		t.Errorf("NamePacket.UnmarshalPacketBody() = %+v", name.Entries)
	}

	empty := &NamePacket{}
	data = testComposePacket(t, empty.MarshalPacket, 9)

	if err := got.UnmarshalPacketBody(bodyOf(t, data)); !errors.Is(err, ErrBadMessage) {
		t.Errorf("UnmarshalPacketBody() with no entries = %v, but wanted ErrBadMessage", err)
	}
}
