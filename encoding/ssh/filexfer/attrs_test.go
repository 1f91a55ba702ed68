package sshfx

import (
	"bytes"
	"io/fs"
	"testing"
)

func TestAttributes(t *testing.T) {
	const (
		size  = 0x123456789ABCDEF0
		uid   = 1000
		gid   = 100
		perms = 0x87654321
		atime = 0x2A
		mtime = 0x42
	)

	tests := []struct {
		name  string
		flags uint32
		want  []byte
	}{
		{
			name: "empty",
			want: []byte{
				0x00, 0x00, 0x00, 0x00,
			},
		},
		{
			name:  "size",
			flags: AttrSize,
			want: []byte{
				0x00, 0x00, 0x00, 0x01,
				0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF0,
			},
		},
		{
			name:  "uidgid",
			flags: AttrUIDGID,
			want: []byte{
				0x00, 0x00, 0x00, 0x02,
				0x00, 0x00, 0x03, 0xE8,
				0x00, 0x00, 0x00, 100,
			},
		},
		{
			name:  "permissions",
			flags: AttrPermissions,
			want: []byte{
				0x00, 0x00, 0x00, 0x04,
				0x87, 0x65, 0x43, 0x21,
			},
		},
		{
			name:  "acmodtime",
			flags: AttrACModTime,
			want: []byte{
				0x00, 0x00, 0x00, 0x08,
				0x00, 0x00, 0x00, 42,
				0x00, 0x00, 0x00, 66,
			},
		},
		{
			name:  "extended",
			flags: AttrExtended,
			want: []byte{
				0x80, 0x00, 0x00, 0x00,
				0x00, 0x00, 0x00, 0x01,
				0x00, 0x00, 0x00, 0x03, 'f', 'o', 'o',
				0x00, 0x00, 0x00, 0x03, 'b', 'a', 'r',
			},
		},
		{
			name:  "size uidgid permisssions acmodtime extended",
			flags: AttrSize | AttrUIDGID | AttrPermissions | AttrACModTime | AttrExtended,
			want: []byte{
				0x80, 0x00, 0x00, 0x0F,
				0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF0,
				0x00, 0x00, 0x03, 0xE8,
				0x00, 0x00, 0x00, 100,
				0x87, 0x65, 0x43, 0x21,
				0x00, 0x00, 0x00, 42,
				0x00, 0x00, 0x00, 66,
				0x00, 0x00, 0x00, 0x01,
				0x00, 0x00, 0x00, 0x03, 'f', 'o', 'o',
				0x00, 0x00, 0x00, 0x03, 'b', 'a', 'r',
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attr := &Attributes{
				Flags:       tt.flags,
				Size:        size,
				UID:         uid,
				GID:         gid,
				Permissions: perms,
				ATime:       atime,
				MTime:       mtime,
				ExtendedAttributes: []ExtendedAttribute{
					{
						Type: "foo",
						Data: "bar",
					},
				},
			}

			buf := new(Buffer)
			attr.MarshalInto(buf)

			if got := buf.Bytes(); !bytes.Equal(got, tt.want) {
				t.Fatalf("MarshalInto() = %X, but wanted %X", got, tt.want)
			}

			if got := attr.MarshalSize(); got != len(tt.want) {
				t.Errorf("MarshalSize() = %d, but wanted %d", got, len(tt.want))
			}

			*attr = Attributes{}

			if err := attr.UnmarshalFrom(buf); err != nil {
				t.Fatal("unexpected error:", err)
			}

			if attr.Flags != tt.flags {
				t.Errorf("UnmarshalFrom(): Flags was %x, but wanted %x", attr.Flags, tt.flags)
			}

			if got, ok := attr.GetSize(); ok != (tt.flags&AttrSize != 0) || (ok && got != size) {
				t.Errorf("GetSize() = %x, %t", got, ok)
			}

			if uidGot, gidGot, ok := attr.GetUIDGID(); ok != (tt.flags&AttrUIDGID != 0) || (ok && (uidGot != uid || gidGot != gid)) {
				t.Errorf("GetUIDGID() = %d, %d, %t", uidGot, gidGot, ok)
			}

			if got, ok := attr.GetPermissions(); ok != (tt.flags&AttrPermissions != 0) || (ok && got != perms) {
				t.Errorf("GetPermissions() = %x, %t", got, ok)
			}

			if a, m, ok := attr.GetACModTime(); ok != (tt.flags&AttrACModTime != 0) || (ok && (a != atime || m != mtime)) {
				t.Errorf("GetACModTime() = %d, %d, %t", a, m, ok)
			}

			if tt.flags&AttrExtended != 0 {
				if len(attr.ExtendedAttributes) != 1 || attr.ExtendedAttributes[0].Type != "foo" || attr.ExtendedAttributes[0].Data != "bar" {
					t.Errorf("UnmarshalFrom(): ExtendedAttributes was %+v", attr.ExtendedAttributes)
				}
			}
		})
	}
}

func TestAttributesExtendedCountTooLarge(t *testing.T) {
	var attr Attributes

	err := attr.UnmarshalBinary([]byte{
		0x80, 0x00, 0x00, 0x00,
		0x7F, 0xFF, 0xFF, 0xFF,
	})
	if err != ErrShortPacket {
		t.Errorf("UnmarshalBinary() = %v, but wanted ErrShortPacket", err)
	}
}

func TestFileModeConversion(t *testing.T) {
	tests := []struct {
		goMode fs.FileMode
		mode   FileMode
		str    string
	}{
		{0o644, ModeRegular | 0o644, "-rw-r--r--"},
		{fs.ModeDir | 0o755, ModeDir | 0o755, "drwxr-xr-x"},
		{fs.ModeSymlink | 0o777, ModeSymlink | 0o777, "lrwxrwxrwx"},
		{fs.ModeNamedPipe | 0o600, ModeNamedPipe | 0o600, "prw-------"},
		{fs.ModeSocket | 0o600, ModeSocket | 0o600, "srw-------"},
		{fs.ModeDevice | 0o600, ModeDevice | 0o600, "brw-------"},
		{fs.ModeDevice | fs.ModeCharDevice | 0o600, ModeCharDevice | 0o600, "crw-------"},
		{fs.ModeSetuid | 0o755, ModeRegular | ModeSetUID | 0o755, "-rwsr-xr-x"},
		{fs.ModeSetgid | 0o745, ModeRegular | ModeSetGID | 0o745, "-rwxr-Sr-x"},
		{fs.ModeDir | fs.ModeSticky | 0o777, ModeDir | ModeSticky | 0o777, "drwxrwxrwt"},
	}

	for _, tt := range tests {
		if got := FromGoFileMode(tt.goMode); got != tt.mode {
			t.Errorf("FromGoFileMode(%v) = %o, but wanted %o", tt.goMode, got, tt.mode)
		}

		if got := tt.mode.ToGoFileMode(); got != tt.goMode {
			t.Errorf("ToGoFileMode(%o) = %v, but wanted %v", tt.mode, got, tt.goMode)
		}

		if got := tt.mode.String(); got != tt.str {
			t.Errorf("String(%o) = %q, but wanted %q", tt.mode, got, tt.str)
		}
	}
}
