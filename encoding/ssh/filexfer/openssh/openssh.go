// Package openssh implements the openssh secsh-filexfer extensions as described in https://github.com/openssh/openssh-portable/blob/master/PROTOCOL
//
// Every request extension here is sent as an SSH_FXP_EXTENDED packet,
// and is only usable once the server has announced it in its SSH_FXP_VERSION.
package openssh

import (
	"sync"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
)

var registerOnce sync.Once

// RegisterExtensions registers all of the openssh extended packets with the encoding/ssh/filexfer package,
// so that they will be decoded as their specific types by an sshfx.ExtendedPacket.
// It is safe to call more than once.
func RegisterExtensions() {
	registerOnce.Do(func() {
		for name, fn := range map[string]sshfx.ExtendedDataConstructor{
			extensionPosixRename: func() sshfx.ExtendedData { return new(PosixRenameExtendedPacket) },
			extensionHardlink:    func() sshfx.ExtendedData { return new(HardlinkExtendedPacket) },
			extensionStatVFS:     func() sshfx.ExtendedData { return new(StatVFSExtendedPacket) },
			extensionFStatVFS:    func() sshfx.ExtendedData { return new(FStatVFSExtendedPacket) },
			extensionFSync:       func() sshfx.ExtendedData { return new(FSyncExtendedPacket) },
		} {
			sshfx.RegisterExtendedPacketType(name, fn)
		}
	})
}

func extensionPair(name, version string) *sshfx.ExtensionPair {
	return &sshfx.ExtensionPair{
		Name: name,
		Data: version,
	}
}

// marshalExtended encodes data as the body of an SSH_FXP_EXTENDED packet for the named request.
func marshalExtended(request string, data sshfx.ExtendedData, reqid uint32, b []byte) (header, payload []byte, err error) {
	p := &sshfx.ExtendedPacket{
		ExtendedRequest: request,
		Data:            data,
	}

	return p.MarshalPacket(reqid, b)
}

// marshalBinary encodes just the extension-specific data, not the extended packet around it.
func marshalBinary(data sshfx.ExtendedData, size int) ([]byte, error) {
	buf := sshfx.NewBuffer(make([]byte, 0, size))
	data.MarshalInto(buf)
	return buf.Bytes(), nil
}
