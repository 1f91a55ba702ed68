package sftp

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	sshfx "github.com/pkg/sftpclient/encoding/ssh/filexfer"
)

// Default values of the client options.
const (
	DefaultMaxInflight          = 64
	DefaultOperationTimeout     = 30 * time.Second
	DefaultReaderDisposeTimeout = time.Second

	// DefaultChannelPacketLength is the maximum packet size assumed for either side of the channel.
	DefaultChannelPacketLength = 32768
)

// ClientOption specifies an optional that can be set on a client.
type ClientOption func(*Client) error

// WithMaxInflight sets the maximum number of inflight packets at one time.
//
// It will generate an error if one attempts to set it to a value less than one.
func WithMaxInflight(count int) ClientOption {
	return func(cl *Client) error {
		if count < 1 {
			return fmt.Errorf("max inflight packets cannot be less than 1, was: %d", count)
		}

		cl.maxInflight = count

		return nil
	}
}

// WithMaxDataLength sets the maximum length of a data that will be used in SSH_FX_READ and SSH_FX_WRITE requests.
// This will also adjust the maximum packet length to at least the data length + 1232 bytes as overhead room.
//
// The maximum data length can only be increased,
// if an attempt is made to set this value lower than it currently is,
// it will simply not perform any operation.
func WithMaxDataLength(length int) ClientOption {
	withPktLen := WithMaxPacketLength(length + sshfx.MaxPacketLengthOverhead)

	return func(cl *Client) error {
		if err := withPktLen(cl); err != nil {
			return err
		}

		// This has to be cast to int64 to safely perform this test on 32-bit archs.
		if int64(length) > math.MaxUint32 {
			return fmt.Errorf("sftp: max data length must fit in a uint32: %d", length)
		}

		cl.maxDataLen = max(cl.maxDataLen, length)

		return nil
	}
}

// WithMaxPacketLength sets the maximum length of a packet that the client will accept.
//
// The maximum packet length can only be increased,
// if an attempt is made to set this value lower than it currently is,
// it will simply not perform any operation.
func WithMaxPacketLength(length int) ClientOption {
	return func(cl *Client) error {
		if int64(length) > math.MaxUint32 {
			return fmt.Errorf("sftp: max packet length must fit in a uint32: %d", length)
		}

		if length < 0 {
			return nil
		}

		cl.maxPacket = max(cl.maxPacket, uint32(length))
		return nil
	}
}

// WithChannelLimits sets the maximum packet sizes of the underlying channel,
// local being the largest packet this side accepts, and remote the largest the peer accepts.
// The buffers of a File are sized from these, so that one buffered read or write is one request.
func WithChannelLimits(local, remote uint32) ClientOption {
	return func(cl *Client) error {
		if local < minChannelPacketLength || remote < minChannelPacketLength {
			return fmt.Errorf("sftp: channel packet limits must be at least %d bytes, was: %d, %d", minChannelPacketLength, local, remote)
		}

		cl.localMaxPacket = local
		cl.remoteMaxPacket = remote

		return nil
	}
}

// minChannelPacketLength leaves room for a small payload after the largest fixed overhead.
const minChannelPacketLength = 512

// WithOperationTimeout sets how long a synchronous operation waits for its response.
// A zero or negative duration waits indefinitely.
func WithOperationTimeout(d time.Duration) ClientOption {
	return func(cl *Client) error {
		cl.opTimeout = d
		return nil
	}
}

// WithReaderDisposeTimeout sets how long Reader.Close waits for its read-ahead worker to stop,
// before closing the handle anyways.
func WithReaderDisposeTimeout(d time.Duration) ClientOption {
	return func(cl *Client) error {
		if d < 0 {
			return fmt.Errorf("sftp: reader dispose timeout cannot be negative, was: %v", d)
		}

		cl.disposeTimeout = d
		return nil
	}
}

// WithLogger sets the structured logger used for protocol events.
// A nil logger disables logging, which is the default.
func WithLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) error {
		cl.logger = l
		return nil
	}
}

// WithMetrics sets the collectors that the client reports into.
// A nil *Metrics disables metrics, which is the default.
func WithMetrics(m *Metrics) ClientOption {
	return func(cl *Client) error {
		cl.metrics = m
		return nil
	}
}
