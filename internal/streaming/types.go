// Package streaming implements the session-control endpoints
// (serverinfo, applist, launch, resume, cancel, appasset) that sit behind
// the pairing handshake. The actual RTSP/video/audio transport and process
// supervision are external collaborators; this package defines narrow
// interfaces for them and ships software-only default implementations so
// the launch/resume/cancel lifecycle is exercised end to end by tests.
package streaming

import (
	"context"
	"crypto/cipher"

	"github.com/pairhost/hostd/internal/config"
)

// Capabilities is the codec-mode bitmask reported in serverinfo's
// ServerCodecModeSupport field.
type Capabilities uint32

const (
	CapH264           Capabilities = 0x01
	CapH264High8_444  Capabilities = 0x02
	CapHEVC           Capabilities = 0x04
	CapHEVCMain10     Capabilities = 0x08
	CapHEVCRext8_444  Capabilities = 0x10
	CapHEVCRext10_444 Capabilities = 0x20
	CapAV1Main8       Capabilities = 0x10000
	CapAV1Main10      Capabilities = 0x20000
	CapAV1High8_444   Capabilities = 0x40000
	CapAV1High10_444  Capabilities = 0x80000
)

// HEVCSupported reports whether any HEVC profile bit is set.
func (c Capabilities) HEVCSupported() bool {
	return c&(CapHEVC|CapHEVCMain10|CapHEVCRext8_444|CapHEVCRext10_444) != 0
}

// VideoCapabilities probes the host's available encoders. The real
// implementation would query the GPU/driver stack; that's out of scope
// here (spec Non-goals exclude the video pipeline), so only a software
// stand-in is shipped.
type VideoCapabilities interface {
	ProbeEncoders() Capabilities
}

// LaunchDescriptor carries everything the (external) streaming subsystem
// needs to start or resume a session.
type LaunchDescriptor struct {
	ID             uint32
	GCMKey         []byte
	Width          int
	Height         int
	FPS            int
	DeviceName     string
	ClientUUID     string
	AppID          int
	EnableSops     bool
	SurroundInfo   int
	SurroundParams string
	GCMap          int
	EnableHDR      bool
	VirtualDisplay bool
	ScaleFactor    int
	HostAudio      int

	RTSPCipher    cipher.AEAD // non-nil iff corever >= 1 and rikey is a 16-byte key
	RTSPIVCounter uint64
	IV            [16]byte

	RTSPURLScheme      string
	AVPingPayload      string // hex
	ControlConnectData []byte // 4 bytes
}

// AppLauncher is the process/application-management collaborator: it
// tracks at most one running app and the streaming sessions against it.
// CurrentAppID and ActiveSessionCount are deliberately independent: an app
// can be running with no active session (a client disconnected and may
// reconnect via Resume), which is exactly the state /resume exists to
// handle.
type AppLauncher interface {
	CurrentAppID() int
	ActiveSessionCount() int
	Launch(ctx context.Context, desc *LaunchDescriptor, app config.App) error
	Resume(ctx context.Context, desc *LaunchDescriptor) error
	EndSession(ctx context.Context) error
	Stop(ctx context.Context) error
}
