package streaming

// DefaultVideoCapabilities is a software-only stand-in for the real
// encoder-probing subsystem: it always reports H264 and HEVC support and
// never reports AV1, matching a headless dev/test rig with no GPU.
type DefaultVideoCapabilities struct{}

// ProbeEncoders implements VideoCapabilities.
func (DefaultVideoCapabilities) ProbeEncoders() Capabilities {
	return CapH264 | CapHEVC
}
