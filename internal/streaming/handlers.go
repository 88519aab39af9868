package streaming

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/pairhost/hostd/internal/config"
	"github.com/pairhost/hostd/internal/hostcrypto"
	"github.com/pairhost/hostd/internal/obslog"
	"github.com/pairhost/hostd/internal/verifier"
)

// localAddrKey is the context key hostserver's http.Server.ConnContext
// stashes the listener-side net.Addr under, so handlers can report the
// local endpoint address without threading it through every call.
type localAddrKey struct{}

var LocalAddrContextKey = localAddrKey{}

func localAddrFromContext(ctx context.Context) net.Addr {
	addr, _ := ctx.Value(LocalAddrContextKey).(net.Addr)
	return addr
}

// Handler implements the session-control endpoints. One Handler instance
// is shared by the HTTP and HTTPS listeners; the isHTTPS flag passed to
// ServeInfo is the only behavioral fork between the two.
type Handler struct {
	cfg        config.Config
	apps       []config.App
	commands   []config.ServerCommand
	caps       VideoCapabilities
	launcher   AppLauncher
	serverUUID string
	hostname   string

	mandatoryEncryption []*net.IPNet

	sessionCounter uint32
	hostAudio      int32

	logger *obslog.Logger
}

// NewHandler constructs a session-control Handler.
func NewHandler(cfg config.Config, apps []config.App, commands []config.ServerCommand, caps VideoCapabilities, launcher AppLauncher, serverUUID string, logger *obslog.Logger) *Handler {
	h := &Handler{
		cfg:        cfg,
		apps:       apps,
		commands:   commands,
		caps:       caps,
		launcher:   launcher,
		serverUUID: serverUUID,
		logger:     logger,
	}
	h.hostname, _ = os.Hostname()
	for _, cidr := range cfg.MandatoryEncryptionCIDRs {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			h.mandatoryEncryption = append(h.mandatoryEncryption, ipnet)
		}
	}
	return h
}

func writeXML(w http.ResponseWriter, statusCode int, body []byte) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(statusCode)
	w.Write(body)
}

func (h *Handler) findApp(appID int) (config.App, bool) {
	for _, a := range h.apps {
		if a.ID == appID {
			return a, true
		}
	}
	return config.App{}, false
}

func macForAddr(addr net.Addr) string {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return "00:00:00:00:00:00"
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return "00:00:00:00:00:00"
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if ok && ipNet.IP.Equal(tcpAddr.IP) {
				return iface.HardwareAddr.String()
			}
		}
	}
	return "00:00:00:00:00:00"
}

func (h *Handler) localIPFor(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if peerIP := net.ParseIP(host); peerIP != nil && peerIP.To4() == nil {
			return "127.0.0.1"
		}
	}
	if addr := localAddrFromContext(r.Context()); addr != nil {
		if tcpAddr, ok := addr.(*net.TCPAddr); ok {
			return tcpAddr.IP.String()
		}
	}
	return "127.0.0.1"
}

// ServeInfo handles /serverinfo. isHTTPS distinguishes the reduced HTTP
// form (no real MAC, no PairStatus, no ServerCommand list) from the full
// HTTPS form.
func (h *Handler) ServeInfo(isHTTPS bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uniqueID := r.URL.Query().Get("uniqueid")
		hasUniqueID := uniqueID != ""

		resp := serverInfoXML{
			StatusCode:        200,
			Hostname:          h.hostname,
			AppVersion:        "7.1.431.0",
			GfeVersion:        "3.23.0.74",
			UniqueID:          h.serverUUID,
			HTTPSPort:         h.cfg.HTTPSPort,
			ExternalPort:      h.cfg.HTTPPort,
			LocalIP:           h.localIPFor(r),
			CurrentGame:       h.launcher.CurrentAppID(),
			Mac:               "00:00:00:00:00:00",
		}

		caps := h.caps.ProbeEncoders()
		resp.ServerCodecModeSupport = uint32(caps)
		if caps&CapHEVCMain10 != 0 {
			resp.MaxLumaPixelsHEVC = "1869449984"
		} else {
			resp.MaxLumaPixelsHEVC = "0"
		}

		if resp.CurrentGame != 0 {
			resp.State = "SUNSHINE_SERVER_BUSY"
		} else {
			resp.State = "SUNSHINE_SERVER_FREE"
		}

		if isHTTPS {
			if addr := localAddrFromContext(r.Context()); addr != nil {
				resp.Mac = macForAddr(addr)
			}
			if hasUniqueID {
				resp.PairStatus = 1
				for _, c := range h.commands {
					resp.ServerCommands = append(resp.ServerCommands, serverCommandXML{Name: c.Name, Command: c.Command})
				}
			}
		}

		writeXML(w, 200, marshalXML(resp))
	}
}

// AppList handles /applist.
func (h *Handler) AppList(w http.ResponseWriter, r *http.Request) {
	resp := appListXML{StatusCode: 200}
	for _, a := range h.apps {
		hdr := 0
		if a.HDRSupported {
			hdr = 1
		}
		resp.Apps = append(resp.Apps, appXML{Title: a.Title, ID: a.ID, IsHdrSupported: hdr})
	}
	writeXML(w, 200, marshalXML(resp))
}

func (h *Handler) clientUUID(r *http.Request) string {
	if nc, ok := verifier.ClientFromContext(r.Context()); ok {
		return nc.UUID
	}
	return ""
}

func (h *Handler) isEncryptionMandatory(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range h.mandatoryEncryption {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (h *Handler) buildLaunchDescriptor(r *http.Request) (*LaunchDescriptor, error) {
	q := r.URL.Query()

	rikey, err := hex.DecodeString(q.Get("rikey"))
	if err != nil {
		return nil, fmt.Errorf("malformed rikey")
	}
	rikeyid := looseAtoi(q.Get("rikeyid"))

	width, height, fps := parseMode(q.Get("mode"))

	desc := &LaunchDescriptor{
		ID:             atomic.AddUint32(&h.sessionCounter, 1),
		GCMKey:         rikey,
		Width:          width,
		Height:         height,
		FPS:            fps,
		DeviceName:     q.Get("devicename"),
		ClientUUID:     h.clientUUID(r),
		AppID:          looseAtoi(q.Get("appid")),
		EnableSops:     looseAtoi(q.Get("sops")) != 0,
		SurroundInfo:   looseAtoiDefault(q.Get("surroundAudioInfo"), 196610),
		SurroundParams: q.Get("surroundParams"),
		GCMap:          looseAtoi(q.Get("gcmap")),
		EnableHDR:      looseAtoi(q.Get("hdrMode")) != 0,
		VirtualDisplay: looseAtoi(q.Get("virtualDisplay")) != 0,
		ScaleFactor:    looseAtoiDefault(q.Get("scaleFactor"), 100),
	}

	binary.BigEndian.PutUint32(desc.IV[0:4], uint32(rikeyid))

	corever := looseAtoi(q.Get("corever"))
	if corever >= 1 && len(rikey) == 16 {
		block, err := aes.NewCipher(rikey)
		if err == nil {
			gcmCipher, err := cipher.NewGCM(block)
			if err == nil {
				desc.RTSPCipher = gcmCipher
			}
		}
	}
	if desc.RTSPCipher != nil {
		desc.RTSPURLScheme = "rtspenc://"
	} else {
		desc.RTSPURLScheme = "rtsp://"
	}

	pingPayload, err := hostcrypto.RandomBytes(8)
	if err != nil {
		return nil, err
	}
	desc.AVPingPayload = hex.EncodeToString(pingPayload)

	controlData, err := hostcrypto.RandomBytes(4)
	if err != nil {
		return nil, err
	}
	desc.ControlConnectData = controlData

	return desc, nil
}

func looseAtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	return looseAtoi(s)
}

// Launch handles /launch.
func (h *Handler) Launch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if h.launcher.ActiveSessionCount() >= h.cfg.ChannelLimit {
		writeXML(w, 503, marshalXML(launchXML{StatusCode: 503, StatusMessage: "The host's concurrent stream limit has been reached. Stop an existing stream or increase the channel limit.", GameSession: 0}))
		return
	}
	if q.Get("rikey") == "" || q.Get("rikeyid") == "" || q.Get("localAudioPlayMode") == "" || q.Get("appid") == "" {
		writeXML(w, 400, marshalXML(launchXML{StatusCode: 400, StatusMessage: "Missing a required launch parameter", GameSession: 0}))
		return
	}
	if h.launcher.CurrentAppID() != 0 {
		writeXML(w, 400, marshalXML(launchXML{StatusCode: 400, StatusMessage: "An app is already running on this host", GameSession: 0}))
		return
	}

	corever := looseAtoi(q.Get("corever"))
	if corever == 0 && h.isEncryptionMandatory(r) {
		writeXML(w, 403, marshalXML(launchXML{StatusCode: 403, StatusMessage: "Encryption is mandatory for this host but unsupported by the client", GameSession: 0}))
		return
	}

	appID := looseAtoi(q.Get("appid"))
	app, ok := h.findApp(appID)
	if !ok {
		writeXML(w, 404, marshalXML(launchXML{StatusCode: 404, StatusMessage: "Cannot find requested application", GameSession: 0}))
		return
	}

	desc, err := h.buildLaunchDescriptor(r)
	if err != nil {
		writeXML(w, 400, marshalXML(launchXML{StatusCode: 400, StatusMessage: err.Error(), GameSession: 0}))
		return
	}
	atomic.StoreInt32(&h.hostAudio, int32(looseAtoi(q.Get("localAudioPlayMode"))))
	desc.HostAudio = int(atomic.LoadInt32(&h.hostAudio))

	if err := h.launcher.Launch(r.Context(), desc, app); err != nil {
		h.logger.Errorf("launch: failed to start app %d: %v", appID, err)
		writeXML(w, 500, marshalXML(launchXML{StatusCode: 500, StatusMessage: err.Error(), GameSession: 0}))
		return
	}

	sessionURL := fmt.Sprintf("%s%s:48010", desc.RTSPURLScheme, h.localIPFor(r))
	writeXML(w, 200, marshalXML(launchXML{StatusCode: 200, SessionURL0: sessionURL, GameSession: 1}))
}

// Resume handles /resume.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	if h.launcher.ActiveSessionCount() >= h.cfg.ChannelLimit {
		writeXML(w, 503, marshalXML(resumeXML{StatusCode: 503, StatusMessage: "The host's concurrent stream limit has been reached. Stop an existing stream or increase the channel limit.", Resume: 0}))
		return
	}
	if h.launcher.CurrentAppID() == 0 {
		writeXML(w, 503, marshalXML(resumeXML{StatusCode: 503, StatusMessage: "No running app to resume", Resume: 0}))
		return
	}

	q := r.URL.Query()
	if q.Get("rikey") == "" || q.Get("rikeyid") == "" {
		writeXML(w, 400, marshalXML(resumeXML{StatusCode: 400, StatusMessage: "Missing a required resume parameter", Resume: 0}))
		return
	}
	if h.launcher.ActiveSessionCount() == 0 {
		_ = h.caps.ProbeEncoders() // re-probe to catch encoder/GPU changes between sessions
		if mode := q.Get("localAudioPlayMode"); mode != "" {
			atomic.StoreInt32(&h.hostAudio, int32(looseAtoi(mode)))
		}
	}

	desc, err := h.buildLaunchDescriptor(r)
	if err != nil {
		writeXML(w, 400, marshalXML(resumeXML{StatusCode: 400, StatusMessage: err.Error(), Resume: 0}))
		return
	}
	desc.HostAudio = int(atomic.LoadInt32(&h.hostAudio))

	if err := h.launcher.Resume(r.Context(), desc); err != nil {
		h.logger.Errorf("resume: failed to raise session: %v", err)
		writeXML(w, 503, marshalXML(resumeXML{StatusCode: 503, StatusMessage: err.Error(), Resume: 0}))
		return
	}

	sessionURL := fmt.Sprintf("%s%s:48010", desc.RTSPURLScheme, h.localIPFor(r))
	writeXML(w, 200, marshalXML(resumeXML{StatusCode: 200, SessionURL0: sessionURL, Resume: 1}))
}

// Cancel handles /cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if h.launcher.ActiveSessionCount() > 0 {
		writeXML(w, 503, marshalXML(cancelXML{StatusCode: 503, StatusMessage: "Cannot cancel while a stream is active", Cancel: 0}))
		return
	}
	if h.launcher.CurrentAppID() != 0 {
		if err := h.launcher.Stop(r.Context()); err != nil {
			h.logger.Errorf("cancel: failed to stop running app: %v", err)
		}
	}
	writeXML(w, 200, marshalXML(cancelXML{StatusCode: 200, Cancel: 1}))
}

// AppAsset handles /appasset, serving the PNG boxart for an app.
func (h *Handler) AppAsset(w http.ResponseWriter, r *http.Request) {
	appID := looseAtoi(r.URL.Query().Get("appid"))
	app, ok := h.findApp(appID)
	if !ok || app.ImagePath == "" {
		http.NotFound(w, r)
		return
	}
	data, err := os.ReadFile(app.ImagePath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}
