// Package payload builds the form bodies panels accept for inbound creation and update.
//
// Both panel families take the same top-level form fields; they differ in how the
// per-protocol settings object is shaped. Nested objects (settings, streamSettings,
// sniffing) travel as JSON strings inside the form.
package payload

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	"github.com/ventupx/wrb-vpn-system/pkg/crypto"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
)

const (
	ShadowsocksMethod = "2022-blake3-aes-256-gcm"

	FlowVision = "xtls-rprx-vision"
	FlowDirect = "xtls-rprx-direct"

	SubIDLength       = 16
	credentialLength  = 12
	defaultListenAddr = ""
)

// Params describes the node an inbound is built for.
type Params struct {
	Protocol    model.Protocol
	PanelType   model.PanelType
	XrayVersion string
	Remark      string
	Port        int
	ExpiryTime  time.Time

	// Password is the shadowsocks key or the socks/http password; generated when empty.
	Password string
	// Username is the socks/http account; generated when empty.
	Username string
}

// Identity is the credential set a build produced.
type Identity struct {
	UUID     string `json:"uuid,omitempty"`
	SubID    string `json:"sub_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Flow     string `json:"flow,omitempty"`
}

// Payload is a ready-to-submit inbound form.
type Payload struct {
	Protocol  model.Protocol
	PanelType model.PanelType
	Identity  Identity
	Form      url.Values
}

// ConfigText is the persisted form of the payload, replayed on renewal and migration.
func (p *Payload) ConfigText() string {
	return p.Form.Encode()
}

// Builder generates fresh identifiers for every build. The generator funcs are swappable in tests.
type Builder struct {
	newUUID  func() string
	newSubID func() (string, error)
	newKey   func() (string, error)
	newCred  func() (string, error)
}

// NewBuilder creates a payload builder
func NewBuilder() *Builder {
	return &Builder{
		newUUID:  func() string { return uuid.NewString() },
		newSubID: func() (string, error) { return crypto.RandomString(crypto.SubIDAlphabet, SubIDLength) },
		newKey:   crypto.GenerateShadowsocksKey,
		newCred:  func() (string, error) { return crypto.RandomString(crypto.CredentialAlphabet, credentialLength) },
	}
}

// Build produces the creation form for params. vmess and vless get a new UUID and subId on every call.
func (b *Builder) Build(params Params) (*Payload, error) {
	if !params.PanelType.Valid() {
		return nil, apperrors.NewPayloadError(apperrors.ErrCodeValidation,
			fmt.Sprintf("unknown panel type %q", params.PanelType), nil)
	}
	if params.Port <= 0 || params.Port > 65535 {
		return nil, apperrors.NewPayloadError(apperrors.ErrCodeValidation,
			fmt.Sprintf("invalid port %d", params.Port), nil)
	}

	var (
		settings any
		identity Identity
		err      error
	)
	switch params.Protocol {
	case model.ProtocolVMess:
		settings, identity, err = b.vmess(params)
	case model.ProtocolVLESS:
		settings, identity, err = b.vless(params)
	case model.ProtocolShadowsocks:
		settings, identity, err = b.shadowsocks(params)
	case model.ProtocolSocks:
		settings, identity, err = b.socks(params)
	case model.ProtocolHTTP:
		settings, identity, err = b.http(params)
	default:
		return nil, apperrors.NewPayloadError(apperrors.ErrCodeUnsupportedProtocol,
			fmt.Sprintf("unsupported protocol %q", params.Protocol), nil)
	}
	if err != nil {
		return nil, apperrors.NewPayloadError(apperrors.ErrCodeInternal, "generate node identity", err)
	}

	form, err := assemble(params, settings)
	if err != nil {
		return nil, err
	}

	return &Payload{
		Protocol:  params.Protocol,
		PanelType: params.PanelType,
		Identity:  identity,
		Form:      form,
	}, nil
}

func assemble(params Params, settings any) (url.Values, error) {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, apperrors.NewPayloadError(apperrors.ErrCodeInternal, "encode settings", err)
	}
	streamJSON, err := json.Marshal(streamSettings())
	if err != nil {
		return nil, apperrors.NewPayloadError(apperrors.ErrCodeInternal, "encode stream settings", err)
	}
	sniffingJSON, err := json.Marshal(sniffing(params.Protocol))
	if err != nil {
		return nil, apperrors.NewPayloadError(apperrors.ErrCodeInternal, "encode sniffing", err)
	}

	return url.Values{
		"up":             {"0"},
		"down":           {"0"},
		"total":          {"0"},
		"remark":         {params.Remark},
		"enable":         {"true"},
		"expiryTime":     {strconv.FormatInt(expiryMillis(params.ExpiryTime), 10)},
		"listen":         {defaultListenAddr},
		"port":           {strconv.Itoa(params.Port)},
		"protocol":       {string(params.Protocol)},
		"settings":       {string(settingsJSON)},
		"streamSettings": {string(streamJSON)},
		"sniffing":       {string(sniffingJSON)},
	}, nil
}

func expiryMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FlowForVersion picks the vless flow a panel's xray build understands.
func FlowForVersion(version string) string {
	major, minor, ok := parseVersion(version)
	if ok && (major > 1 || (major == 1 && minor >= 8)) {
		return FlowVision
	}
	return FlowDirect
}

func parseVersion(v string) (major, minor int, ok bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}
