package payload

import (
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
)

// client is the per-user entry of a type-B inbound. Type-A panels only read id/flow/alterId.
type client struct {
	ID         string `json:"id,omitempty"`
	Flow       string `json:"flow,omitempty"`
	AlterID    *int   `json:"alterId,omitempty"`
	Password   string `json:"password,omitempty"`
	Method     string `json:"method,omitempty"`
	Email      string `json:"email,omitempty"`
	LimitIP    *int   `json:"limitIp,omitempty"`
	TotalGB    *int64 `json:"totalGB,omitempty"`
	ExpiryTime *int64 `json:"expiryTime,omitempty"`
	Enable     *bool  `json:"enable,omitempty"`
	TgID       string `json:"tgId,omitempty"`
	SubID      string `json:"subId,omitempty"`
}

type account struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

func ptr[T any](v T) *T { return &v }

// withPanelFields fills the accounting fields type-B panels require on every client.
func withPanelFields(c client, params Params, subID string) client {
	if params.PanelType != model.PanelTypeB {
		return c
	}
	c.Email = subID
	c.LimitIP = ptr(0)
	c.TotalGB = ptr(int64(0))
	c.ExpiryTime = ptr(expiryMillis(params.ExpiryTime))
	c.Enable = ptr(true)
	c.SubID = subID
	return c
}

func (b *Builder) freshIDs() (string, string, error) {
	subID, err := b.newSubID()
	if err != nil {
		return "", "", err
	}
	return b.newUUID(), subID, nil
}

func (b *Builder) vmess(params Params) (any, Identity, error) {
	id, subID, err := b.freshIDs()
	if err != nil {
		return nil, Identity{}, err
	}

	c := client{ID: id}
	if params.PanelType == model.PanelTypeA {
		c.AlterID = ptr(0)
	}
	c = withPanelFields(c, params, subID)

	settings := map[string]any{"clients": []client{c}}
	if params.PanelType == model.PanelTypeA {
		settings["disableInsecureEncryption"] = false
	}
	return settings, Identity{UUID: id, SubID: subID}, nil
}

func (b *Builder) vless(params Params) (any, Identity, error) {
	id, subID, err := b.freshIDs()
	if err != nil {
		return nil, Identity{}, err
	}

	flow := FlowForVersion(params.XrayVersion)
	c := withPanelFields(client{ID: id, Flow: flow}, params, subID)

	settings := map[string]any{
		"clients":    []client{c},
		"decryption": "none",
		"fallbacks":  []any{},
	}
	return settings, Identity{UUID: id, SubID: subID, Flow: flow}, nil
}

func (b *Builder) shadowsocks(params Params) (any, Identity, error) {
	password := params.Password
	if password == "" {
		key, err := b.newKey()
		if err != nil {
			return nil, Identity{}, err
		}
		password = key
	}

	settings := map[string]any{
		"method":  ShadowsocksMethod,
		"network": "tcp,udp",
	}
	identity := Identity{Password: password}

	if params.PanelType == model.PanelTypeA {
		settings["password"] = password
		return settings, identity, nil
	}

	subID, err := b.newSubID()
	if err != nil {
		return nil, Identity{}, err
	}
	c := withPanelFields(client{Method: ShadowsocksMethod, Password: password}, params, subID)
	settings["clients"] = []client{c}
	identity.SubID = subID
	return settings, identity, nil
}

func (b *Builder) credentials(params Params) (string, string, error) {
	user, pass := params.Username, params.Password
	var err error
	if user == "" {
		if user, err = b.newCred(); err != nil {
			return "", "", err
		}
	}
	if pass == "" {
		if pass, err = b.newCred(); err != nil {
			return "", "", err
		}
	}
	return user, pass, nil
}

func (b *Builder) socks(params Params) (any, Identity, error) {
	user, pass, err := b.credentials(params)
	if err != nil {
		return nil, Identity{}, err
	}
	settings := map[string]any{
		"auth":     "password",
		"accounts": []account{{User: user, Pass: pass}},
		"udp":      true,
		"ip":       "127.0.0.1",
	}
	return settings, Identity{Username: user, Password: pass}, nil
}

func (b *Builder) http(params Params) (any, Identity, error) {
	user, pass, err := b.credentials(params)
	if err != nil {
		return nil, Identity{}, err
	}
	settings := map[string]any{
		"accounts":         []account{{User: user, Pass: pass}},
		"allowTransparent": false,
	}
	return settings, Identity{Username: user, Password: pass}, nil
}

func streamSettings() map[string]any {
	return map[string]any{
		"network":  "tcp",
		"security": "none",
		"tcpSettings": map[string]any{
			"acceptProxyProtocol": false,
			"header":              map[string]any{"type": "none"},
		},
	}
}

func sniffing(protocol model.Protocol) map[string]any {
	switch protocol {
	case model.ProtocolSocks, model.ProtocolHTTP:
		return map[string]any{"enabled": false, "destOverride": []string{}}
	}
	return map[string]any{"enabled": true, "destOverride": []string{"http", "tls", "quic"}}
}
