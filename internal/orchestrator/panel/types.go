package panel

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gookit/goutil"
)

// Response is the envelope every panel endpoint answers with.
type Response struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// Inbound is a listener on the panel; one per node.
type Inbound struct {
	ID             int    `json:"id"`
	Up             int64  `json:"up"`
	Down           int64  `json:"down"`
	Total          int64  `json:"total"`
	Remark         string `json:"remark"`
	Enable         bool   `json:"enable"`
	ExpiryTime     int64  `json:"expiryTime"`
	Listen         string `json:"listen"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
	Sniffing       string `json:"sniffing"`
	Tag            string `json:"tag"`
}

// Usage is a current/total pair from server status.
type Usage struct {
	Current float64 `json:"current"`
	Total   float64 `json:"total"`
}

// Percent returns current as a share of total.
func (u Usage) Percent() float64 {
	if u.Total <= 0 {
		return 0
	}
	return u.Current / u.Total * 100
}

// ServerStatus is the subset of /server/status the engine records.
type ServerStatus struct {
	CPU  float64 `json:"cpu"`
	Mem  Usage   `json:"mem"`
	Disk Usage   `json:"disk"`
	Xray struct {
		State   string `json:"state"`
		Version string `json:"version"`
	} `json:"xray"`
	Uptime json.Number `json:"uptime"`
}

// UptimeSeconds tolerates both numeric and string uptime encodings.
func (s *ServerStatus) UptimeSeconds() int {
	if s.Uptime == "" {
		return 0
	}
	v, err := goutil.ToInt(s.Uptime.String())
	if err != nil {
		return 0
	}
	return v
}

// XrayConfig is the panel's global xray template. Only routing is interpreted;
// everything else is carried through untouched.
type XrayConfig struct {
	raw map[string]any
}

// ParseXrayConfig accepts the panel obj, which is either a JSON string or an object.
// Newer panels nest the template under "xraySetting" next to inbound tag lists.
func ParseXrayConfig(obj json.RawMessage) (*XrayConfig, error) {
	data := []byte(obj)

	var asString string
	if err := json.Unmarshal(obj, &asString); err == nil {
		data = []byte(asString)
	}

	var top map[string]any
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("decode xray config: %w", err)
	}

	if setting, ok := top["xraySetting"]; ok {
		inner, err := asObject(setting)
		if err != nil {
			return nil, fmt.Errorf("decode xraySetting: %w", err)
		}
		return &XrayConfig{raw: inner}, nil
	}
	return &XrayConfig{raw: top}, nil
}

// NewXrayConfig wraps an operator supplied template. The outbounds key must hold a list.
func NewXrayConfig(template map[string]any) (*XrayConfig, error) {
	if template == nil {
		return nil, fmt.Errorf("xray template is empty")
	}
	if _, ok := template["outbounds"].([]any); !ok {
		return nil, fmt.Errorf("xray template needs an outbounds list")
	}
	return &XrayConfig{raw: template}, nil
}

func asObject(v any) (map[string]any, error) {
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(t), &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unexpected %T", v)
	}
}

// Template returns the xray template the update endpoint expects.
func (c *XrayConfig) Template() map[string]any {
	return c.raw
}

// MarshalTemplate serializes the template for the xraySetting form field.
func (c *XrayConfig) MarshalTemplate() (string, error) {
	b, err := json.Marshal(c.raw)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// OutboundTags lists the tags of the configured outbounds in order.
func (c *XrayConfig) OutboundTags() []string {
	outbounds, _ := c.raw["outbounds"].([]any)
	tags := make([]string, 0, len(outbounds))
	for _, o := range outbounds {
		m, ok := o.(map[string]any)
		if !ok {
			continue
		}
		if tag, ok := m["tag"].(string); ok && tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// RoutableOutboundTags lists outbound tags a node may be routed through, skipping
// the direct, blackhole and dns outbounds every template carries.
func (c *XrayConfig) RoutableOutboundTags() []string {
	outbounds, _ := c.raw["outbounds"].([]any)
	tags := make([]string, 0, len(outbounds))
	for _, o := range outbounds {
		m, ok := o.(map[string]any)
		if !ok {
			continue
		}
		switch m["protocol"] {
		case "freedom", "blackhole", "dns":
			continue
		}
		if tag, ok := m["tag"].(string); ok && tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// AddRoutingRule binds inboundTag to outboundTag. An existing rule for the
// same inbound tag is retargeted instead of duplicated. It reports whether anything changed.
func (c *XrayConfig) AddRoutingRule(inboundTag, outboundTag string) bool {
	routing, _ := c.raw["routing"].(map[string]any)
	if routing == nil {
		routing = map[string]any{"domainStrategy": "AsIs"}
		c.raw["routing"] = routing
	}
	rules, _ := routing["rules"].([]any)

	for _, r := range rules {
		rule, ok := r.(map[string]any)
		if !ok {
			continue
		}
		if containsTag(rule["inboundTag"], inboundTag) {
			if rule["outboundTag"] == outboundTag {
				return false
			}
			rule["outboundTag"] = outboundTag
			return true
		}
	}

	rule := map[string]any{
		"type":        "field",
		"inboundTag":  []any{inboundTag},
		"outboundTag": outboundTag,
	}
	// ahead of catch-all rules appended by the operator
	routing["rules"] = append([]any{rule}, rules...)
	return true
}

// RemoveRoutingRule drops rules bound only to inboundTag.
func (c *XrayConfig) RemoveRoutingRule(inboundTag string) bool {
	routing, _ := c.raw["routing"].(map[string]any)
	if routing == nil {
		return false
	}
	rules, _ := routing["rules"].([]any)

	kept := make([]any, 0, len(rules))
	removed := false
	for _, r := range rules {
		rule, ok := r.(map[string]any)
		if ok {
			if tags, _ := rule["inboundTag"].([]any); len(tags) == 1 && tags[0] == inboundTag {
				removed = true
				continue
			}
		}
		kept = append(kept, r)
	}
	routing["rules"] = kept
	return removed
}

func containsTag(v any, tag string) bool {
	tags, _ := v.([]any)
	for _, t := range tags {
		if s, ok := t.(string); ok && s == tag {
			return true
		}
	}
	return false
}

// InboundTag is the tag type-B panels assign to an inbound listening on port.
func InboundTag(port int) string {
	return "inbound-" + strconv.Itoa(port)
}
