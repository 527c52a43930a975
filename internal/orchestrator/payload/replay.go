package payload

import (
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
)

// ParseConfigText decodes a persisted payload.
func ParseConfigText(text string) (url.Values, error) {
	if text == "" {
		return nil, apperrors.NewPayloadError(apperrors.ErrCodeValidation, "node has no stored payload", nil)
	}
	form, err := url.ParseQuery(text)
	if err != nil {
		return nil, apperrors.NewPayloadError(apperrors.ErrCodeValidation, "malformed stored payload", err)
	}
	if form.Get("protocol") == "" || form.Get("settings") == "" {
		return nil, apperrors.NewPayloadError(apperrors.ErrCodeValidation, "stored payload is missing protocol or settings", nil)
	}
	return form, nil
}

// WithExpiry returns a copy of a stored payload with the inbound and every client expiring at t.
// Identity fields are left untouched so renewal keeps the user's credentials.
func WithExpiry(text string, t time.Time) (url.Values, error) {
	form, err := ParseConfigText(text)
	if err != nil {
		return nil, err
	}

	millis := expiryMillis(t)
	form.Set("expiryTime", strconv.FormatInt(millis, 10))

	var settings map[string]any
	if err := json.Unmarshal([]byte(form.Get("settings")), &settings); err != nil {
		return nil, apperrors.NewPayloadError(apperrors.ErrCodeValidation, "stored settings are not JSON", err)
	}
	if clients, ok := settings["clients"].([]any); ok {
		for _, c := range clients {
			if entry, ok := c.(map[string]any); ok {
				if _, has := entry["expiryTime"]; has {
					entry["expiryTime"] = millis
				}
			}
		}
		patched, err := json.Marshal(settings)
		if err != nil {
			return nil, apperrors.NewPayloadError(apperrors.ErrCodeInternal, "encode settings", err)
		}
		form.Set("settings", string(patched))
	}
	return form, nil
}
