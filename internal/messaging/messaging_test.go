package messaging

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focusshield/settings"
)

func TestDecode(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		want    Kind
		ignored bool
		invalid bool
	}{
		{name: "reload", body: `{"type":"RELOAD_SETTINGS"}`, want: ReloadSettings},
		{name: "context", body: `{"type":"GET_CONTEXT","extra":1}`, want: GetContext},
		{name: "defaults", body: `{"type":"ENSURE_DEFAULTS"}`, want: EnsureDefaults},
		{name: "ping", body: `{"type":"PING_APPLY_ACTIVE_TAB"}`, want: PingApplyActiveTab},
		{name: "missing type", body: `{}`, ignored: true},
		{name: "empty type", body: `{"type":""}`, ignored: true},
		{name: "numeric type", body: `{"type":3}`, ignored: true},
		{name: "unknown type", body: `{"type":"reload_settings"}`, ignored: true},
		{name: "null", body: `null`, ignored: true},
		{name: "array", body: `[1]`, ignored: true},
		{name: "garbage", body: `{type`, invalid: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := Decode([]byte(tc.body))
			switch {
			case tc.ignored:
				assert.ErrorIs(t, err, ErrIgnored)
			case tc.invalid:
				require.Error(t, err)
				assert.False(t, errors.Is(err, ErrIgnored))
			default:
				require.NoError(t, err)
				assert.Equal(t, tc.want, req.Kind)
			}
		})
	}
}

func TestTargets(t *testing.T) {
	for k, want := range map[Kind]Target{ReloadSettings: Page, GetContext: Page, EnsureDefaults: Background, PingApplyActiveTab: Background} {
		got, ok := k.Target()
		assert.True(t, ok)
		assert.Equal(t, want, got, string(k))
	}
	_, ok := Kind("NOPE").Target()
	assert.False(t, ok)
}

func TestResponseJSON(t *testing.T) {
	b, err := json.Marshal(OK())
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(b))

	b, err = json.Marshal(Fail(errors.New("No active tab.")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":false,"error":"No active tab."}`, string(b))

	eff, has := settings.ResolveEffective(settings.Defaults(), "example.com")
	b, err = json.Marshal(ContextReply(Context{Hostname: "example.com", Effective: eff, HasSiteOverride: has}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"hostname":"example.com","hasSiteOverride":false,
		"effective":{"enabled":true,"hideAds":true,"hideComments":false,"themeEnabled":true,"saturation":0.85,"contrast":1.08}}`, string(b))

	var back Response
	require.NoError(t, json.Unmarshal(b, &back))
	require.NotNil(t, back.Context)
	assert.Equal(t, "example.com", back.Hostname)
}

func TestEncode(t *testing.T) {
	req, err := Decode(Encode(ReloadSettings))
	require.NoError(t, err)
	assert.Equal(t, ReloadSettings, req.Kind)
}
