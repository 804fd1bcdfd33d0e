package action_test

import (
	"encoding/json"
	"testing"

	"github.com/clambin/nabtag/internal/action"
	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestKind_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		want    action.Kind
		wantErr assert.ErrorAssertionFunc
	}{
		{name: "command", want: action.Command, wantErr: assert.NoError},
		{name: "webhook", want: action.Webhook, wantErr: assert.NoError},
		{name: "sleep", want: action.Sleep, wantErr: assert.NoError},
		{name: "weather", want: action.Weather, wantErr: assert.NoError},
		{name: "airquality", want: action.AirQuality, wantErr: assert.NoError},
		{name: "taichi", want: action.Taichi, wantErr: assert.NoError},
		{name: "invalid", wantErr: assert.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var output action.Kind
			tt.wantErr(t, yaml.Unmarshal([]byte(tt.name), &output))
			assert.Equal(t, tt.want, output)
		})
	}
}

func TestKind_MarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		input   action.Kind
		want    string
		wantErr assert.ErrorAssertionFunc
	}{
		{name: "command", input: action.Command, want: "command\n", wantErr: assert.NoError},
		{name: "weather", input: action.Weather, want: "weather\n", wantErr: assert.NoError},
		{name: "bad", input: action.Kind(-1), wantErr: assert.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := yaml.Marshal(tt.input)
			tt.wantErr(t, err)
			assert.Equal(t, tt.want, string(output))
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    action.Action
		wantErr assert.ErrorAssertionFunc
	}{
		{
			name:    "webhook keeps colons in the url",
			input:   "webhook:http://example.com:8080/hook?id=1",
			want:    action.Action{Kind: action.Webhook, URL: "http://example.com:8080/hook?id=1"},
			wantErr: assert.NoError,
		},
		{
			name:    "command",
			input:   "command:mpc toggle",
			want:    action.Action{Kind: action.Command, Cmd: "mpc toggle"},
			wantErr: assert.NoError,
		},
		{
			name:    "scene with rabbit",
			input:   "weather:Kitchen",
			want:    action.Action{Kind: action.Weather, Rabbit: "kitchen"},
			wantErr: assert.NoError,
		},
		{
			name:    "scene without rabbit",
			input:   "taichi",
			want:    action.Action{Kind: action.Taichi},
			wantErr: assert.NoError,
		},
		{
			name:    "unknown kind",
			input:   "teleport:livingroom",
			wantErr: assert.Error,
		},
		{
			name:    "webhook without url",
			input:   "webhook",
			wantErr: assert.Error,
		},
		{
			name:    "command without command line",
			input:   "command",
			wantErr: assert.Error,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := action.Parse(tt.input)
			tt.wantErr(t, err)
			assert.Equal(t, tt.want, a)
		})
	}
}

func TestAction_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    action.Action
		wantErr assert.ErrorAssertionFunc
	}{
		{
			name:    "compact form",
			input:   `webhook:http://example.com/hook`,
			want:    action.Action{Kind: action.Webhook, URL: "http://example.com/hook"},
			wantErr: assert.NoError,
		},
		{
			name: "mapping form",
			input: `
kind: webhook
url: http://example.com/hook
method: POST
payload: '{"uid":"{{ .UID }}"}'
`,
			want:    action.Action{Kind: action.Webhook, URL: "http://example.com/hook", Method: "POST", Payload: `{"uid":"{{ .UID }}"}`},
			wantErr: assert.NoError,
		},
		{
			name: "scene mapping",
			input: `
kind: airquality
rabbit: Kitchen
`,
			want:    action.Action{Kind: action.AirQuality, Rabbit: "kitchen"},
			wantErr: assert.NoError,
		},
		{
			name:    "unknown kind",
			input:   `kind: teleport`,
			wantErr: assert.Error,
		},
		{
			name: "webhook with a relative url",
			input: `
kind: webhook
url: /hook
`,
			wantErr: assert.Error,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var a action.Action
			tt.wantErr(t, yaml.Unmarshal([]byte(tt.input), &a))
			assert.Equal(t, tt.want, a)
		})
	}
}

func TestAction_JSON(t *testing.T) {
	a := action.Action{Kind: action.Webhook, URL: "http://example.com/hook", Method: "POST"}
	body, err := json.Marshal(a)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"kind":"webhook","url":"http://example.com/hook","method":"POST"}`, string(body))

	var restored action.Action
	assert.NoError(t, json.Unmarshal(body, &restored))
	assert.Equal(t, a, restored)

	assert.Error(t, json.Unmarshal([]byte(`{"kind":"teleport"}`), &restored))
}

func TestAction_String(t *testing.T) {
	tests := []struct {
		input action.Action
		want  string
	}{
		{input: action.Action{Kind: action.Command, Cmd: "mpc toggle"}, want: "command(mpc toggle)"},
		{input: action.Action{Kind: action.Webhook, URL: "http://example.com"}, want: "webhook(http://example.com)"},
		{input: action.Action{Kind: action.Weather, Rabbit: "kitchen"}, want: "weather(kitchen)"},
		{input: action.Action{Kind: action.Sleep}, want: "sleep"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.input.String())
		})
	}
}
