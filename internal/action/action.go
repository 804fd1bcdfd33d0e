// Package action defines the closed set of actions a tag scan can trigger.
//
// An Action is declared in tags.yaml either as a mapping:
//
//	action:
//	  kind: webhook
//	  url: http://jukebox.local/toggle
//
// or in the compact "kind[:data]" form used by the classic ini files:
//
//	action: webhook:http://jukebox.local/toggle
//	action: weather:kitchen
//
// Unknown kinds are rejected when the configuration is decoded, not when the
// tag is scanned.
package action

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"
)

type Kind int

const (
	Command Kind = iota
	Webhook
	Sleep
	Weather
	AirQuality
	Taichi
)

func (k Kind) String() string {
	var result string
	switch k {
	case Command:
		result = "command"
	case Webhook:
		result = "webhook"
	case Sleep:
		result = "sleep"
	case Weather:
		result = "weather"
	case AirQuality:
		result = "airquality"
	case Taichi:
		result = "taichi"
	}
	return result
}

func parseKind(value string) (Kind, error) {
	switch value {
	case "command":
		return Command, nil
	case "webhook":
		return Webhook, nil
	case "sleep":
		return Sleep, nil
	case "weather":
		return Weather, nil
	case "airquality":
		return AirQuality, nil
	case "taichi":
		return Taichi, nil
	default:
		return 0, fmt.Errorf("invalid Kind: %s", value)
	}
}

// Scene reports whether the kind is one of the rabbit's built-in choreographies,
// launched through its web UI rather than executed locally.
func (k Kind) Scene() bool {
	switch k {
	case Sleep, Weather, AirQuality, Taichi:
		return true
	default:
		return false
	}
}

func (k *Kind) UnmarshalYAML(node *yaml.Node) error {
	kind, err := parseKind(node.Value)
	if err == nil {
		*k = kind
	}
	return err
}

func (k Kind) MarshalYAML() (interface{}, error) {
	v := k.String()
	if v == "" {
		return "", fmt.Errorf("invalid Kind: %d", k)
	}
	return v, nil
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	kind, err := parseKind(value)
	if err == nil {
		*k = kind
	}
	return err
}

func (k Kind) MarshalJSON() ([]byte, error) {
	v := k.String()
	if v == "" {
		return nil, fmt.Errorf("invalid Kind: %d", k)
	}
	return json.Marshal(v)
}

// Action describes what to do when a tag is scanned. Exactly the fields for
// its Kind are set: Cmd for command, URL/Method/Payload for webhook, Rabbit
// (optional) for the scene kinds.
type Action struct {
	Kind    Kind   `yaml:"kind" json:"kind"`
	Cmd     string `yaml:"command,omitempty" json:"command,omitempty"`
	URL     string `yaml:"url,omitempty" json:"url,omitempty"`
	Method  string `yaml:"method,omitempty" json:"method,omitempty"`
	Payload string `yaml:"payload,omitempty" json:"payload,omitempty"`
	Rabbit  string `yaml:"rabbit,omitempty" json:"rabbit,omitempty"`
}

// Parse converts the compact "kind[:data]" form to an Action. The data part
// is the URL for webhook, the command line for command and the target rabbit
// for scene kinds.
func Parse(value string) (Action, error) {
	kindString, data, _ := strings.Cut(value, ":")
	kind, err := parseKind(strings.ToLower(strings.TrimSpace(kindString)))
	if err != nil {
		return Action{}, err
	}
	a := Action{Kind: kind}
	switch {
	case kind == Command:
		a.Cmd = data
	case kind == Webhook:
		a.URL = data
	case kind.Scene():
		a.Rabbit = strings.ToLower(strings.TrimSpace(data))
	}
	if err = a.validate(); err != nil {
		return Action{}, err
	}
	return a, nil
}

func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		parsed, err := Parse(node.Value)
		if err == nil {
			*a = parsed
		}
		return err
	}
	type plain Action
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*a = Action(p)
	a.Rabbit = strings.ToLower(strings.TrimSpace(a.Rabbit))
	return a.validate()
}

func (a Action) validate() error {
	switch a.Kind {
	case Command:
		if a.Cmd == "" {
			return fmt.Errorf("command action: missing command line")
		}
	case Webhook:
		u, err := url.Parse(a.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webhook action: invalid url %q", a.URL)
		}
	}
	return nil
}

// Validate checks that the action is complete for its kind. Incoming relayed
// actions go through this before they are executed.
func (a Action) Validate() error {
	if a.Kind.String() == "" {
		return fmt.Errorf("invalid Kind: %d", a.Kind)
	}
	return a.validate()
}

// String returns a compact representation for logs and chat messages.
func (a Action) String() string {
	switch a.Kind {
	case Command:
		return fmt.Sprintf("command(%s)", a.Cmd)
	case Webhook:
		return fmt.Sprintf("webhook(%s)", a.URL)
	default:
		if a.Rabbit != "" {
			return fmt.Sprintf("%s(%s)", a.Kind, a.Rabbit)
		}
		return a.Kind.String()
	}
}
