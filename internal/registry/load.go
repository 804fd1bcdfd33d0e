package registry

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/clambin/go-common/set"
	"github.com/clambin/nabtag/internal/action"
	"gopkg.in/yaml.v3"
)

// ErrConfig marks an invalid tags file. A reload that fails with it leaves
// the active snapshot in place.
var ErrConfig = errors.New("invalid configuration")

// DefaultNabdPort is the TCP port nabd listens on (pynab default).
const DefaultNabdPort = 10543

// DefaultRelayPort is the port of the nabtag instance serving a rabbit.
const DefaultRelayPort = 8080

// NormalizeUID returns the canonical form of a tag uid: lower case, colon
// separators removed. All lookups and comparisons use the canonical form.
func NormalizeUID(uid string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(uid), ":", ""))
}

// TagEntry maps one tag to the action to take when it is scanned. If Relay
// is set, the resolved action is forwarded to that rabbit's nabtag instance
// instead of being executed locally.
type TagEntry struct {
	UID    string        `yaml:"uid"`
	Name   string        `yaml:"name,omitempty"`
	Action action.Action `yaml:"action"`
	Relay  string        `yaml:"relay,omitempty"`
}

// Label returns the tag's name, or its uid when no name was configured.
func (e TagEntry) Label() string {
	if e.Name != "" {
		return e.Name
	}
	return e.UID
}

// RabbitEntry is one rabbit in the directory. Address is a host or host:port
// and is not checked for reachability: a powered-off rabbit is a valid
// directory entry.
type RabbitEntry struct {
	ID         string `yaml:"id"`
	Address    string `yaml:"address"`
	NabdPort   int    `yaml:"nabdPort,omitempty"`
	RelayPort  int    `yaml:"relayPort,omitempty"`
	Reader     bool   `yaml:"reader,omitempty"`
	SecretFile string `yaml:"secretFile,omitempty"`
	secret     string
}

// NabdAddress returns the host:port of the rabbit's nabd daemon.
func (e RabbitEntry) NabdAddress() string {
	return fmt.Sprintf("%s:%d", e.Address, e.NabdPort)
}

// RelayAddress returns the host:port of the nabtag instance serving the rabbit.
func (e RabbitEntry) RelayAddress() string {
	return fmt.Sprintf("%s:%d", e.Address, e.RelayPort)
}

type tagsFile struct {
	Rabbits []RabbitEntry `yaml:"rabbits"`
	Tags    []TagEntry    `yaml:"tags"`
}

func parse(r io.Reader, logger *slog.Logger) (map[string]TagEntry, map[string]RabbitEntry, error) {
	var file tagsFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	rabbits := make(map[string]RabbitEntry, len(file.Rabbits))
	addresses := set.New[string]()
	for _, rabbit := range file.Rabbits {
		rabbit.ID = strings.ToLower(strings.TrimSpace(rabbit.ID))
		if rabbit.ID == "" {
			return nil, nil, fmt.Errorf("%w: rabbit with no id", ErrConfig)
		}
		if rabbit.Address == "" {
			return nil, nil, fmt.Errorf("%w: rabbit %q: no address", ErrConfig, rabbit.ID)
		}
		if _, ok := rabbits[rabbit.ID]; ok {
			return nil, nil, fmt.Errorf("%w: duplicate rabbit id %q", ErrConfig, rabbit.ID)
		}
		if addresses.Contains(rabbit.Address) {
			return nil, nil, fmt.Errorf("%w: rabbit %q: duplicate address %q", ErrConfig, rabbit.ID, rabbit.Address)
		}
		if rabbit.NabdPort == 0 {
			rabbit.NabdPort = DefaultNabdPort
		}
		if rabbit.RelayPort == 0 {
			rabbit.RelayPort = DefaultRelayPort
		}
		addresses.Add(rabbit.Address)
		rabbits[rabbit.ID] = rabbit
	}

	tags := make(map[string]TagEntry, len(file.Tags))
	for _, tag := range file.Tags {
		uid := NormalizeUID(tag.UID)
		if uid == "" {
			return nil, nil, fmt.Errorf("%w: tag %q: no uid", ErrConfig, tag.Name)
		}
		tag.UID = uid
		if err := tag.Action.Validate(); err != nil {
			return nil, nil, fmt.Errorf("%w: tag %q: %w", ErrConfig, tag.Label(), err)
		}
		if previous, ok := tags[uid]; ok {
			if previous.Action.Kind != tag.Action.Kind {
				return nil, nil, fmt.Errorf("%w: duplicate tag %q with conflicting actions (%s vs %s)",
					ErrConfig, uid, previous.Action.Kind, tag.Action.Kind)
			}
			logger.Warn("duplicate tag, keeping the last entry",
				slog.String("uid", uid),
				slog.String("dropped", previous.Label()),
			)
		}
		if tag.Relay != "" {
			tag.Relay = strings.ToLower(strings.TrimSpace(tag.Relay))
			if _, ok := rabbits[tag.Relay]; !ok {
				return nil, nil, fmt.Errorf("%w: tag %q: relay target %q not in the rabbit directory", ErrConfig, tag.Label(), tag.Relay)
			}
		}
		if tag.Action.Kind.Scene() && tag.Action.Rabbit != "" {
			if _, ok := rabbits[tag.Action.Rabbit]; !ok {
				return nil, nil, fmt.Errorf("%w: tag %q: rabbit %q not in the rabbit directory", ErrConfig, tag.Label(), tag.Action.Rabbit)
			}
		}
		tags[uid] = tag
	}

	return tags, rabbits, nil
}
