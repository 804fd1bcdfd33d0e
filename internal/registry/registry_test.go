package registry_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/clambin/nabtag/internal/action"
	"github.com/clambin/nabtag/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
rabbits:
  - id: Kitchen
    address: 192.168.1.20
    reader: true
  - id: bedroom
    address: 192.168.1.21
    nabdPort: 10544
tags:
  - uid: "d0:02:1a:01:02:03:04:05"
    name: jukebox
    action: webhook:http://jukebox.local/toggle
  - uid: d0021a0102030406
    name: bedtime
    action:
      kind: sleep
    relay: bedroom
`

func makeStore(t *testing.T, content string) *registry.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tags.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return registry.New(path, "", slog.Default())
}

func TestStore_Load(t *testing.T) {
	store := makeStore(t, validConfig)
	assert.Nil(t, store.Snapshot())
	require.NoError(t, store.Load())

	snapshot := store.Snapshot()
	require.NotNil(t, snapshot)
	assert.Len(t, snapshot.Tags(), 2)
	assert.Len(t, snapshot.Rabbits(), 2)
	assert.False(t, snapshot.LoadedAt().IsZero())

	// lookups are case-insensitive and accept both uid forms
	entry, ok := snapshot.Tag("D0:02:1A:01:02:03:04:05")
	require.True(t, ok)
	assert.Equal(t, "jukebox", entry.Name)
	assert.Equal(t, action.Webhook, entry.Action.Kind)
	assert.Equal(t, "http://jukebox.local/toggle", entry.Action.URL)

	entry, ok = snapshot.Tag("d0021a0102030406")
	require.True(t, ok)
	assert.Equal(t, "bedroom", entry.Relay)
	assert.Equal(t, action.Sleep, entry.Action.Kind)

	_, ok = snapshot.Tag("ffffffffffffffff")
	assert.False(t, ok)

	rabbit, ok := snapshot.Rabbit("Kitchen")
	require.True(t, ok)
	assert.Equal(t, "kitchen", rabbit.ID)
	assert.True(t, rabbit.Reader)
	assert.Equal(t, "192.168.1.20:10543", rabbit.NabdAddress())
	assert.Equal(t, "192.168.1.20:8080", rabbit.RelayAddress())

	rabbit, ok = snapshot.Rabbit("bedroom")
	require.True(t, ok)
	assert.Equal(t, "192.168.1.21:10544", rabbit.NabdAddress())

	_, ok = snapshot.Rabbit("attic")
	assert.False(t, ok)
}

func TestStore_Load_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{
			name:   "not yaml",
			config: `not yaml`,
		},
		{
			name: "unknown action kind",
			config: `
tags:
  - uid: "aa:bb"
    action: teleport:somewhere
`,
		},
		{
			name: "missing action",
			config: `
tags:
  - uid: "aa:bb"
    name: broken
`,
		},
		{
			name: "tag without uid",
			config: `
tags:
  - name: broken
    action: command:true
`,
		},
		{
			name: "conflicting duplicate",
			config: `
tags:
  - uid: "aa:bb"
    action: command:mpc toggle
  - uid: aabb
    action: webhook:http://example.com
`,
		},
		{
			name: "relay target not in directory",
			config: `
tags:
  - uid: "aa:bb"
    action: command:true
    relay: bedroom
`,
		},
		{
			name: "scene rabbit not in directory",
			config: `
tags:
  - uid: "aa:bb"
    action: weather:attic
`,
		},
		{
			name: "rabbit without address",
			config: `
rabbits:
  - id: kitchen
`,
		},
		{
			name: "duplicate rabbit id",
			config: `
rabbits:
  - id: kitchen
    address: 192.168.1.20
  - id: Kitchen
    address: 192.168.1.21
`,
		},
		{
			name: "duplicate rabbit address",
			config: `
rabbits:
  - id: kitchen
    address: 192.168.1.20
  - id: bedroom
    address: 192.168.1.20
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := makeStore(t, tt.config)
			err := store.Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, registry.ErrConfig)
			assert.Nil(t, store.Snapshot())
		})
	}
}

func TestStore_Load_LastEntryWins(t *testing.T) {
	store := makeStore(t, `
tags:
  - uid: "aa:bb"
    name: first
    action: webhook:http://example.com/first
  - uid: aabb
    name: second
    action: webhook:http://example.com/second
`)
	require.NoError(t, store.Load())

	entry, ok := store.Snapshot().Tag("aabb")
	require.True(t, ok)
	assert.Equal(t, "second", entry.Name)
	assert.Equal(t, "http://example.com/second", entry.Action.URL)
}

func TestStore_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o644))
	store := registry.New(path, "", slog.Default())
	require.NoError(t, store.Load())

	ch := store.Subscribe()
	defer store.Unsubscribe(ch)

	// a broken reload keeps the active snapshot and publishes nothing
	active := store.Snapshot()
	require.NoError(t, os.WriteFile(path, []byte(`tags: [ {name: broken} ]`), 0o644))
	assert.Error(t, store.Load())
	assert.Same(t, active, store.Snapshot())
	select {
	case <-ch:
		t.Fatal("unexpected snapshot published")
	default:
	}

	// a valid reload swaps the snapshot and publishes it
	require.NoError(t, os.WriteFile(path, []byte(`
tags:
  - uid: aabb
    action: command:mpc toggle
`), 0o644))
	require.NoError(t, store.Load())
	assert.NotSame(t, active, store.Snapshot())
	assert.Same(t, store.Snapshot(), <-ch)
	assert.Len(t, store.Snapshot().Tags(), 1)
}

func TestStore_Secrets(t *testing.T) {
	dir := t.TempDir()
	fleetSecret := filepath.Join(dir, "fleet.secret")
	bedroomSecret := filepath.Join(dir, "bedroom.secret")
	require.NoError(t, os.WriteFile(fleetSecret, []byte("fleet-token\n"), 0o600))
	require.NoError(t, os.WriteFile(bedroomSecret, []byte("bedroom-token\n"), 0o600))

	path := filepath.Join(dir, "tags.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rabbits:
  - id: kitchen
    address: 192.168.1.20
  - id: bedroom
    address: 192.168.1.21
    secretFile: `+bedroomSecret+`
`), 0o644))

	store := registry.New(path, fleetSecret, slog.Default())
	require.NoError(t, store.Load())

	snapshot := store.Snapshot()
	assert.Equal(t, "fleet-token", snapshot.Secret())
	kitchen, _ := snapshot.Rabbit("kitchen")
	assert.Equal(t, "fleet-token", snapshot.SecretFor(kitchen))
	bedroom, _ := snapshot.Rabbit("bedroom")
	assert.Equal(t, "bedroom-token", snapshot.SecretFor(bedroom))

	// an unreadable secret file fails the load
	store = registry.New(path, filepath.Join(dir, "missing.secret"), slog.Default())
	err := store.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrConfig)
}

func TestNormalizeUID(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "D0:02:1A:01:02:03:04:05", want: "d0021a0102030405"},
		{input: "d0021a0102030405", want: "d0021a0102030405"},
		{input: " aa:BB ", want: "aabb"},
		{input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, registry.NormalizeUID(tt.input))
		})
	}
}
