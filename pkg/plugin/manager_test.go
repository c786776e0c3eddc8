package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/walletagent/pkg/secrets"
)

type fakeClient struct {
	mu            sync.Mutex
	active        map[string]*Instance
	activations   []string
	deactivations []string
	reject        map[string]bool
	// delay slows every round trip to the agent
	delay time.Duration
}

func newFakeClient() *fakeClient {
	return &fakeClient{active: make(map[string]*Instance), reject: make(map[string]bool)}
}

func (c *fakeClient) Activate(ctx context.Context, instance *Instance) error {
	time.Sleep(c.delay)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activations = append(c.activations, instance.Name)
	if c.reject[instance.Name] {
		return errors.New("plugin shape rejected")
	}
	c.active[instance.Name] = instance
	return nil
}

func (c *fakeClient) Deactivate(ctx context.Context, name string) error {
	time.Sleep(c.delay)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deactivations = append(c.deactivations, name)
	delete(c.active, name)
	return nil
}

func (c *fakeClient) isActive(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[name]
	return ok
}

type fakeVault struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (v *fakeVault) Decrypt(ctx context.Context, sessionHandle string, secret secrets.Encrypted) (string, error) {
	v.calls.Add(1)
	if v.delay > 0 {
		time.Sleep(v.delay)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if v.err != nil {
		return "", v.err
	}
	return "plain:" + secret.Ciphertext, nil
}

func (v *fakeVault) Encrypt(ctx context.Context, plaintext, sessionHandle string) (secrets.Encrypted, error) {
	return secrets.Encrypted{Ciphertext: plaintext, DataToEncryptHash: "h"}, nil
}

type memorySecretStore struct {
	mu   sync.Mutex
	data map[string]secrets.Encrypted
}

func (s *memorySecretStore) Put(name string, secret secrets.Encrypted) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string]secrets.Encrypted)
	}
	s.data[name] = secret
	return nil
}

// testModule builds a module whose single tool echoes the secret injected at
// credentials.apiKey.
type testModule struct {
	name       string
	tool       string
	secretName string
	builds     atomic.Int32
	configs    []map[string]any
	mu         sync.Mutex
	fail       atomic.Bool
}

func (tm *testModule) symbols() Symbols {
	syms := Symbols{
		"createPlugin": Factory(func(config map[string]any) (*Instance, error) {
			tm.builds.Add(1)
			tm.mu.Lock()
			tm.configs = append(tm.configs, config)
			tm.mu.Unlock()
			if tm.fail.Load() {
				return nil, errors.New("factory rejected config")
			}

			key, _ := getPath(config, "credentials.apiKey")
			return &Instance{
				Name:    tm.name,
				Version: "1.2.0",
				Tools: []ToolDescriptor{
					{Name: tm.tool, Description: "Runs " + tm.tool},
				},
				Executors: map[string]Executor{
					tm.tool: func(ctx context.Context, args map[string]any) (any, error) {
						return map[string]any{"apiKey": key}, nil
					},
				},
			}, nil
		}),
	}
	if tm.secretName != "" {
		syms["secretDeclarations"] = []SecretDeclaration{
			{Name: tm.secretName, Label: "API key", ConfigPath: "credentials.apiKey"},
		}
	}
	return syms
}

func (tm *testModule) lastConfig() map[string]any {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.configs[len(tm.configs)-1]
}

type testEnv struct {
	manager *Manager
	client  *fakeClient
	vault   *fakeVault
	loader  *StaticLoader
}

func newTestEnv(t *testing.T, modules []*testModule, configure func(*ManagerOptions)) *testEnv {
	t.Helper()

	loader := NewStaticLoader()
	var specs []Spec
	for _, tm := range modules {
		moduleName := "@test/" + tm.name
		loader.Add(moduleName, tm.symbols())
		specs = append(specs, Spec{ModuleName: moduleName, FactoryName: "createPlugin", ConfigKey: tm.name})
	}

	env := &testEnv{client: newFakeClient(), vault: &fakeVault{}, loader: loader}
	opts := ManagerOptions{
		Specs:          specs,
		Loader:         loader,
		Client:         env.client,
		Vault:          env.vault,
		DisableGodMode: true,
	}
	if configure != nil {
		configure(&opts)
	}
	env.manager = NewManager(zerolog.Nop(), opts)
	return env
}

func authWith(names ...string) AuthContext {
	auth := AuthContext{SessionHandle: "session-1", Secrets: make(map[string]secrets.Encrypted)}
	for _, name := range names {
		auth.Secrets[name] = secrets.Encrypted{Ciphertext: name, DataToEncryptHash: "h"}
	}
	return auth
}

func TestManager_LoadAll(t *testing.T) {
	t.Run("loads modules in registry order", func(t *testing.T) {
		trading := &testModule{name: "trading", tool: "get_price"}
		a2a := &testModule{name: "a2a", tool: "send_message"}
		env := newTestEnv(t, []*testModule{trading, a2a}, nil)

		env.manager.LoadAll(context.Background(), nil, authWith())

		infos := env.manager.List()
		require.Len(t, infos, 2)
		assert.Equal(t, Info{Name: "trading", Version: "1.2.0", Enabled: true, ToolCount: 1}, infos[0])
		assert.Equal(t, "a2a", infos[1].Name)
		assert.True(t, env.client.isActive("trading"))
		assert.True(t, env.client.isActive("a2a"))
	})

	t.Run("skips modules that are not installed", func(t *testing.T) {
		trading := &testModule{name: "trading", tool: "get_price"}
		env := newTestEnv(t, []*testModule{trading}, func(o *ManagerOptions) {
			o.Specs = append(o.Specs, Spec{ModuleName: "@test/missing", FactoryName: "createPlugin", ConfigKey: "missing"})
		})

		env.manager.LoadAll(context.Background(), nil, authWith())

		infos := env.manager.List()
		require.Len(t, infos, 1)
		assert.Equal(t, "trading", infos[0].Name)
	})

	t.Run("skips broken modules", func(t *testing.T) {
		trading := &testModule{name: "trading", tool: "get_price"}
		env := newTestEnv(t, []*testModule{trading}, func(o *ManagerOptions) {
			o.Specs = append(o.Specs,
				Spec{ModuleName: "@test/panics", FactoryName: "createPlugin"},
				Spec{ModuleName: "@test/nil", FactoryName: "createPlugin"},
				Spec{ModuleName: "@test/nofactory", FactoryName: "createPlugin"},
			)
		})
		env.loader.Add("@test/panics", Symbols{"createPlugin": Factory(func(map[string]any) (*Instance, error) {
			panic("boom")
		})})
		env.loader.Add("@test/nil", Symbols{"createPlugin": Factory(func(map[string]any) (*Instance, error) {
			return nil, nil
		})})
		env.loader.Add("@test/nofactory", Symbols{"somethingElse": 42})

		env.manager.LoadAll(context.Background(), nil, authWith())

		infos := env.manager.List()
		require.Len(t, infos, 1)
		assert.Equal(t, "trading", infos[0].Name)
	})

	t.Run("records activation failure as disabled", func(t *testing.T) {
		trading := &testModule{name: "trading", tool: "get_price"}
		env := newTestEnv(t, []*testModule{trading}, nil)
		env.client.reject["trading"] = true

		env.manager.LoadAll(context.Background(), nil, authWith())

		infos := env.manager.List()
		require.Len(t, infos, 1)
		assert.False(t, infos[0].Enabled)
	})

	t.Run("injects base config and client", func(t *testing.T) {
		trading := &testModule{name: "trading", tool: "get_price"}
		env := newTestEnv(t, []*testModule{trading}, nil)

		base := map[string]map[string]any{"trading": {"network": "base", "limits": map[string]any{"max": 10}}}
		env.manager.LoadAll(context.Background(), base, authWith())

		config := trading.lastConfig()
		assert.Equal(t, "base", config["network"])
		assert.Same(t, env.client, config[ClientConfigKey])

		// the manager works on a copy
		config["limits"].(map[string]any)["max"] = 99
		assert.Equal(t, 10, base["trading"]["limits"].(map[string]any)["max"])
	})

	t.Run("merges listener defaults under caller config", func(t *testing.T) {
		a2a := &testModule{name: "a2a", tool: "send_message"}
		env := newTestEnv(t, []*testModule{a2a}, func(o *ManagerOptions) {
			o.ListenerKey = "a2a"
			o.ListenerConfig = DefaultListenerConfig()
		})

		env.manager.LoadAll(context.Background(), map[string]map[string]any{"a2a": {"name": "agent"}}, authWith())

		config := a2a.lastConfig()
		assert.Equal(t, "agent", config["name"])
		assert.Equal(t, true, config["server"].(map[string]any)["enabled"])
		assert.Equal(t, 3141, config["server"].(map[string]any)["port"])
	})

	t.Run("partial listener override keeps nested defaults", func(t *testing.T) {
		a2a := &testModule{name: "a2a", tool: "send_message"}
		env := newTestEnv(t, []*testModule{a2a}, func(o *ManagerOptions) {
			o.ListenerKey = "a2a"
			o.ListenerConfig = DefaultListenerConfig()
		})

		base := map[string]map[string]any{"a2a": {"server": map[string]any{"port": 4000}}}
		env.manager.LoadAll(context.Background(), base, authWith())

		server := a2a.lastConfig()["server"].(map[string]any)
		assert.Equal(t, true, server["enabled"])
		assert.Equal(t, 4000, server["port"])
		assert.Equal(t, 3141, DefaultListenerConfig()["server"].(map[string]any)["port"])
	})

	t.Run("registers god-mode disabled", func(t *testing.T) {
		env := newTestEnv(t, nil, func(o *ManagerOptions) {
			o.DisableGodMode = false
		})

		env.manager.LoadAll(context.Background(), nil, authWith())

		infos := env.manager.List()
		require.Len(t, infos, 1)
		assert.Equal(t, GodModeName, infos[0].Name)
		assert.False(t, infos[0].Enabled)
		assert.Equal(t, 3, infos[0].ToolCount)
	})
}

func simpleInstance(name string, tools ...string) *Instance {
	inst := &Instance{Name: name, Version: "0.1.0", Executors: make(map[string]Executor)}
	for _, tool := range tools {
		tool := tool
		inst.Tools = append(inst.Tools, ToolDescriptor{Name: tool, Description: tool + " tool"})
		inst.Executors[tool] = func(ctx context.Context, args map[string]any) (any, error) {
			return name + ":" + tool, nil
		}
	}
	return inst
}

func TestManager_RegisterAndLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("register overwrites prior registration", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		require.NoError(t, env.manager.Register(ctx, simpleInstance("alpha", "a"), true))
		require.NoError(t, env.manager.Register(ctx, simpleInstance("alpha", "a", "b"), true))

		infos := env.manager.List()
		require.Len(t, infos, 1)
		assert.Equal(t, 2, infos[0].ToolCount)
	})

	t.Run("register disabled does not activate", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		require.NoError(t, env.manager.Register(ctx, simpleInstance("alpha", "a"), false))

		assert.Empty(t, env.client.activations)
		assert.False(t, env.manager.List()[0].Enabled)
	})

	t.Run("register activation failure keeps record", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		env.client.reject["alpha"] = true

		err := env.manager.Register(ctx, simpleInstance("alpha", "a"), true)
		require.Error(t, err)

		infos := env.manager.List()
		require.Len(t, infos, 1)
		assert.False(t, infos[0].Enabled)
	})

	t.Run("enable and disable", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		require.NoError(t, env.manager.Register(ctx, simpleInstance("alpha", "a"), false))

		assert.False(t, env.manager.Enable(ctx, "unknown"))
		assert.False(t, env.manager.Disable(ctx, "unknown"))

		assert.True(t, env.manager.Enable(ctx, "alpha"))
		assert.True(t, env.client.isActive("alpha"))
		assert.True(t, env.manager.Enable(ctx, "alpha"))
		assert.Len(t, env.client.activations, 1, "enabling twice activates once")

		assert.True(t, env.manager.Disable(ctx, "alpha"))
		assert.False(t, env.client.isActive("alpha"))
		assert.True(t, env.manager.Disable(ctx, "alpha"))
		assert.Len(t, env.client.deactivations, 1)
	})

	t.Run("enable fails when activation is rejected", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		require.NoError(t, env.manager.Register(ctx, simpleInstance("alpha", "a"), false))
		env.client.reject["alpha"] = true

		assert.False(t, env.manager.Enable(ctx, "alpha"))
		assert.False(t, env.manager.List()[0].Enabled)
	})

	t.Run("unregister deactivates enabled plugin", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		require.NoError(t, env.manager.Register(ctx, simpleInstance("alpha", "a"), true))

		env.manager.Unregister(ctx, "alpha")
		env.manager.Unregister(ctx, "alpha")

		assert.Empty(t, env.manager.List())
		assert.Equal(t, []string{"alpha"}, env.client.deactivations)
	})

	t.Run("list hides reserved names", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		require.NoError(t, env.manager.Register(ctx, simpleInstance("__internal", "x"), true))
		require.NoError(t, env.manager.Register(ctx, simpleInstance("alpha", "a"), true))

		infos := env.manager.List()
		require.Len(t, infos, 1)
		assert.Equal(t, "alpha", infos[0].Name)
	})
}

func TestManager_ToolsAndSystemMessage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, nil)

	assert.Nil(t, env.manager.GetSystemMessage())

	require.NoError(t, env.manager.Register(ctx, simpleInstance("alpha", "a1", "a2"), true))
	require.NoError(t, env.manager.Register(ctx, simpleInstance("beta", "b1"), false))
	require.NoError(t, env.manager.Register(ctx, simpleInstance("empty"), true))

	tools := env.manager.GetTools()
	require.Len(t, tools, 2)
	assert.Equal(t, ToolInfo{Name: "a1", Description: "a1 tool", Plugin: "alpha"}, tools[0])

	msg := env.manager.GetSystemMessage()
	require.NotNil(t, msg)
	assert.Equal(t, "system", msg.Role)
	assert.Contains(t, msg.Content, "## Available Plugin Tools")
	assert.Contains(t, msg.Content, "### alpha (v0.1.0)")
	assert.Contains(t, msg.Content, "- **a1**: a1 tool")
	assert.NotContains(t, msg.Content, "beta")
	assert.NotContains(t, msg.Content, "### empty")

	env.manager.Disable(ctx, "alpha")
	assert.Nil(t, env.manager.GetSystemMessage())
	assert.Empty(t, env.manager.GetTools())
}

func TestManager_Execute(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, nil)
	require.NoError(t, env.manager.Register(ctx, simpleInstance("alpha", "a1"), true))
	require.NoError(t, env.manager.Register(ctx, simpleInstance("beta", "b1"), false))

	result, err := env.manager.Execute(ctx, "a1", nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha:a1", result)

	_, err = env.manager.Execute(ctx, "b1", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)

	_, err = env.manager.Execute(ctx, "nope", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestManager_LazySecrets(t *testing.T) {
	t.Run("startup does not decrypt", func(t *testing.T) {
		trading := &testModule{name: "trading", tool: "get_price", secretName: "TRADING_KEY"}
		env := newTestEnv(t, []*testModule{trading}, nil)

		env.manager.LoadAll(context.Background(), nil, authWith("TRADING_KEY"))

		assert.Equal(t, int32(0), env.vault.calls.Load())
		assert.Equal(t, int32(1), trading.builds.Load())
		_, injected := getPath(trading.lastConfig(), "credentials.apiKey")
		assert.False(t, injected)
	})

	t.Run("first call decrypts and reloads once", func(t *testing.T) {
		trading := &testModule{name: "trading", tool: "get_price", secretName: "TRADING_KEY"}
		env := newTestEnv(t, []*testModule{trading}, nil)
		env.manager.LoadAll(context.Background(), nil, authWith("TRADING_KEY"))

		result, err := env.manager.Execute(context.Background(), "get_price", nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"apiKey": "plain:TRADING_KEY"}, result)
		assert.Equal(t, int32(1), env.vault.calls.Load())
		assert.Equal(t, int32(2), trading.builds.Load())

		result, err = env.manager.Execute(context.Background(), "get_price", nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"apiKey": "plain:TRADING_KEY"}, result)
		assert.Equal(t, int32(1), env.vault.calls.Load())
		assert.Equal(t, int32(2), trading.builds.Load())
	})

	t.Run("concurrent first calls share one resolution", func(t *testing.T) {
		trading := &testModule{name: "trading", tool: "get_price", secretName: "TRADING_KEY"}
		env := newTestEnv(t, []*testModule{trading}, nil)
		env.vault.delay = 50 * time.Millisecond
		env.manager.LoadAll(context.Background(), nil, authWith("TRADING_KEY"))

		// grab the lazy executor before any reload replaces it
		lazy, ok := env.manager.executor("trading", "get_price")
		require.True(t, ok)

		const callers = 5
		results := make([]any, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = lazy(context.Background(), nil)
			}(i)
		}
		wg.Wait()

		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, map[string]any{"apiKey": "plain:TRADING_KEY"}, results[i])
		}
		assert.Equal(t, int32(1), env.vault.calls.Load())
		assert.Equal(t, int32(2), trading.builds.Load())
	})

	t.Run("resolution ignores caller cancellation", func(t *testing.T) {
		trading := &testModule{name: "trading", tool: "get_price", secretName: "TRADING_KEY"}
		env := newTestEnv(t, []*testModule{trading}, nil)
		env.manager.LoadAll(context.Background(), nil, authWith("TRADING_KEY"))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result, err := env.manager.Execute(ctx, "get_price", nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"apiKey": "plain:TRADING_KEY"}, result)
	})

	t.Run("decrypt failure falls back to original executor", func(t *testing.T) {
		trading := &testModule{name: "trading", tool: "get_price", secretName: "TRADING_KEY"}
		env := newTestEnv(t, []*testModule{trading}, nil)
		env.vault.err = errors.New("vault unavailable")
		env.manager.LoadAll(context.Background(), nil, authWith("TRADING_KEY"))

		result, err := env.manager.Execute(context.Background(), "get_price", nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"apiKey": nil}, result)

		_, err = env.manager.Execute(context.Background(), "get_price", nil)
		require.NoError(t, err)
		assert.Equal(t, int32(1), env.vault.calls.Load(), "failed resolution is memoized")
		assert.Equal(t, int32(1), trading.builds.Load())
	})

	t.Run("resolution times out", func(t *testing.T) {
		trading := &testModule{name: "trading", tool: "get_price", secretName: "TRADING_KEY"}
		env := newTestEnv(t, []*testModule{trading}, func(o *ManagerOptions) {
			o.ResolveTimeout = 20 * time.Millisecond
		})
		env.vault.delay = 500 * time.Millisecond
		env.manager.LoadAll(context.Background(), nil, authWith("TRADING_KEY"))

		start := time.Now()
		result, err := env.manager.Execute(context.Background(), "get_price", nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"apiKey": nil}, result)
		assert.Less(t, time.Since(start), 400*time.Millisecond)
	})

	t.Run("decrypted secret is reused across plugins", func(t *testing.T) {
		first := &testModule{name: "first", tool: "first_tool", secretName: "SHARED_KEY"}
		second := &testModule{name: "second", tool: "second_tool", secretName: "SHARED_KEY"}
		env := newTestEnv(t, []*testModule{first, second}, nil)
		env.manager.LoadAll(context.Background(), nil, authWith("SHARED_KEY"))

		_, err := env.manager.Execute(context.Background(), "first_tool", nil)
		require.NoError(t, err)
		result, err := env.manager.Execute(context.Background(), "second_tool", nil)
		require.NoError(t, err)

		assert.Equal(t, map[string]any{"apiKey": "plain:SHARED_KEY"}, result)
		assert.Equal(t, int32(1), env.vault.calls.Load())
	})

	t.Run("secrets without an encrypted value are not deferred", func(t *testing.T) {
		trading := &testModule{name: "trading", tool: "get_price", secretName: "TRADING_KEY"}
		env := newTestEnv(t, []*testModule{trading}, nil)
		env.manager.LoadAll(context.Background(), nil, authWith())

		result, err := env.manager.Execute(context.Background(), "get_price", nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"apiKey": nil}, result)
		assert.Equal(t, int32(0), env.vault.calls.Load())
		assert.Equal(t, int32(1), trading.builds.Load())
	})
}

func TestManager_ReloadPluginWithSecret(t *testing.T) {
	ctx := context.Background()

	t.Run("reloads with injected secret", func(t *testing.T) {
		trading := &testModule{name: "trading", tool: "get_price", secretName: "TRADING_KEY"}
		env := newTestEnv(t, []*testModule{trading}, nil)
		env.manager.LoadAll(ctx, nil, authWith())

		assert.True(t, env.manager.ReloadPluginWithSecret(ctx, "trading", "TRADING_KEY", "fresh"))

		result, err := env.manager.Execute(ctx, "get_price", nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"apiKey": "fresh"}, result)
		assert.Equal(t, int32(0), env.vault.calls.Load())
	})

	t.Run("factory failure keeps prior instance", func(t *testing.T) {
		trading := &testModule{name: "trading", tool: "get_price", secretName: "TRADING_KEY"}
		env := newTestEnv(t, []*testModule{trading}, nil)
		env.manager.LoadAll(ctx, nil, authWith())
		before := env.manager.List()

		trading.fail.Store(true)
		assert.False(t, env.manager.ReloadPluginWithSecret(ctx, "trading", "TRADING_KEY", "fresh"))

		assert.Equal(t, before, env.manager.List())
		result, err := env.manager.Execute(ctx, "get_price", nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"apiKey": nil}, result)
		assert.Empty(t, env.client.deactivations)
	})

	t.Run("unknown secret returns false", func(t *testing.T) {
		trading := &testModule{name: "trading", tool: "get_price", secretName: "TRADING_KEY"}
		env := newTestEnv(t, []*testModule{trading}, nil)
		env.manager.LoadAll(ctx, nil, authWith())

		assert.False(t, env.manager.ReloadPluginWithSecret(ctx, "trading", "OTHER_KEY", "x"))
	})

	t.Run("user disabled plugin stays disabled", func(t *testing.T) {
		trading := &testModule{name: "trading", tool: "get_price", secretName: "TRADING_KEY"}
		env := newTestEnv(t, []*testModule{trading}, nil)
		env.manager.LoadAll(ctx, nil, authWith())
		require.True(t, env.manager.Disable(ctx, "trading"))

		assert.True(t, env.manager.ReloadPluginWithSecret(ctx, "trading", "TRADING_KEY", "fresh"))
		assert.False(t, env.manager.List()[0].Enabled)
	})
	t.Run("cached plaintext is reported", func(t *testing.T) {
		var mu sync.Mutex
		var seen []string
		trading := &testModule{name: "trading", tool: "get_price", secretName: "TRADING_KEY"}
		env := newTestEnv(t, []*testModule{trading}, func(opts *ManagerOptions) {
			opts.OnSecret = func(plaintext string) {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, plaintext)
			}
		})
		env.manager.LoadAll(ctx, nil, authWith("TRADING_KEY"))

		_, err := env.manager.Execute(ctx, "get_price", nil)
		require.NoError(t, err)
		require.True(t, env.manager.ReloadPluginWithSecret(ctx, "trading", "TRADING_KEY", "fresh"))

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"plain:TRADING_KEY", "fresh"}, seen)
	})
}

func TestManager_ReloadIsAtomic(t *testing.T) {
	ctx := context.Background()
	trading := &testModule{name: "trading", tool: "get_price", secretName: "TRADING_KEY"}
	a2a := &testModule{name: "a2a", tool: "send_message"}
	env := newTestEnv(t, []*testModule{trading, a2a}, nil)
	env.manager.LoadAll(ctx, nil, authWith())
	env.client.delay = 100 * time.Millisecond

	done := make(chan bool)
	go func() {
		done <- env.manager.ReloadPluginWithSecret(ctx, "trading", "TRADING_KEY", "fresh")
	}()

	deadline := time.After(2 * time.Second)
	for reloaded := false; !reloaded; {
		select {
		case ok := <-done:
			require.True(t, ok)
			reloaded = true
		case <-deadline:
			t.Fatal("reload did not finish")
		default:
			_, err := env.manager.Execute(ctx, "get_price", nil)
			require.NoError(t, err, "tool call during reload")
			require.Len(t, env.manager.List(), 2)
			time.Sleep(5 * time.Millisecond)
		}
	}

	infos := env.manager.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "trading", infos[0].Name, "reload keeps the registration order")
	assert.True(t, infos[0].Enabled)
	assert.Empty(t, env.client.deactivations, "same-name reload does not withdraw the plugin")

	result, err := env.manager.Execute(ctx, "get_price", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"apiKey": "fresh"}, result)
}

// walletModule declares two secrets and reports both from its tool.
func walletModule(builds *atomic.Int32) Symbols {
	return Symbols{
		"createPlugin": Factory(func(config map[string]any) (*Instance, error) {
			builds.Add(1)
			a, _ := getPath(config, "credentials.a")
			b, _ := getPath(config, "credentials.b")
			return &Instance{
				Name:    "wallet",
				Version: "0.1.0",
				Tools:   []ToolDescriptor{{Name: "wallet_keys", Description: "Shows keys"}},
				Executors: map[string]Executor{
					"wallet_keys": func(ctx context.Context, args map[string]any) (any, error) {
						return fmt.Sprintf("a=%v b=%v", a, b), nil
					},
				},
			}, nil
		}),
		"secretDeclarations": []SecretDeclaration{
			{Name: "KEY_A", Label: "A", ConfigPath: "credentials.a"},
			{Name: "KEY_B", Label: "B", ConfigPath: "credentials.b"},
		},
	}
}

func TestManager_TwoSecrets(t *testing.T) {
	ctx := context.Background()

	newWalletEnv := func(t *testing.T, builds *atomic.Int32) *testEnv {
		env := newTestEnv(t, nil, func(o *ManagerOptions) {
			o.Specs = []Spec{{ModuleName: "@test/wallet", FactoryName: "createPlugin", ConfigKey: "wallet"}}
		})
		env.loader.Add("@test/wallet", walletModule(builds))
		return env
	}

	t.Run("set one at a time", func(t *testing.T) {
		var builds atomic.Int32
		env := newWalletEnv(t, &builds)
		env.manager.LoadAll(ctx, nil, authWith())

		require.True(t, env.manager.ReloadPluginWithSecret(ctx, "wallet", "KEY_A", "va"))
		result, err := env.manager.Execute(ctx, "wallet_keys", nil)
		require.NoError(t, err)
		assert.Equal(t, "a=va b=<nil>", result)

		require.True(t, env.manager.ReloadPluginWithSecret(ctx, "wallet", "KEY_B", "vb"))
		result, err = env.manager.Execute(ctx, "wallet_keys", nil)
		require.NoError(t, err)
		assert.Equal(t, "a=va b=vb", result)
		assert.Equal(t, int32(3), builds.Load())
	})

	t.Run("lazy first secret then second set later", func(t *testing.T) {
		var builds atomic.Int32
		env := newWalletEnv(t, &builds)
		env.manager.LoadAll(ctx, nil, authWith("KEY_A"))

		result, err := env.manager.Execute(ctx, "wallet_keys", nil)
		require.NoError(t, err)
		assert.Equal(t, "a=plain:KEY_A b=<nil>", result)

		require.True(t, env.manager.ReloadPluginWithSecret(ctx, "wallet", "KEY_B", "vb"))
		result, err = env.manager.Execute(ctx, "wallet_keys", nil)
		require.NoError(t, err)
		assert.Equal(t, "a=plain:KEY_A b=vb", result)
		assert.Equal(t, int32(1), env.vault.calls.Load())
	})
}

func TestManager_SetSecret(t *testing.T) {
	ctx := context.Background()
	trading := &testModule{name: "trading", tool: "get_price", secretName: "TRADING_KEY"}
	store := &memorySecretStore{}
	env := newTestEnv(t, []*testModule{trading}, func(o *ManagerOptions) {
		o.SecretStore = store
	})
	env.manager.LoadAll(ctx, nil, authWith())

	require.NoError(t, env.manager.SetSecret(ctx, "trading", "TRADING_KEY", "sk-live"))

	assert.Equal(t, "sk-live", store.data["TRADING_KEY"].Ciphertext)
	result, err := env.manager.Execute(ctx, "get_price", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"apiKey": "sk-live"}, result)

	decls := env.manager.SecretDeclarations()
	require.Contains(t, decls, "trading")
	assert.Equal(t, "TRADING_KEY", decls["trading"][0].Name)

	err = env.manager.SetSecret(ctx, "trading", "UNDECLARED", "x")
	assert.Error(t, err)
}

func TestChainLoader(t *testing.T) {
	ctx := context.Background()
	first := NewStaticLoader()
	second := NewStaticLoader()
	second.Add("mod", Symbols{"x": 1})

	module, err := ChainLoader{first, second}.Load(ctx, "mod")
	require.NoError(t, err)
	v, ok := module.Lookup("x")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, err = ChainLoader{first, second}.Load(ctx, "absent")
	assert.ErrorIs(t, err, ErrModuleNotFound)

	broken := loaderFunc(func(ctx context.Context, name string) (Module, error) {
		return nil, fmt.Errorf("corrupt install")
	})
	_, err = ChainLoader{broken, second}.Load(ctx, "mod")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrModuleNotFound)
}

type loaderFunc func(ctx context.Context, name string) (Module, error)

func (f loaderFunc) Load(ctx context.Context, name string) (Module, error) { return f(ctx, name) }

func TestSetPath(t *testing.T) {
	config := map[string]any{"a": "scalar"}
	setPath(config, "a.b.c", "v")
	setPath(config, "top", 1)

	v, ok := getPath(config, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, 1, config["top"])

	_, ok = getPath(config, "a.x")
	assert.False(t, ok)
}
