package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/walletagent/internal/metrics"
	"github.com/harun/walletagent/pkg/auth"
	"github.com/harun/walletagent/pkg/chat"
	"github.com/harun/walletagent/pkg/plugin"
	"github.com/harun/walletagent/pkg/render"
	"github.com/harun/walletagent/pkg/session"
)

const (
	transcriptMaxAge = 30 * 24 * time.Hour
	watchDebounce    = 300 * time.Millisecond
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the trading agent",
	Long: `Start an interactive conversation with the agent. Enabled plugins are
advertised to the agent, which may call their tools while answering.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

// builtinModules holds plugin modules compiled into the binary.
func builtinModules() *plugin.StaticLoader {
	return plugin.NewStaticLoader()
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := a.session()
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()
	if a.cfg.Metrics.Enabled {
		shutdown := serveMetrics(a, m)
		defer shutdown()
	}

	client, err := chat.Dial(ctx, a.logger, a.cfg.AgentURL, sess.Token)
	if err != nil {
		return err
	}
	defer client.Close()

	known, err := a.knownSecrets(sess)
	if err != nil {
		return err
	}

	envStore := a.envStore()
	loader := plugin.ChainLoader{
		builtinModules(),
		plugin.NewRPCLoader(a.logger, version, a.cfg.PluginDir),
	}
	manager := plugin.NewManager(a.logger, plugin.ManagerOptions{
		Specs:          plugin.DefaultSpecs(),
		Loader:         loader,
		Client:         client,
		Vault:          a.vault(),
		SecretStore:    envStore,
		Custom:         a.customStore(),
		ListenerKey:    plugin.ListenerConfigKey,
		ListenerConfig: plugin.DefaultListenerConfig(),
		ResolveTimeout: a.cfg.ResolveTimeout(),
		Metrics:        m,
		OnSecret:       a.log.TrackSecret,
	})
	defer manager.Close()

	manager.LoadAll(ctx, pluginConfigs(a.cfg.Plugins, a.logger), plugin.AuthContext{
		SessionHandle: sess.Handle(),
		Secrets:       known,
	})

	watcher, err := plugin.NewStoreWatcher(a.logger, manager, watchDebounce)
	if err != nil {
		return err
	}
	defer watcher.Stop()
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Custom plugin hot reload unavailable")
	}

	refresher := auth.NewRefresher(a.logger, a.authClient(), a.sessionStore(), sess, nil)
	if err := refresher.Start(ctx); err != nil {
		return err
	}
	defer refresher.Stop()

	buffer, err := newRenderBuffer(a, m)
	if err != nil {
		return err
	}

	transcripts, err := session.New(a.logger, a.cfg.HistoryDir())
	if err != nil {
		return err
	}
	if _, err := transcripts.Prune(transcriptMaxAge); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to prune transcripts")
	}
	history, err := session.OpenHistory(filepath.Join(a.cfg.HistoryDir(), "input.history"), 0)
	if err != nil {
		return err
	}

	sh := &shell{
		out:            cmd.OutOrStdout(),
		logger:         a.logger,
		client:         client,
		manager:        manager,
		buffer:         buffer,
		transcripts:    transcripts,
		history:        history,
		conversationID: client.ConversationID(),
	}
	return sh.run(ctx, cmd.InOrStdin())
}

func newRenderBuffer(a *app, m *metrics.Metrics) (*render.Buffer, error) {
	if !a.cfg.Render.Enabled {
		return render.NewBuffer(nil, render.WithMetrics(m)), nil
	}
	renderer, err := render.NewMarkdownRenderer(a.cfg.Render.Style, a.cfg.Render.WordWrap)
	if err != nil {
		return nil, err
	}
	return render.NewBuffer(renderer, render.WithMetrics(m)), nil
}

// serveMetrics exposes the prometheus endpoint and returns its shutdown.
func serveMetrics(a *app, m *metrics.Metrics) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Str("addr", srv.Addr).Msg("Metrics server failed")
		}
	}()
	a.logger.Info().Str("addr", srv.Addr).Msg("Metrics endpoint started")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(fmt.Errorf("metrics shutdown: %w", err)).Msg("Metrics server did not stop cleanly")
		}
	}
}
