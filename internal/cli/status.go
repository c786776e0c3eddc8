package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/walletagent/pkg/auth"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session and plugin status",
	Long:  `Show the stored wallet session, custom plugins and stored secrets.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()

	sess, err := a.sessionStore().Load()
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated):
		fmt.Fprintln(out, "Session: "+disabledStyle.Render("not logged in"))
	case err != nil:
		return err
	default:
		fmt.Fprintf(out, "Session: %s\n", enabledStyle.Render("active"))
		fmt.Fprintf(out, "Wallet: %s\n", sess.WalletID)
		if !sess.ExpiresAt.IsZero() {
			fmt.Fprintf(out, "Expires in: %s\n", formatDuration(time.Until(sess.ExpiresAt)))
		}
	}

	fmt.Fprintf(out, "Agent: %s\n", a.cfg.AgentURL)

	customs, err := a.customStore().Load()
	if err != nil {
		return err
	}
	enabled := 0
	for _, c := range customs {
		if c.Enabled {
			enabled++
		}
	}
	fmt.Fprintf(out, "Custom plugins: %d (%d enabled)\n", len(customs), enabled)

	names, err := a.envStore().Names()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Stored secrets: %d\n", len(names))
	return nil
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "expired"
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
