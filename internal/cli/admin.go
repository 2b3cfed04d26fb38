package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/briandowns/spinner"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/turtacn/Portus/internal/admin"
	"github.com/turtacn/Portus/internal/config"
	"github.com/turtacn/Portus/internal/pool"
	"github.com/turtacn/Portus/internal/tui"
	"github.com/turtacn/Portus/pkg/consts"
)

var adminFlags struct {
	addr    string
	user    string
	key     string
	timeout time.Duration
}

// adminClient resolves the admin address and key from flags, then the
// environment, then the config file.
func adminClient() *admin.Client {
	addr, _ := lo.Coalesce(adminFlags.addr, os.Getenv(consts.EnvAdminAddress))
	key, _ := lo.Coalesce(adminFlags.key, os.Getenv(consts.EnvAdminKey))
	if addr == "" || key == "" {
		if cfg, err := config.Load(cfgFile); err == nil {
			addr, _ = lo.Coalesce(addr, cfg.Admin.Listen)
			key, _ = lo.Coalesce(key, cfg.Admin.SuperKey)
		}
	}
	addr, _ = lo.Coalesce(addr, consts.DefaultAdminListen)
	return admin.NewClient(addr, adminFlags.user, key, adminFlags.timeout)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), adminFlags.timeout)
}

/***** status *****/

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the process pool of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		snap, err := adminClient().Pool(ctx)
		if err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		printStatus(cmd.OutOrStdout(), snap)
		return nil
	},
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func printStatus(w io.Writer, snap pool.Snapshot) {
	fmt.Fprintf(w, "Capacity: %d/%d  Processes: %d  Queued: %d\n",
		snap.CapacityUsed, snap.Max, snap.ProcessCount, snap.Waitlist)
	if len(snap.Groups) == 0 {
		fmt.Fprintln(w, "No application groups.")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(_, _ int) lipgloss.Style { return cellStyle }).
		Headers(lo.Map([]string{"GROUP", "PID", "GUPID", "STATE", "SESSIONS", "PROCESSED", "UPTIME"},
			func(h string, _ int) string { return headerStyle.Render(h) })...)
	for _, g := range snap.Groups {
		name := g.Name
		if g.Restarting {
			name += " (restarting)"
		}
		if len(g.Processes) == 0 {
			t.Row(name, "-", "-", g.LifeStatus, "0", "0", "-")
		}
		for _, p := range g.Processes {
			t.Row(name, strconv.Itoa(p.PID), p.Gupid, p.Enabled,
				strconv.Itoa(p.Sessions), strconv.FormatUint(p.Processed, 10), p.Uptime)
		}
	}
	fmt.Fprintln(w, t.Render())
}

/***** restart *****/

var restartFlags struct {
	method string
	wait   bool
}

var restartCmd = &cobra.Command{
	Use:   "restart GROUP",
	Short: "Restart the processes of an application group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		c := adminClient()
		ctx, cancel := commandContext(cmd)
		defer cancel()
		if err := c.RestartGroup(ctx, name, restartFlags.method); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !restartFlags.wait {
			fmt.Fprintf(out, "Restart of %s requested\n", name)
			return nil
		}

		spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
		spin.Suffix = " Restarting " + name + "..."
		spin.Start()
		err := waitRestarted(ctx, c, name)
		spin.Stop()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Group %s restarted\n", name)
		return nil
	},
}

func waitRestarted(ctx context.Context, c *admin.Client, name string) error {
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		snap, err := c.Pool(ctx)
		if err != nil {
			return err
		}
		g, ok := lo.Find(snap.Groups, func(g pool.GroupSnapshot) bool { return g.Name == name })
		if !ok {
			return fmt.Errorf("group %s disappeared during the restart", name)
		}
		if !g.Restarting {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

/***** detach *****/

var detachFlags struct {
	pid   int
	gupid string
	group string
}

var detachCmd = &cobra.Command{
	Use:   "detach",
	Short: "Detach a process or a whole group from the pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		c := adminClient()
		if detachFlags.group != "" {
			if err := c.DetachGroup(ctx, detachFlags.group); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Group %s detached\n", detachFlags.group)
			return nil
		}
		req := admin.ProcessRequest{PID: detachFlags.pid, Gupid: detachFlags.gupid}
		if err := c.DetachProcess(ctx, req); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Process detached")
		return nil
	},
}

/***** process *****/

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Disable, enable or request out-of-band work of a single process",
}

func processRequest(id string) admin.ProcessRequest {
	if pid, err := strconv.Atoi(id); err == nil {
		return admin.ProcessRequest{PID: pid}
	}
	return admin.ProcessRequest{Gupid: id}
}

func processSubcommand(use, short string, fn func(context.Context, *admin.Client, admin.ProcessRequest) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " PID|GUPID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			msg, err := fn(ctx, adminClient(), processRequest(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

/***** top *****/

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live view of the process pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		return tui.Run(adminClient())
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&adminFlags.addr, "admin", "", "admin API address (default: config admin.listen)")
	pf.StringVar(&adminFlags.user, "user", admin.UserAdmin, "admin API user, admin or ro_admin")
	pf.StringVar(&adminFlags.key, "key", "", "admin API key (default: $"+consts.EnvAdminKey+" or config admin.super_key)")
	pf.DurationVar(&adminFlags.timeout, "timeout", 30*time.Second, "admin API timeout")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw snapshot")

	restartCmd.Flags().StringVar(&restartFlags.method, "method", "", "rolling or blocking (default: server setting)")
	restartCmd.Flags().BoolVar(&restartFlags.wait, "wait", false, "wait until the restart finished")

	detachCmd.Flags().IntVar(&detachFlags.pid, "pid", 0, "process id")
	detachCmd.Flags().StringVar(&detachFlags.gupid, "gupid", "", "globally unique process id")
	detachCmd.Flags().StringVar(&detachFlags.group, "group", "", "group name")
	detachCmd.MarkFlagsMutuallyExclusive("pid", "gupid", "group")
	detachCmd.MarkFlagsOneRequired("pid", "gupid", "group")

	processCmd.AddCommand(
		processSubcommand("disable", "Disable a process, waiting for its sessions to finish",
			func(ctx context.Context, c *admin.Client, p admin.ProcessRequest) (string, error) {
				res, err := c.DisableProcess(ctx, p)
				return "Disable: " + res, err
			}),
		processSubcommand("enable", "Enable a disabled process",
			func(ctx context.Context, c *admin.Client, p admin.ProcessRequest) (string, error) {
				return "Process enabled", c.EnableProcess(ctx, p)
			}),
		processSubcommand("oobw", "Request out-of-band work",
			func(ctx context.Context, c *admin.Client, p admin.ProcessRequest) (string, error) {
				return "Out-of-band work requested", c.RequestOOBW(ctx, p)
			}),
	)

	rootCmd.AddCommand(statusCmd, restartCmd, detachCmd, processCmd, topCmd)
}

// Personal.AI order the ending
