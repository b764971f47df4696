package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"sectiond/pkg/admin"
	"sectiond/pkg/config"
	"sectiond/pkg/storage"
	"sectiond/pkg/utils"
)

var (
	primaryColor = lipgloss.Color("#FF79C6")
	accentColor  = lipgloss.Color("#50FA7B")
	warningColor = lipgloss.Color("#FFB86C")
	dangerColor  = lipgloss.Color("#FF5555")
	mutedColor   = lipgloss.Color("#6272A4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

func statusCmd() *cobra.Command {
	var (
		adminAddr  string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			client, err := admin.Dial(ctx, adminAddr)
			if err != nil {
				return err
			}
			defer client.Close()

			status, err := client.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}
			renderStatus(cmd.OutOrStdout(), status, time.Now())
			return nil
		},
	}

	cmd.Flags().StringVar(&adminAddr, "admin", config.Default().AdminAddr, "admin address of the node")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output status as JSON")
	return cmd
}

func renderStatus(w io.Writer, s *admin.Status, now time.Time) {
	role := lipgloss.NewStyle().Foreground(mutedColor).Render("ADULT")
	if s.Elder {
		role = lipgloss.NewStyle().Foreground(accentColor).Bold(true).Render("ELDER")
	}
	if !s.Joined {
		role = lipgloss.NewStyle().Foreground(warningColor).Render("JOINING")
	}

	levelColor := accentColor
	if s.StorageLevel >= storage.MaxStorageLevel-1 {
		levelColor = dangerColor
	} else if s.StorageLevel >= storage.MaxStorageLevel/2 {
		levelColor = warningColor
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primaryColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return lipgloss.NewStyle().Foreground(mutedColor).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})

	t.Row("Name", s.Name)
	t.Row("Address", s.Addr)
	t.Row("Role", role)
	t.Row("Prefix", s.Prefix)
	t.Row("Section key", s.SectionKey)
	t.Row("Genesis key", s.GenesisKey)
	t.Row("Membership gen", fmt.Sprintf("%d", s.MembershipGen))
	t.Row("Elders", strings.Join(s.Elders, ", "))
	t.Row("Members", fmt.Sprintf("%d (%d archived)", s.Members, s.Archived))
	t.Row("Queue depth", fmt.Sprintf("%d", s.QueueDepth))
	t.Row("Pending queries", fmt.Sprintf("%d", s.Pending))
	t.Row("Storage", fmt.Sprintf("%s, level %s/%d",
		utils.FormatDataSize(s.StorageUsed),
		lipgloss.NewStyle().Foreground(levelColor).Render(fmt.Sprintf("%d", s.StorageLevel)),
		storage.MaxStorageLevel))
	if !s.StartedAt.IsZero() {
		t.Row("Uptime", now.Sub(s.StartedAt).Truncate(time.Second).String())
	}

	fmt.Fprintln(w, titleStyle.Render("SECTION NODE"))
	fmt.Fprintln(w, t.Render())

	if len(s.Unresponsive) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No unresponsive peers"))
		return
	}
	u := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(dangerColor)).
		Headers("UNRESPONSIVE PEER", "PENDING OPS")
	for _, p := range s.Unresponsive {
		u.Row(p.Name, fmt.Sprintf("%d", p.Pending))
	}
	fmt.Fprintln(w, u.Render())
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage node keys",
	}
	cmd.AddCommand(keysGenerateCmd())
	return cmd
}

func keysGenerateCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Replace the node's network and reward keys",
		Long: `Generate fresh network and reward keypairs in the data directory. The node
takes a new name, so it has to join again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
			store, err := storage.OpenBadger(dataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			network, reward, err := storage.NewKeyStore(store).Regenerate()
			if err != nil {
				return fmt.Errorf("failed to generate keys: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "network key: %s\nreward key:  %s\n",
				network.PublicKey().Hex(), reward.PublicKey().Hex())
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", config.Default().DataDir, "node data directory")
	return cmd
}
