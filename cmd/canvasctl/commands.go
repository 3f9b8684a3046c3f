package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"canvas-sync/api"
	"canvas-sync/auth"
	"canvas-sync/config"
	"canvas-sync/core"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var errNoToken = errors.New("no token: set CANVAS_TOKEN, the config token or --token")

type cli struct {
	configPath string
	server     string
	token      string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "canvasctl",
		Short:         "Command line client for canvas-sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("load .env: %w", err)
			}
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			if c.server != "" {
				cfg.Server = c.server
			}
			if c.token != "" {
				cfg.Token = c.token
			}
			logrus.SetLevel(cfg.Level())
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&c.server, "server", "", "Server URL, overrides the config")
	root.PersistentFlags().StringVar(&c.token, "token", "", "Bearer token, overrides the config")

	root.AddCommand(
		c.tokenCmd(),
		c.canvasCmd(),
		c.blockCmd(),
		c.watchCmd(),
	)
	return root
}

func (c *cli) client() (*api.Client, error) {
	if c.cfg.Token == "" {
		return nil, errNoToken
	}
	return api.New(c.cfg.Server, auth.TokenSource(c.cfg.Token))
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		userID string
		name   string
		secret string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development token signed with the server secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if secret == "" {
				return errors.New("no secret: set JWT_SECRET or --secret")
			}
			token, err := auth.NewSigner([]byte(secret), ttl).Issue(userID, name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User ID (token subject)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret, defaults to JWT_SECRET")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (c *cli) canvasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canvas",
		Short: "Manage canvases",
	}

	var page, size int
	list := &cobra.Command{
		Use:   "list",
		Short: "List your canvases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			result, err := client.ListCanvases(cmd.Context(), page, size)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tUPDATED")
			for _, canvas := range result.Items {
				fmt.Fprintf(w, "%s\t%s\t%s\n", canvas.ID, canvas.Title, canvas.UpdatedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(w, "page %d, %d of %d\n", result.Page, len(result.Items), result.Total)
			return w.Flush()
		},
	}
	list.Flags().IntVar(&page, "page", 1, "Page number")
	list.Flags().IntVar(&size, "size", 20, "Page size")

	create := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a canvas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			canvas, err := client.CreateCanvas(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), canvas.ID)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <canvas-id>",
		Short: "Delete a canvas you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			return client.DeleteCanvas(cmd.Context(), args[0])
		},
	}

	members := &cobra.Command{
		Use:   "members <canvas-id>",
		Short: "List the members of a canvas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			result, err := client.ListMembers(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tROLE\tADDED")
			for _, m := range result {
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.UserID, m.Role, m.AddedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	var role string
	share := &cobra.Command{
		Use:   "share <canvas-id> <user-id>",
		Short: "Give another user access to a canvas you own",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := c.client()
			if err != nil {
				return err
			}
			m, err := client.AddMember(cmd.Context(), args[0], args[1], core.CanvasRole(role))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", m.UserID, m.Role)
			return nil
		},
	}
	share.Flags().StringVar(&role, "role", string(core.RoleEditor), "Role to grant: editor or viewer")

	cmd.AddCommand(list, create, del, members, share)
	return cmd
}

func (c *cli) blockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "block",
		Short: "Edit blocks over the HTTP fallback",
	}

	var text string
	add := &cobra.Command{
		Use:   "add <canvas-id> <type> <x> <y>",
		Short: "Create a block",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			blockType := core.BlockType(args[1])
			if !blockType.Valid() {
				return fmt.Errorf("unknown block type %q", args[1])
			}
			pos, err := parsePoint(args[2], args[3])
			if err != nil {
				return err
			}

			client, err := c.client()
			if err != nil {
				return err
			}
			upd := &core.BlockUpdate{Type: &blockType, Position: &pos}
			if text != "" {
				upd.Content = map[string]any{"text": text}
			}
			resp, err := client.Mutate(cmd.Context(), args[0], core.BlockMutation{
				ClientOpID: uuid.NewString(),
				Action:     core.ActionCreate,
				UpdateData: upd,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.BlockID)
			return nil
		},
	}
	add.Flags().StringVar(&text, "text", "", "Text content")

	move := &cobra.Command{
		Use:   "move <canvas-id> <block-id> <x> <y>",
		Short: "Move a block",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := parsePoint(args[2], args[3])
			if err != nil {
				return err
			}

			client, err := c.client()
			if err != nil {
				return err
			}
			resp, err := client.Mutate(cmd.Context(), args[0], core.BlockMutation{
				ClientOpID: uuid.NewString(),
				Action:     core.ActionMove,
				BlockID:    args[1],
				UpdateData: &core.BlockUpdate{Position: &pos},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s seq %d\n", resp.BlockID, resp.ServerSeq)
			return nil
		},
	}

	cmd.AddCommand(add, move)
	return cmd
}

func parsePoint(xs, ys string) (core.Point, error) {
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil {
		return core.Point{}, fmt.Errorf("x: %w", err)
	}
	y, err := strconv.ParseFloat(ys, 64)
	if err != nil {
		return core.Point{}, fmt.Errorf("y: %w", err)
	}
	return core.Point{X: x, Y: y}, nil
}
