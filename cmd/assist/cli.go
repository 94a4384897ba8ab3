package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pentanotes/assist/internal/api"
	"github.com/pentanotes/assist/internal/errors"
	"github.com/pentanotes/assist/internal/mcp"
	"github.com/pentanotes/assist/internal/ops"
)

// newCLIApp creates the CLI application with all commands. rt may be nil
// for --help and --version.
func newCLIApp(rt *runtime) *cli.App {
	app := &cli.App{
		Name:    "assist",
		Usage:   "Notes assistant with per-request undo",
		Version: Version,
		Commands: []*cli.Command{
			serveCmd(rt),
			mcpCmd(rt),
			chatCmd(rt),
			revertCmd(rt),
			statusCmd(rt),
			forgetCmd(rt),
			sweepCmd(rt),
			capabilitiesCmd(rt),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func userFlag() cli.Flag {
	return &cli.Int64Flag{Name: "user", Aliases: []string{"u"}, Required: true, Usage: "User ID"}
}

func tokenFlag() cli.Flag {
	return &cli.StringFlag{Name: "token", Usage: "Notes API bearer token (defaults to backend_token)"}
}

func (rt *runtime) token(c *cli.Context) string {
	if t := c.String("token"); t != "" {
		return t
	}
	return rt.cfg.BackendToken
}

// serveCmd creates the serve command.
func serveCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Usage: "Bind address (overrides config)"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Port (overrides config)"},
		},
		Action: func(c *cli.Context) error {
			bind, port := rt.cfg.Bind, rt.cfg.Port
			if c.IsSet("bind") {
				bind = c.String("bind")
			}
			if c.IsSet("port") {
				port = c.Int("port")
			}

			rt.sweeper.Start(context.Background())
			defer rt.sweeper.Stop()

			srv := api.NewServer(rt.svc, rt.logger, Version, bind, port)
			if err := api.Run(srv, rt.logger); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return outputError(errors.NewInternal(err))
			}
			return nil
		},
	}
}

// mcpCmd creates the mcp command. Piped stdin with no command does the same.
func mcpCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the MCP tools over stdio",
		Action: func(c *cli.Context) error {
			rt.sweeper.Start(context.Background())
			defer rt.sweeper.Stop()
			return mcp.Run(rt.svc, rt.cfg, Version)
		},
	}
}

// chatCmd creates the chat command.
func chatCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:      "chat",
		Usage:     "Send one message to the assistant (reads stdin when no message is given)",
		ArgsUsage: "[message]",
		Flags: []cli.Flag{
			userFlag(),
			tokenFlag(),
			&cli.StringFlag{Name: "context", Usage: "Extra grounding for the system instruction"},
		},
		Action: func(c *cli.Context) error {
			message := strings.Join(c.Args().Slice(), " ")
			if message == "" && stdinHasData() {
				text, err := readStdin()
				if err != nil {
					return outputError(errors.NewInternal(err))
				}
				message = text
			}

			output, err := rt.svc.Chat(c.Context, ops.ChatInput{
				Message:   message,
				UserID:    c.Int64("user"),
				Token:     rt.token(c),
				Grounding: c.String("context"),
			})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// revertCmd creates the revert command.
func revertCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:      "revert",
		Usage:     "Undo a request, or the latest revertable one when no id is given",
		ArgsUsage: "[request-id]",
		Flags:     []cli.Flag{userFlag(), tokenFlag()},
		Action: func(c *cli.Context) error {
			result, err := rt.svc.Revert(c.Context, ops.RevertInput{
				RequestID: c.Args().First(),
				UserID:    c.Int64("user"),
				Token:     rt.token(c),
			})
			if err != nil {
				return outputError(err)
			}

			if err := outputJSON(result); err != nil {
				return err
			}
			if err := result.Err(); err != nil {
				return outputError(err)
			}
			return nil
		},
	}
}

// statusCmd creates the status command.
func statusCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show whether a request can still be reverted",
		ArgsUsage: "<request-id>",
		Flags:     []cli.Flag{userFlag()},
		Action: func(c *cli.Context) error {
			view, err := rt.svc.Status(c.Context, ops.StatusInput{
				RequestID: c.Args().First(),
				UserID:    c.Int64("user"),
			})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(view)
		},
	}
}

// forgetCmd creates the forget command.
func forgetCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "forget",
		Usage: "Clear a user's conversation history",
		Flags: []cli.Flag{userFlag()},
		Action: func(c *cli.Context) error {
			userID := c.Int64("user")
			if err := rt.svc.ClearHistory(c.Context, ops.ClearHistoryInput{UserID: userID}); err != nil {
				return outputError(err)
			}

			return outputJSON(map[string]any{"cleared": true, "user_id": userID})
		},
	}
}

// sweepCmd creates the sweep command.
func sweepCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Purge expired undo records and conversation turns now",
		Action: func(c *cli.Context) error {
			return outputJSON(map[string]any{"purged": rt.sweeper.SweepOnce(c.Context)})
		},
	}
}

type capabilityView struct {
	Name        string   `json:"name"`
	Effect      string   `json:"effect"`
	Entity      string   `json:"entity"`
	Description string   `json:"description"`
	Required    []string `json:"required,omitempty"`
}

// capabilitiesCmd creates the capabilities command.
func capabilitiesCmd(rt *runtime) *cli.Command {
	return &cli.Command{
		Name:  "capabilities",
		Usage: "List the capabilities the assistant can call",
		Action: func(c *cli.Context) error {
			descriptors := rt.catalog.Descriptors()
			views := make([]capabilityView, 0, len(descriptors))
			for _, d := range descriptors {
				views = append(views, capabilityView{
					Name:        d.Name,
					Effect:      string(d.Effect),
					Entity:      string(d.Entity),
					Description: d.Description,
					Required:    d.Required,
				})
			}
			return outputJSON(views)
		},
	}
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if aErr, ok := errors.As(err); ok {
		msg := aErr.Message
		if fields := ops.FieldErrors(err); len(fields) > 0 {
			parts := make([]string, 0, len(fields))
			for _, f := range fields {
				parts = append(parts, f.Field+": "+f.Message)
			}
			msg = strings.Join(parts, "; ")
		}
		return cli.Exit(fmt.Sprintf("[%s] %s", aErr.Code, msg), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads all content from stdin.
func readStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
