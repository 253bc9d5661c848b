package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/nugget/gridsense/internal/store"
)

// openStore opens the configured database for an admin command.
func openStore(configPath string) (*store.Store, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return store.Open(dbPath(cfg))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runUser handles "gridsense user add <name>".
func runUser(ctx context.Context, w io.Writer, configPath, outputFmt string, args []string) error {
	if len(args) != 2 || args[0] != "add" {
		return fmt.Errorf("usage: gridsense user add <name>")
	}

	st, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	u, err := st.CreateUser(ctx, args[1])
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return printJSON(w, u)
	}
	fmt.Fprintf(w, "user %s (%s)\n", u.ID, u.Name)
	fmt.Fprintf(w, "  api key: %s\n", u.APIKey)
	return nil
}

// runChannel handles the channel add, show and delete subcommands.
func runChannel(ctx context.Context, w io.Writer, configPath, outputFmt string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: gridsense channel <add|show|delete> ...")
	}

	var (
		ch  *store.Channel
		err error
	)
	switch args[0] {
	case "add":
		ch, err = parseChannelAdd(args[1:])
		if err != nil {
			return err
		}
	case "show", "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: gridsense channel %s <id>", args[0])
		}
	default:
		return fmt.Errorf("unknown channel command: %s", args[0])
	}

	st, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	switch args[0] {
	case "add":
		if err := st.CreateChannel(ctx, ch); err != nil {
			return err
		}
	case "show":
		if ch, err = st.Channel(ctx, args[1]); err != nil {
			return err
		}
	case "delete":
		if err := st.DeleteChannel(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(w, "deleted %s\n", args[1])
		return nil
	}

	if outputFmt == "json" {
		return printJSON(w, ch)
	}
	fmt.Fprintf(w, "channel %s (%s)\n", ch.ID, ch.ProjectName)
	fmt.Fprintf(w, "  owner:  %s\n", ch.UserID)
	for _, f := range ch.Fields {
		if f.Unit != "" {
			fmt.Fprintf(w, "  field:  %s [%s]\n", f.Name, f.Unit)
		} else {
			fmt.Fprintf(w, "  field:  %s\n", f.Name)
		}
	}
	return nil
}

// parseChannelAdd parses "-user <id> <project> [field[:unit]...]".
func parseChannelAdd(args []string) (*store.Channel, error) {
	const usage = "usage: gridsense channel add -user <id> <project> [field[:unit]...]"

	ch := &store.Channel{}
	var rest []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-user" && i+1 < len(args):
			ch.UserID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-user="):
			ch.UserID = strings.TrimPrefix(args[i], "-user=")
		case args[i] == "-description" && i+1 < len(args):
			ch.Description = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-"):
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		default:
			rest = append(rest, args[i])
		}
	}
	if ch.UserID == "" || len(rest) == 0 {
		return nil, fmt.Errorf("%s", usage)
	}

	ch.ProjectName = rest[0]
	for _, arg := range rest[1:] {
		name, unit, _ := strings.Cut(arg, ":")
		if name == "" {
			return nil, fmt.Errorf("empty field name in %q", arg)
		}
		ch.Fields = append(ch.Fields, store.Field{Name: name, Unit: unit})
	}
	return ch, nil
}
