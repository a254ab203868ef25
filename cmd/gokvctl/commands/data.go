package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gokvd/internal/wire"
)

// parseValue builds a typed wire value from a CLI string. The default is a
// plain string; --type selects int or bool parsing.
func parseValue(raw, typ string) (wire.Value, error) {
	switch typ {
	case "string", "":
		return wire.StringValue(raw), nil
	case "int":
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return wire.Value{}, fmt.Errorf("parse int value %q: %w", raw, err)
		}
		return wire.IntValue(int32(n)), nil
	case "bool":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return wire.Value{}, fmt.Errorf("parse bool value %q: %w", raw, err)
		}
		return wire.BoolValue(b), nil
	default:
		return wire.Value{}, fmt.Errorf("unknown value type %q (string, int, bool)", typ)
	}
}

func addCmd() *cobra.Command {
	var valueType string

	cmd := &cobra.Command{
		Use:   "add <key> <value>",
		Short: "Insert or replace a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			val, err := parseValue(args[1], valueType)
			if err != nil {
				return err
			}

			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Add(cmd.Context(), args[0], val); err != nil {
				return err
			}

			fmt.Printf("OK %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&valueType, "type", "string", "value type: string, int, bool")
	return cmd
}

func findCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find <key>",
		Short: "Look a key up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			val, err := c.Find(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("%s (%s)\n", val.String(), val.Type)
			return nil
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Printf("OK %s\n", args[0])
			return nil
		},
	}
}
