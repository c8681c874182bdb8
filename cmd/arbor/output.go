package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/arborhq/arbor/internal/debug"
)

// errValidationFailed is returned by validate when violations were found;
// the report has already been printed.
var errValidationFailed = errors.New("forest failed validation")

func outputJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	return nil
}

// printNormal writes to the command's output unless --quiet was given.
func printNormal(cmd *cobra.Command, format string, args ...interface{}) {
	debug.FprintNormal(cmd.OutOrStdout(), format, args...)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid node id %q", s)
	}
	return id, nil
}
