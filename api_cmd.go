package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/opsdash/internal/api"
)

// API flags.
var flagAPIData string

func newAPICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api METHOD PATH",
		Short: "Send an authenticated request and print the response body",
		Long: `Send an authenticated request to PATH relative to the API base URL.
Expired credentials are refreshed automatically. The response body is
written to stdout; non-2xx statuses exit with an error.`,
		Example: `  opsdash api GET /api/admin/dashboard
  opsdash api POST /api/items --data '{"name":"x"}'`,
		Args: cobra.ExactArgs(2),
		RunE: runAPI,
	}

	cmd.Flags().StringVar(&flagAPIData, "data", "", "JSON request body")

	return cmd
}

func runAPI(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()
	method := strings.ToUpper(args[0])

	body, err := parseJSONData(flagAPIData)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer s.Close()

	var reader io.Reader
	if raw, ok := body.(json.RawMessage); ok {
		reader = bytes.NewReader(raw)
	}

	req, err := s.Client.NewRequest(ctx, method, args[1], reader)
	if err != nil {
		return err
	}

	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.Client.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Close()

	cc.Statusf("%s %s: %d %s\n", method, req.URL.Path, resp.StatusCode, http.StatusText(resp.StatusCode))

	raw, err := resp.Bytes()
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if err := writeBody(cc.Out, raw, cc.Flags.JSON); err != nil {
		return err
	}

	if apiErr := api.AsError(resp); apiErr != nil {
		return apiErr
	}

	return nil
}

// writeBody prints a response body. With pretty set, JSON bodies are
// re-indented; anything else is written verbatim.
func writeBody(w io.Writer, raw []byte, pretty bool) error {
	if len(raw) == 0 {
		return nil
	}

	if pretty && json.Valid(raw) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err == nil {
			raw = buf.Bytes()
		}
	}

	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}

	if raw[len(raw)-1] != '\n' {
		fmt.Fprintln(w)
	}

	return nil
}

// parseJSONData validates a --data flag. Empty means no body and yields a
// nil interface; anything else must be valid JSON.
func parseJSONData(data string) (any, error) {
	if data == "" {
		return nil, nil
	}

	if !json.Valid([]byte(data)) {
		return nil, errors.New("--data is not valid JSON")
	}

	return json.RawMessage(data), nil
}
