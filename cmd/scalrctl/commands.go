package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Sternrassler/scalr-api-client/pkg/client"
	"github.com/Sternrassler/scalr-api-client/pkg/signer"
	"github.com/spf13/cobra"
)

// parseParams turns key=value arguments into query parameters.
func parseParams(args []string) (signer.Params, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make(signer.Params, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q (want key=value)", arg)
		}
		params[key] = value
	}
	return params, nil
}

// expandPath substitutes the environment id placeholder.
func expandPath(path, envID string) (string, error) {
	if !strings.Contains(path, "{envId}") {
		return path, nil
	}
	if envID == "" {
		return "", fmt.Errorf("path %s needs an environment id. Use --env-id, %s, or env_id in the credentials file", path, envEnvID)
	}
	return strings.ReplaceAll(path, "{envId}", envID), nil
}

func newListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list PATH [key=value...]",
		Short: "Scroll a list endpoint and print every item",
		Example: `  scalrctl list /api/user/v1beta0/os/ family=ubuntu
  scalrctl list '/api/user/v1beta0/{envId}/images/' -o yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			path, err := expandPath(args[0], s.envID)
			if err != nil {
				return err
			}
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}

			result, err := s.scroll.Scroll(cmd.Context(), path, params)
			if err != nil {
				return err
			}
			items, err := decodeItems(result.Items)
			if err != nil {
				return err
			}
			opts.logger.Info().
				Str("path", path).
				Int("items", len(items)).
				Int("pages", result.Pages).
				Msg("List complete")
			return printValue(cmd.OutOrStdout(), opts.output, items)
		},
	}
}

func newFetchCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch PATH [key=value...]",
		Short: "Fetch a single resource",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			path, err := expandPath(args[0], s.envID)
			if err != nil {
				return err
			}
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}

			resp, err := s.client.Fetch(cmd.Context(), path, params)
			if err != nil {
				return err
			}
			return printBody(cmd.OutOrStdout(), opts.output, resp.Body)
		},
	}
}

// bodyFlags holds --body / --file for write commands.
type bodyFlags struct {
	body string
	file string
}

func (b *bodyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&b.body, "body", "", "Request body (JSON)")
	cmd.Flags().StringVarP(&b.file, "file", "f", "", "Read the request body from a file ('-' for stdin)")
	cmd.MarkFlagsMutuallyExclusive("body", "file")
}

func (b *bodyFlags) read(stdin io.Reader) (string, error) {
	switch b.file {
	case "":
		return b.body, nil
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(expandHome(b.file))
		if err != nil {
			return "", fmt.Errorf("read body: %w", err)
		}
		return string(data), nil
	}
}

type writeFunc func(s *session, cmd *cobra.Command, path, body string) (*client.Response, error)

func newWriteCommand(opts *options, use, short string, withBody bool, send writeFunc) *cobra.Command {
	var body bodyFlags
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := body.read(cmd.InOrStdin())
			if err != nil {
				return err
			}

			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			path, err := expandPath(args[0], s.envID)
			if err != nil {
				return err
			}

			resp, err := send(s, cmd, path, strings.TrimSpace(payload))
			if err != nil {
				return err
			}
			return printBody(cmd.OutOrStdout(), opts.output, resp.Body)
		},
	}
	if withBody {
		body.register(cmd)
	}
	return cmd
}

func newCreateCommand(opts *options) *cobra.Command {
	return newWriteCommand(opts, "create PATH", "POST a JSON body", true,
		func(s *session, cmd *cobra.Command, path, body string) (*client.Response, error) {
			return s.client.Create(cmd.Context(), path, body)
		})
}

func newEditCommand(opts *options) *cobra.Command {
	return newWriteCommand(opts, "edit PATH", "PATCH a JSON body", true,
		func(s *session, cmd *cobra.Command, path, body string) (*client.Response, error) {
			return s.client.Edit(cmd.Context(), path, body)
		})
}

func newDeleteCommand(opts *options) *cobra.Command {
	return newWriteCommand(opts, "delete PATH", "DELETE a resource", false,
		func(s *session, cmd *cobra.Command, path, _ string) (*client.Response, error) {
			return s.client.Delete(cmd.Context(), path)
		})
}
