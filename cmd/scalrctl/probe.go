package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/Sternrassler/scalr-api-client/pkg/scroll"
	"github.com/Sternrassler/scalr-api-client/pkg/signer"
	"github.com/spf13/cobra"
)

// defaultProbeEndpoints are list endpoints every API key can normally read.
var defaultProbeEndpoints = []string{
	"/api/user/v1beta0/os/?family=ubuntu",
	"/api/user/v1beta0/{envId}/role-categories/",
	"/api/user/v1beta0/{envId}/roles/",
	"/api/user/v1beta0/{envId}/images/",
}

// endpointReport is the probe outcome for one list endpoint.
type endpointReport struct {
	Path       string `json:"path" yaml:"path"`
	Count      int    `json:"count" yaml:"count"`
	Sample     any    `json:"sample,omitempty" yaml:"sample,omitempty"`
	Detail     string `json:"detail,omitempty" yaml:"detail,omitempty"`
	DetailBody any    `json:"detail_body,omitempty" yaml:"detail_body,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

func newProbeCommand(opts *options) *cobra.Command {
	var endpoints []string
	var concurrency int

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Scroll a set of list endpoints and fetch one detail record from each",
		Long: `probe checks that a key can read the API. Each endpoint is scrolled
to the end, then the last record is fetched by id from the same
collection. Failures are reported per endpoint and do not stop the run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			reports, err := runProbe(cmd, s, endpoints, concurrency)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), opts.output, reports)
		},
	}

	cmd.Flags().StringSliceVar(&endpoints, "endpoint", defaultProbeEndpoints, "List endpoint to probe (repeatable)")
	cmd.Flags().IntVar(&concurrency, "concurrency", scroll.DefaultConcurrency, "Endpoints scrolled in parallel")
	return cmd
}

func runProbe(cmd *cobra.Command, s *session, endpoints []string, concurrency int) ([]endpointReport, error) {
	requests := make([]scroll.Request, 0, len(endpoints))
	for _, e := range endpoints {
		expanded, err := expandPath(e, s.envID)
		if err != nil {
			return nil, err
		}
		path, query, err := splitEndpoint(expanded)
		if err != nil {
			return nil, err
		}
		requests = append(requests, scroll.Request{Path: path, Query: query})
	}

	results := s.scroll.Batch(cmd.Context(), requests, concurrency)

	reports := make([]endpointReport, 0, len(results))
	for i, r := range results {
		report := endpointReport{Path: endpoints[i]}
		if r.Err != nil {
			report.Error = r.Err.Error()
			reports = append(reports, report)
			continue
		}

		items := r.Result.Items
		report.Count = len(items)
		if len(items) == 0 {
			reports = append(reports, report)
			continue
		}
		if err := json.Unmarshal(items[0], &report.Sample); err != nil {
			report.Error = fmt.Sprintf("decode sample: %v", err)
			reports = append(reports, report)
			continue
		}

		id, err := itemID(items[len(items)-1])
		if err != nil {
			report.Error = err.Error()
			reports = append(reports, report)
			continue
		}

		report.Detail = r.Request.Path + url.PathEscape(id) + "/"
		resp, err := s.client.Fetch(cmd.Context(), report.Detail, nil)
		if err != nil {
			report.Error = err.Error()
		} else if err := resp.Decode(&report.DetailBody); err != nil {
			report.Error = err.Error()
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// splitEndpoint separates an endpoint's query into parameters and makes sure
// the path ends with a slash so a detail id can be appended.
func splitEndpoint(endpoint string) (string, signer.Query, error) {
	path, rawQuery, _ := strings.Cut(endpoint, "?")
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	if rawQuery == "" {
		return path, nil, nil
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", nil, fmt.Errorf("endpoint %s: %w", endpoint, err)
	}
	params := make(signer.Params, len(values))
	for k, v := range values {
		params[k] = v[0]
	}
	return path, params, nil
}

// itemID reads the id of a list item; ids are strings or numbers.
func itemID(raw json.RawMessage) (string, error) {
	var item struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return "", fmt.Errorf("decode item: %w", err)
	}
	switch id := item.ID.(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case float64:
		return fmt.Sprintf("%.0f", id), nil
	}
	return "", fmt.Errorf("last item has no id")
}
