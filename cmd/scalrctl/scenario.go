package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/Sternrassler/scalr-api-client/pkg/signer"
	"github.com/spf13/cobra"
)

const userAPI = "/api/user/v1beta0"

// createScenario holds the inputs of the image/role round trip.
type createScenario struct {
	osFamily  string
	osVersion string

	imageName     string
	imageCloudID  string
	imagePlatform string
	imageLocation string
	imageArch     string

	roleName     string
	roleCategory int

	keep bool
}

// scenarioStep is one API call made by a scenario.
type scenarioStep struct {
	Action string `json:"action" yaml:"action"`
	Method string `json:"method" yaml:"method"`
	Path   string `json:"path" yaml:"path"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

type scenarioReport struct {
	OS    string         `json:"os,omitempty" yaml:"os,omitempty"`
	Image string         `json:"image,omitempty" yaml:"image,omitempty"`
	Role  string         `json:"role,omitempty" yaml:"role,omitempty"`
	Steps []scenarioStep `json:"steps" yaml:"steps"`
}

// cleanupAction undoes one creation step.
type cleanupAction struct {
	action string
	path   string
}

func newScenarioCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Run end-to-end API scenarios",
	}
	cmd.AddCommand(newScenarioCreateCommand(opts))
	return cmd
}

func newScenarioCreateCommand(opts *options) *cobra.Command {
	sc := &createScenario{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an image and a role, associate them, then clean up",
		Long: `create finds one OS by family and version, registers an image with it,
creates a role with the same OS and associates the image with the role.
Everything created is deleted again in reverse order, also when a step
fails, unless --keep is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if s.envID == "" {
				return fmt.Errorf("scenario create needs an environment id. Use --env-id, %s, or env_id in the credentials file", envEnvID)
			}

			report, runErr := sc.run(cmd.Context(), opts, s)
			if err := printValue(cmd.OutOrStdout(), opts.output, report); err != nil {
				return errors.Join(runErr, err)
			}
			return runErr
		},
	}

	f := cmd.Flags()
	f.StringVar(&sc.osFamily, "os-family", "ubuntu", "OS family to look up")
	f.StringVar(&sc.osVersion, "os-version", "14.04", "OS version to look up")
	f.StringVar(&sc.imageName, "image-name", "api-test-image", "Name of the image to register")
	f.StringVar(&sc.imageCloudID, "image-cloud-id", "ami-10b68a78", "Cloud image id")
	f.StringVar(&sc.imagePlatform, "image-platform", "ec2", "Cloud platform")
	f.StringVar(&sc.imageLocation, "image-location", "us-east-1", "Cloud location")
	f.StringVar(&sc.imageArch, "image-arch", "x86_64", "Image architecture")
	f.StringVar(&sc.roleName, "role-name", "api-test-role", "Name of the role to create")
	f.IntVar(&sc.roleCategory, "role-category", 1, "Role category id")
	f.BoolVar(&sc.keep, "keep", false, "Leave the created objects in place")
	return cmd
}

func (sc *createScenario) run(ctx context.Context, opts *options, s *session) (report *scenarioReport, err error) {
	report = &scenarioReport{Steps: []scenarioStep{}}
	env := userAPI + "/" + s.envID

	var cleanup []cleanupAction
	defer func() {
		if sc.keep {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			a := cleanup[i]
			opts.logger.Info().Str("path", a.path).Msg(a.action)
			_, delErr := s.client.Delete(ctx, a.path)
			report.Steps = append(report.Steps, step(a.action, "DELETE", a.path, delErr))
			err = errors.Join(err, delErr)
		}
	}()

	osPath := userAPI + "/os/"
	opts.logger.Info().Str("family", sc.osFamily).Str("version", sc.osVersion).Msg("Querying for OS")
	result, err := s.scroll.Scroll(ctx, osPath, signer.Params{"family": sc.osFamily, "version": sc.osVersion})
	report.Steps = append(report.Steps, step("Find OS", "GET", osPath, err))
	if err != nil {
		return report, err
	}
	if len(result.Items) != 1 {
		return report, fmt.Errorf("filtering error: got %d OS for family=%s version=%s", len(result.Items), sc.osFamily, sc.osVersion)
	}
	osItem := result.Items[0]
	if report.OS, err = itemID(osItem); err != nil {
		return report, err
	}

	imagesPath := env + "/images/"
	image, err := sc.create(ctx, s, report, "Create image", imagesPath, map[string]any{
		"name":          sc.imageName,
		"cloudImageId":  sc.imageCloudID,
		"cloudPlatform": sc.imagePlatform,
		"cloudLocation": sc.imageLocation,
		"architecture":  sc.imageArch,
		"os":            osItem,
	})
	if err != nil {
		return report, err
	}
	if report.Image, err = itemID(image); err != nil {
		return report, err
	}
	cleanup = append(cleanup, cleanupAction{"Delete image", imagesPath + url.PathEscape(report.Image) + "/"})

	rolesPath := env + "/roles/"
	role, err := sc.create(ctx, s, report, "Create role", rolesPath, map[string]any{
		"name":     sc.roleName,
		"category": map[string]int{"id": sc.roleCategory},
		"os":       osItem,
	})
	if err != nil {
		return report, err
	}
	if report.Role, err = itemID(role); err != nil {
		return report, err
	}
	rolePath := rolesPath + url.PathEscape(report.Role) + "/"
	cleanup = append(cleanup, cleanupAction{"Delete role", rolePath})

	roleImagesPath := rolePath + "images/"
	if _, err := sc.create(ctx, s, report, "Associate image with role", roleImagesPath, image); err != nil {
		return report, err
	}
	cleanup = append(cleanup, cleanupAction{"Disassociate image from role", roleImagesPath + url.PathEscape(report.Image) + "/"})

	return report, nil
}

// create POSTs v and returns the created object from the data member.
func (sc *createScenario) create(ctx context.Context, s *session, report *scenarioReport, action, path string, v any) (json.RawMessage, error) {
	resp, err := s.client.CreateJSON(ctx, path, v)
	report.Steps = append(report.Steps, step(action, "POST", path, err))
	if err != nil {
		return nil, err
	}

	var created json.RawMessage
	if err := resp.Data(&created); err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	return created, nil
}

func step(action, method, path string, err error) scenarioStep {
	st := scenarioStep{Action: action, Method: method, Path: path}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}
