package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/Sternrassler/scalr-api-client/pkg/client"
	"github.com/Sternrassler/scalr-api-client/pkg/logging"
	"github.com/Sternrassler/scalr-api-client/pkg/metrics"
	"github.com/Sternrassler/scalr-api-client/pkg/scroll"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// options holds the global flags of one invocation.
type options struct {
	credentialsFile   string
	apiURL            string
	keyID             string
	secretKey         string
	basicAuthUser     string
	basicAuthPassword string
	envID             string
	redisAddr         string

	output      string
	verbose     bool
	logLevel    string
	timeout     time.Duration
	rateLimit   float64
	retries     int
	maxPages    int
	showMetrics bool

	getenv func(string) string
	logger zerolog.Logger
}

func newRootCommand() *cobra.Command {
	return newRootCommandWithEnv(os.Getenv)
}

// newRootCommandWithEnv builds the command tree reading the environment
// through getenv.
func newRootCommandWithEnv(getenv func(string) string) *cobra.Command {
	opts := &options{getenv: getenv}

	root := &cobra.Command{
		Use:   "scalrctl",
		Short: "Command-line client for the Scalr API",
		Long: `scalrctl sends HMAC-signed requests to the Scalr API.

List endpoints are scrolled to the end and printed as one collection.
Connection settings come from flags, SCALR_* environment variables
or a credentials file (JSON or YAML with api_url, api_key_id,
api_key_secret, env_id, basic_auth_username, basic_auth_password).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if !opts.showMetrics {
				return nil
			}
			return metrics.WriteText(cmd.ErrOrStderr(), metrics.Gatherer)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.credentialsFile, "credentials", "", "Credentials file (env: "+envCredentials+")")
	flags.StringVar(&opts.apiURL, "api-url", "", "API base URL (env: "+envAPIURL+")")
	flags.StringVar(&opts.keyID, "key-id", "", "API key id (env: "+envKeyID+")")
	flags.StringVar(&opts.secretKey, "secret-key", "", "API secret key (env: "+envSecretKey+")")
	flags.StringVar(&opts.basicAuthUser, "basic-auth-user", "", "HTTP basic auth user")
	flags.StringVar(&opts.basicAuthPassword, "basic-auth-password", "", "HTTP basic auth password")
	flags.StringVar(&opts.envID, "env-id", "", "Environment id substituted for {envId} in paths (env: "+envEnvID+")")
	flags.StringVar(&opts.redisAddr, "redis-addr", "", "Redis address for the response cache and shared rate limit state (env: "+envRedisAddr+")")
	flags.StringVarP(&opts.output, "output", "o", outputJSON, "Output format: json, yaml")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log requests, including the string to sign")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Timeout per HTTP request")
	flags.Float64Var(&opts.rateLimit, "rate-limit", 0, "Maximum requests per second (0 = unlimited)")
	flags.IntVar(&opts.retries, "retries", 1, "Attempts per GET/DELETE request for network errors, 429 and 5xx (POST and PATCH are sent once)")
	flags.IntVar(&opts.maxPages, "max-pages", 0, "Fail a scroll after this many pages (0 = unlimited)")
	flags.BoolVar(&opts.showMetrics, "metrics", false, "Print scalr_* metrics to stderr when done")

	root.AddCommand(
		newVersionCommand(),
		newListCommand(opts),
		newFetchCommand(opts),
		newCreateCommand(opts),
		newEditCommand(opts),
		newDeleteCommand(opts),
		newProbeCommand(opts),
		newScenarioCommand(opts),
	)
	return root
}

func (o *options) setup(cmd *cobra.Command) error {
	if o.output != outputJSON && o.output != outputYAML {
		return fmt.Errorf("unknown output format %q (want json or yaml)", o.output)
	}

	level, err := logging.ParseLevel(o.logLevel)
	if err != nil {
		return err
	}
	if o.verbose {
		level = logging.LevelDebug
	}
	errOut := cmd.ErrOrStderr()
	_, isFile := errOut.(*os.File)
	logging.Setup(logging.Config{Level: level, Pretty: true, Output: errOut, NoColor: !isFile})
	o.logger = logging.NewLogger(logging.ComponentCLI)
	return nil
}

// session is a configured client plus whatever needs closing afterwards.
type session struct {
	client *client.Client
	scroll *scroll.Coordinator
	envID  string
	redis  *redis.Client
}

func (s *session) Close() {
	if s.redis != nil {
		s.redis.Close()
	}
}

func (o *options) open(cmd *cobra.Command) (*session, error) {
	cfg, err := o.resolve(o.getenv)
	if err != nil {
		return nil, err
	}

	s := &session{envID: cfg.envID}
	if cfg.redisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		if err := s.redis.Ping(cmd.Context()).Err(); err != nil {
			s.redis.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.redisAddr, err)
		}
		cfg.client.Redis = s.redis
		o.logger.Debug().Str("addr", cfg.redisAddr).Msg("Connected to Redis")
	}

	c, err := client.New(cfg.client)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.client = c
	s.scroll = scroll.New(c, scroll.Config{MaxPages: o.maxPages})
	return s, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "scalrctl version %s\n", version)
			fmt.Fprintf(out, "  Go:       %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:  %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
