package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config captures all options required to run one sync pass. It is built
// once in main and handed to each component; no component reads flags or
// environment variables on its own.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	MailAddress        string
	MailPassword       string
	InsecureSkipVerify bool

	ClientID     string
	ClientSecret string
	Recipients   Recipients

	StateDir string

	Keyword            string
	CreateOffsetMonths int
	CreateOffsetDays   int
	DueWeeks           int
	DueHour            int
	DueMinute          int
	DueSecond          int
	SearchWindowDays   int

	ErrorDueHour   int
	ErrorDueMinute int
	ErrorDueSecond int

	DryRun    bool
	ExitDelay time.Duration
	LogLevel  string
	LogDir    string
}

// Recipients holds the two configured recipient groups, keyed by DingTalk
// user ID. Both groups must be non-empty.
type Recipients struct {
	EcoTodoUserIDs   []string `mapstructure:"eco_todo_user_ids"`
	ErrorTodoUserIDs []string `mapstructure:"error_todo_user_ids"`
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("imap-host", "imap.qiye.aliyun.com", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("mail-address", "", "Mailbox address to poll (falls back to ECO_MAIL_ADDRESS env var)")
	flags.String("mail-password", "", "Mailbox password (falls back to ECO_MAIL_PASSWORD env var)")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("dingtalk-client-id", "", "DingTalk app key (falls back to DINGTALK_CLIENT_ID env var)")
	flags.String("dingtalk-client-secret", "", "DingTalk app secret (falls back to DINGTALK_CLIENT_SECRET env var)")
	flags.String("recipients", "config/dingtalk_recipients.yaml", "Path to the recipient groups file")
	flags.String("state-dir", defaultStateDir, "Directory for the processed-message registry")
	flags.String("keyword", "ECO审批流程", "Subject substring a message must carry to be processed")
	flags.Int("create-offset-months", 0, "Months between the sent date and the task creation date")
	flags.Int("create-offset-days", 0, "Days between the sent date and the task creation date")
	flags.Int("due-weeks", 1, "Weeks between the creation date and the task due date")
	flags.Int("due-hour", 18, "Hour of day for task due times")
	flags.Int("due-minute", 0, "Minute for task due times")
	flags.Int("due-second", 0, "Second for task due times")
	flags.Int("search-window-days", 10, "Extra lookback days for the IMAP search; must exceed the longest expected gap between runs")
	flags.Int("error-due-hour", 18, "Hour of day for escalation task due times")
	flags.Int("error-due-minute", 0, "Minute for escalation task due times")
	flags.Int("error-due-second", 0, "Second for escalation task due times")
	flags.Bool("dry-run", false, "Log task creations without calling DingTalk")
	flags.Duration("exit-delay", 15*time.Second, "Delay before exiting, to avoid rapid restart loops under a supervisor")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (stdout only when empty)")

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with
// validation, resolving secrets from the environment when flags are empty.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	var cfg Config
	var err error

	if cfg.IMAPHost, err = flags.GetString("imap-host"); err != nil {
		return Config{}, err
	}
	if cfg.IMAPPort, err = flags.GetInt("imap-port"); err != nil {
		return Config{}, err
	}
	if cfg.MailAddress, err = flags.GetString("mail-address"); err != nil {
		return Config{}, err
	}
	if cfg.MailPassword, err = flags.GetString("mail-password"); err != nil {
		return Config{}, err
	}
	if cfg.InsecureSkipVerify, err = flags.GetBool("insecure-skip-verify"); err != nil {
		return Config{}, err
	}
	if cfg.ClientID, err = flags.GetString("dingtalk-client-id"); err != nil {
		return Config{}, err
	}
	if cfg.ClientSecret, err = flags.GetString("dingtalk-client-secret"); err != nil {
		return Config{}, err
	}
	recipientsPath, err := flags.GetString("recipients")
	if err != nil {
		return Config{}, err
	}
	if cfg.StateDir, err = flags.GetString("state-dir"); err != nil {
		return Config{}, err
	}
	if cfg.Keyword, err = flags.GetString("keyword"); err != nil {
		return Config{}, err
	}
	if cfg.CreateOffsetMonths, err = flags.GetInt("create-offset-months"); err != nil {
		return Config{}, err
	}
	if cfg.CreateOffsetDays, err = flags.GetInt("create-offset-days"); err != nil {
		return Config{}, err
	}
	if cfg.DueWeeks, err = flags.GetInt("due-weeks"); err != nil {
		return Config{}, err
	}
	if cfg.DueHour, err = flags.GetInt("due-hour"); err != nil {
		return Config{}, err
	}
	if cfg.DueMinute, err = flags.GetInt("due-minute"); err != nil {
		return Config{}, err
	}
	if cfg.DueSecond, err = flags.GetInt("due-second"); err != nil {
		return Config{}, err
	}
	if cfg.SearchWindowDays, err = flags.GetInt("search-window-days"); err != nil {
		return Config{}, err
	}
	if cfg.ErrorDueHour, err = flags.GetInt("error-due-hour"); err != nil {
		return Config{}, err
	}
	if cfg.ErrorDueMinute, err = flags.GetInt("error-due-minute"); err != nil {
		return Config{}, err
	}
	if cfg.ErrorDueSecond, err = flags.GetInt("error-due-second"); err != nil {
		return Config{}, err
	}
	if cfg.DryRun, err = flags.GetBool("dry-run"); err != nil {
		return Config{}, err
	}
	if cfg.ExitDelay, err = flags.GetDuration("exit-delay"); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = flags.GetString("log-level"); err != nil {
		return Config{}, err
	}
	if cfg.LogDir, err = flags.GetString("log-dir"); err != nil {
		return Config{}, err
	}

	if cfg.MailAddress == "" {
		cfg.MailAddress = os.Getenv("ECO_MAIL_ADDRESS")
	}
	if cfg.MailPassword == "" {
		cfg.MailPassword = os.Getenv("ECO_MAIL_PASSWORD")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = os.Getenv("DINGTALK_CLIENT_ID")
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = os.Getenv("DINGTALK_CLIENT_SECRET")
	}

	if cfg.StateDir == "" {
		cfg.StateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	cfg.Recipients, err = LoadRecipients(recipientsPath)
	if err != nil {
		return Config{}, err
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadRecipients reads the recipient groups file. The file must define
// both groups and both must contain at least one user ID.
func LoadRecipients(path string) (Recipients, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Recipients{}, fmt.Errorf("reading recipients file %s: %w", path, err)
	}

	var recipients Recipients
	if err := v.Unmarshal(&recipients); err != nil {
		return Recipients{}, fmt.Errorf("parsing recipients file %s: %w", path, err)
	}

	if len(recipients.EcoTodoUserIDs) == 0 {
		return Recipients{}, fmt.Errorf("recipients file %s: eco_todo_user_ids must list at least one user ID", path)
	}
	if len(recipients.ErrorTodoUserIDs) == 0 {
		return Recipients{}, fmt.Errorf("recipients file %s: error_todo_user_ids must list at least one user ID", path)
	}
	for _, id := range append(append([]string{}, recipients.EcoTodoUserIDs...), recipients.ErrorTodoUserIDs...) {
		if strings.TrimSpace(id) == "" {
			return Recipients{}, fmt.Errorf("recipients file %s: user IDs must be non-empty strings", path)
		}
	}

	return recipients, nil
}

func validateConfig(cfg Config) error {
	if cfg.IMAPHost == "" {
		return fmt.Errorf("--imap-host is required")
	}
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	if cfg.MailAddress == "" {
		return fmt.Errorf("mailbox address must be provided via --mail-address or ECO_MAIL_ADDRESS env var")
	}
	if cfg.MailPassword == "" {
		return fmt.Errorf("mailbox password must be provided via --mail-password or ECO_MAIL_PASSWORD env var")
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("DingTalk app key must be provided via --dingtalk-client-id or DINGTALK_CLIENT_ID env var")
	}
	if cfg.ClientSecret == "" {
		return fmt.Errorf("DingTalk app secret must be provided via --dingtalk-client-secret or DINGTALK_CLIENT_SECRET env var")
	}
	if cfg.Keyword == "" {
		return fmt.Errorf("--keyword must not be empty")
	}
	if cfg.SearchWindowDays < 0 {
		return fmt.Errorf("--search-window-days must not be negative")
	}
	if err := validateClock("due", cfg.DueHour, cfg.DueMinute, cfg.DueSecond); err != nil {
		return err
	}
	if err := validateClock("error-due", cfg.ErrorDueHour, cfg.ErrorDueMinute, cfg.ErrorDueSecond); err != nil {
		return err
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func validateClock(prefix string, hour, minute, second int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("--%s-hour must be between 0 and 23", prefix)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("--%s-minute must be between 0 and 59", prefix)
	}
	if second < 0 || second > 59 {
		return fmt.Errorf("--%s-second must be between 0 and 59", prefix)
	}
	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".eco-todo-sync", "state"), nil
}
