// Package config loads the YAML mailbox configuration and the
// connection secrets from environment variables.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	envIMAPHost   = "MAILCLERK_IMAP_HOST"
	envIMAPPort   = "MAILCLERK_IMAP_PORT"
	envIMAPUser   = "MAILCLERK_IMAP_USER"
	envIMAPPass   = "MAILCLERK_IMAP_PASS"
	envSMTPHost   = "MAILCLERK_SMTP_HOST"
	envSMTPUser   = "MAILCLERK_SMTP_USER"
	envSMTPPass   = "MAILCLERK_SMTP_PASS"
	envS3Endpoint = "MAILCLERK_S3_ENDPOINT"
	envS3Region   = "MAILCLERK_S3_REGION"
	envS3Bucket   = "MAILCLERK_S3_BUCKET"
	envS3Key      = "MAILCLERK_S3_KEY"
	envS3Secret   = "MAILCLERK_S3_SECRET"
	envOTLPDSN    = "MAILCLERK_OTLP_DSN"
)

// Behavior names recognized for ticket handling.
const (
	BehaviorCreateOnly = "create_only"
	BehaviorUpdateOnly = "update_only"
	BehaviorBoth       = "both"
)

// Storage names recognized for the after-processing action.
const (
	StorageKeep   = "keep"
	StorageDelete = "delete"
	StorageMove   = "move"
)

// Error behavior names for undecodable messages.
const (
	ErrorBehaviorDelete    = "delete"
	ErrorBehaviorMarkError = "mark_as_error"
)

// Config holds the non-secret configuration loaded from YAML.
type Config struct {
	Database  Database  `yaml:"database"`
	Batch     Batch     `yaml:"batch"`
	Bounce    Bounce    `yaml:"bounce"`
	Archive   *Archive  `yaml:"archive"`
	Mailboxes []Mailbox `yaml:"mailboxes"`
}

// Database configures the replica and ticket store.
type Database struct {
	Path string `yaml:"path"`
}

// Batch configures one processor run.
type Batch struct {
	// DeadlineSeconds bounds the wall-clock duration of one run.
	DeadlineSeconds int `yaml:"deadline_seconds"`
}

// Bounce configures the notification sender.
type Bounce struct {
	From            string `yaml:"from"`
	SubjectTemplate string `yaml:"subject_template"`
	BodyTemplate    string `yaml:"body_template"`
}

// Archive configures S3 storage for message bodies above the replica
// contents ceiling.
type Archive struct {
	Prefix string `yaml:"prefix"`
}

// Mailbox is the per-mailbox processing configuration.
type Mailbox struct {
	Name                    string `yaml:"name"`
	Folder                  string `yaml:"folder"`
	Behavior                string `yaml:"behavior"`
	EmailStorage            string `yaml:"email_storage"`
	MoveFolder              string `yaml:"move_folder"`
	ErrorBehavior           string `yaml:"error_behavior"`
	UndesiredPurgeDelayDays int    `yaml:"undesired_purge_delay_days"`
	UseMessageIDAsUID       bool   `yaml:"use_message_id_as_uid"`
	MultiSourceMode         bool   `yaml:"multi_source_mode"`
	RetentionPeriodHours    int    `yaml:"retention_period_hours"`
	ContentsByteCeiling     int64  `yaml:"contents_byte_ceiling"`

	Steps StepSettings `yaml:"steps"`
}

// StepSettings groups the per-step tunables under their settings
// prefixes.
type StepSettings struct {
	NDR                NDRSettings                `yaml:"ndr"`
	Reference          ReferenceSettings          `yaml:"reference"`
	Size               SizeSettings               `yaml:"size"`
	Subject            SubjectSettings            `yaml:"subject"`
	AttachmentTypes    AttachmentTypeSettings     `yaml:"attachment_types"`
	AutoReply          BehaviorSetting            `yaml:"auto_reply"`
	Sender             SenderSettings             `yaml:"sender"`
	Recipients         RecipientSettings          `yaml:"recipients"`
	Caller             CallerSettings             `yaml:"caller"`
	UndesiredTitle     UndesiredTitleSettings     `yaml:"undesired_title"`
	ClosedTicket       ClosedTicketSettings       `yaml:"closed_ticket"`
	AttachmentCriteria AttachmentCriteriaSettings `yaml:"attachment_criteria"`
}

// BehaviorSetting is the minimal step configuration: a violation
// behavior only.
type BehaviorSetting struct {
	Behavior string `yaml:"behavior"`
}

type NDRSettings struct {
	Behavior            string   `yaml:"behavior"`
	Phrases             []string `yaml:"phrases"`
	MarkContactInactive bool     `yaml:"mark_contact_inactive"`
}

type ReferenceSettings struct {
	// TitlePatterns extract a ticket reference from the subject. The
	// first capture group is the reference.
	TitlePatterns   []string `yaml:"title_patterns"`
	UnknownBehavior string   `yaml:"unknown_behavior"`
}

type SizeSettings struct {
	MaxBytes int64  `yaml:"max_bytes"`
	Behavior string `yaml:"behavior"`
}

type SubjectSettings struct {
	Default string `yaml:"default"`
}

type AttachmentTypeSettings struct {
	Forbidden []string `yaml:"forbidden"`
	Behavior  string   `yaml:"behavior"`
}

type SenderSettings struct {
	BlockedPatterns []string `yaml:"blocked_patterns"`
	Behavior        string   `yaml:"behavior"`
}

type RecipientSettings struct {
	// Allowed lists addresses that may appear alongside the mailbox
	// address without triggering the other-recipients check.
	Allowed  []string `yaml:"allowed"`
	Address  string   `yaml:"address"`
	Behavior string   `yaml:"behavior"`
}

type CallerSettings struct {
	DefaultName      string `yaml:"default_name"`
	MismatchBehavior string `yaml:"mismatch_behavior"`
}

type UndesiredTitleSettings struct {
	Patterns []string `yaml:"patterns"`
	Behavior string   `yaml:"behavior"`
}

type ClosedTicketSettings struct {
	Reopen   bool   `yaml:"reopen"`
	Behavior string `yaml:"behavior"`
}

type AttachmentCriteriaSettings struct {
	MinWidth      int      `yaml:"min_width"`
	MinHeight     int      `yaml:"min_height"`
	MaxWidth      int      `yaml:"max_width"`
	MaxHeight     int      `yaml:"max_height"`
	ExcludedTypes []string `yaml:"excluded_types"`
}

// IMAPEnv holds the IMAP connection details from environment variables.
type IMAPEnv struct {
	Host string
	Port int
	User string
	Pass string
}

// SMTPEnv holds the SMTP relay details from environment variables.
type SMTPEnv struct {
	Host string
	User string
	Pass string
}

// S3Env holds the archive storage details from environment variables.
type S3Env struct {
	Endpoint string
	Region   string
	Bucket   string
	Key      string
	Secret   string
}

// Load reads configuration from a YAML file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Batch.DeadlineSeconds == 0 {
		cfg.Batch.DeadlineSeconds = 600
	}
	for i := range cfg.Mailboxes {
		mb := &cfg.Mailboxes[i]
		if mb.Folder == "" {
			mb.Folder = "INBOX"
		}
		if mb.Behavior == "" {
			mb.Behavior = BehaviorBoth
		}
		if mb.EmailStorage == "" {
			mb.EmailStorage = StorageKeep
		}
		if mb.ErrorBehavior == "" {
			mb.ErrorBehavior = ErrorBehaviorMarkError
		}
		if mb.UndesiredPurgeDelayDays == 0 {
			mb.UndesiredPurgeDelayDays = 7
		}
		if mb.RetentionPeriodHours == 0 {
			mb.RetentionPeriodHours = 24 * 7
		}
		if mb.ContentsByteCeiling == 0 {
			mb.ContentsByteCeiling = 512 * 1024
		}
	}
}

// Validate performs basic validation on non-secret config.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Database.Path) == "" {
		return fmt.Errorf("config must define database.path")
	}
	if len(cfg.Mailboxes) == 0 {
		return fmt.Errorf("config must define at least one mailbox")
	}
	seen := map[string]struct{}{}
	for i, mb := range cfg.Mailboxes {
		if strings.TrimSpace(mb.Name) == "" {
			return fmt.Errorf("mailbox %d must define name", i+1)
		}
		if _, dup := seen[mb.Name]; dup {
			return fmt.Errorf("mailbox %q is defined twice", mb.Name)
		}
		seen[mb.Name] = struct{}{}

		switch mb.Behavior {
		case BehaviorCreateOnly, BehaviorUpdateOnly, BehaviorBoth:
		default:
			return fmt.Errorf("mailbox %q: unsupported behavior %q", mb.Name, mb.Behavior)
		}
		switch mb.EmailStorage {
		case StorageKeep, StorageDelete:
		case StorageMove:
			if strings.TrimSpace(mb.MoveFolder) == "" {
				return fmt.Errorf("mailbox %q: email_storage move requires move_folder", mb.Name)
			}
		default:
			return fmt.Errorf("mailbox %q: unsupported email_storage %q", mb.Name, mb.EmailStorage)
		}
		switch mb.ErrorBehavior {
		case ErrorBehaviorDelete, ErrorBehaviorMarkError:
		default:
			return fmt.Errorf("mailbox %q: unsupported error_behavior %q", mb.Name, mb.ErrorBehavior)
		}

		for _, pattern := range patternLists(mb) {
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("mailbox %q: invalid pattern %q: %w", mb.Name, pattern, err)
			}
		}
	}
	return nil
}

func patternLists(mb Mailbox) []string {
	var out []string
	out = append(out, mb.Steps.Reference.TitlePatterns...)
	out = append(out, mb.Steps.Sender.BlockedPatterns...)
	out = append(out, mb.Steps.UndesiredTitle.Patterns...)
	return out
}

// IMAPEnvFromEnv loads IMAP connection details and validates required
// entries.
func IMAPEnvFromEnv() (IMAPEnv, error) {
	missing := []string{}

	host := strings.TrimSpace(os.Getenv(envIMAPHost))
	if host == "" {
		missing = append(missing, envIMAPHost)
	}
	portRaw := strings.TrimSpace(os.Getenv(envIMAPPort))
	if portRaw == "" {
		missing = append(missing, envIMAPPort)
	}
	user := strings.TrimSpace(os.Getenv(envIMAPUser))
	if user == "" {
		missing = append(missing, envIMAPUser)
	}
	pass := strings.TrimSpace(os.Getenv(envIMAPPass))
	if pass == "" {
		missing = append(missing, envIMAPPass)
	}
	if len(missing) > 0 {
		return IMAPEnv{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return IMAPEnv{}, fmt.Errorf("invalid %s: %w", envIMAPPort, err)
	}

	return IMAPEnv{Host: host, Port: port, User: user, Pass: pass}, nil
}

// SMTPEnvFromEnv loads the SMTP relay details. The relay is optional;
// with no host configured bounce notifications are disabled.
func SMTPEnvFromEnv() SMTPEnv {
	return SMTPEnv{
		Host: strings.TrimSpace(os.Getenv(envSMTPHost)),
		User: strings.TrimSpace(os.Getenv(envSMTPUser)),
		Pass: strings.TrimSpace(os.Getenv(envSMTPPass)),
	}
}

// S3EnvFromEnv loads the archive storage details and validates required
// entries.
func S3EnvFromEnv() (S3Env, error) {
	env := S3Env{
		Endpoint: strings.TrimSpace(os.Getenv(envS3Endpoint)),
		Region:   strings.TrimSpace(os.Getenv(envS3Region)),
		Bucket:   strings.TrimSpace(os.Getenv(envS3Bucket)),
		Key:      strings.TrimSpace(os.Getenv(envS3Key)),
		Secret:   strings.TrimSpace(os.Getenv(envS3Secret)),
	}
	missing := []string{}
	if env.Region == "" {
		missing = append(missing, envS3Region)
	}
	if env.Bucket == "" {
		missing = append(missing, envS3Bucket)
	}
	if env.Key == "" {
		missing = append(missing, envS3Key)
	}
	if env.Secret == "" {
		missing = append(missing, envS3Secret)
	}
	if len(missing) > 0 {
		return S3Env{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return env, nil
}

// OTLPDSN returns the telemetry DSN, empty when telemetry is disabled.
func OTLPDSN() string {
	return strings.TrimSpace(os.Getenv(envOTLPDSN))
}

// Summary returns a concise config summary for validation runs.
func Summary(cfg Config) string {
	return fmt.Sprintf(
		"Config summary\n"+
			"- mailboxes: %d\n"+
			"- database: %s\n"+
			"- batch deadline: %ds",
		len(cfg.Mailboxes),
		cfg.Database.Path,
		cfg.Batch.DeadlineSeconds,
	)
}
