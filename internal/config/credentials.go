package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// CredentialSource represents where credentials come from
type CredentialSource string

const (
	CredentialSourceNone        CredentialSource = "none"
	CredentialSourceEnvironment CredentialSource = "environment"
	CredentialSourceConfig      CredentialSource = "config"
	CredentialSourceIAMRole     CredentialSource = "iam-role"
)

// AWSCredentials holds AWS credential information
type AWSCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	Source          CredentialSource
}

// GetAWSCredentials retrieves AWS credentials for an s3:// whitelist source.
// Priority: IAM role, environment, config file.
func GetAWSCredentials(src *SourceConfig) (*AWSCredentials, error) {
	if src == nil {
		return nil, fmt.Errorf("no source configuration")
	}

	if os.Getenv("AWS_CONTAINER_CREDENTIALS_RELATIVE_URI") != "" ||
		os.Getenv("AWS_CONTAINER_CREDENTIALS_FULL_URI") != "" ||
		os.Getenv("AWS_EXECUTION_ENV") != "" {
		return &AWSCredentials{
			Source: CredentialSourceIAMRole,
		}, nil
	}

	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if accessKey != "" && secretKey != "" {
		return &AWSCredentials{
			AccessKeyID:     accessKey,
			SecretAccessKey: secretKey,
			Source:          CredentialSourceEnvironment,
		}, nil
	}

	if src.AccessKeyID != "" && src.SecretKey != "" {
		logrus.Warn("AWS credentials found in config file; prefer environment variables or an instance role")
		return &AWSCredentials{
			AccessKeyID:     src.AccessKeyID,
			SecretAccessKey: src.SecretKey,
			Source:          CredentialSourceConfig,
		}, nil
	}

	// No credentials found - AWS SDK will try default credential chain
	return &AWSCredentials{
		Source: CredentialSourceNone,
	}, nil
}

// ValidateCredentialSecurity checks if credentials are stored securely
func ValidateCredentialSecurity(cfg *Config) []string {
	var warnings []string

	if cfg.Source.AccessKeyID != "" || cfg.Source.SecretKey != "" {
		warnings = append(warnings, "AWS credentials found in configuration file - consider using environment variables or IAM roles")
	}

	if strings.Contains(cfg.Source.URL, "@") {
		warnings = append(warnings, "whitelist source URL embeds credentials")
	}

	configPath := os.Getenv(EnvConfigPath)
	if configPath != "" && (strings.Contains(configPath, "key") || strings.Contains(configPath, "secret")) {
		warnings = append(warnings, "Config file path contains potential credentials")
	}

	for _, warning := range warnings {
		logrus.Warn(fmt.Sprintf("SECURITY: %s", warning))
	}

	return warnings
}
