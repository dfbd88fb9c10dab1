package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"syscall"
)

// secretPatterns match config lines that carry a non-empty secret
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*(password|encryption_key)\s*[=:]\s*["']?[^"'\s]`),
	regexp.MustCompile(`(?m)^\s*dsn\s*[=:].*(password=|://[^/@\s]+:[^/@\s]+@)`),
}

// ConfigFileSecurity checks the config file itself before it is read
type ConfigFileSecurity struct {
	securityValidator *SecurityValidator
}

// NewConfigFileSecurity creates a new configuration file security handler
func NewConfigFileSecurity() *ConfigFileSecurity {
	return &ConfigFileSecurity{
		securityValidator: NewSecurityValidator(),
	}
}

// ContainsSensitiveData reports whether content carries secrets in clear
func (cfs *ConfigFileSecurity) ContainsSensitiveData(content []byte) bool {
	for _, re := range secretPatterns {
		if re.Match(content) {
			return true
		}
	}
	return false
}

// ValidateConfigFileSecurity refuses config files that are oversized,
// world-writable, owned by another user, or readable by others while
// holding secrets
func (cfs *ConfigFileSecurity) ValidateConfigFileSecurity(filePath string) error {
	if filePath == "" {
		return fmt.Errorf("config file path cannot be empty")
	}
	if err := cfs.securityValidator.CheckPathTraversal(filePath); err != nil {
		return fmt.Errorf("config file path validation failed: %w", err)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("config file does not exist: %w", err)
	}
	if err := cfs.securityValidator.ValidateConfigFileSize(filePath); err != nil {
		return err
	}

	mode := info.Mode().Perm()
	if mode&0002 != 0 {
		return fmt.Errorf("config file %s is world-writable (%s)", filePath, mode)
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("cannot read config file: %w", err)
	}
	if cfs.ContainsSensitiveData(content) && mode&0077 != 0 {
		return fmt.Errorf("config file %s contains secrets but is readable by group or others (%s); use MAILCORE_* variables or chmod 600",
			filePath, mode)
	}

	return cfs.validateFileOwnership(info, filePath)
}

// validateFileOwnership accepts files owned by the current user or root
func (cfs *ConfigFileSecurity) validateFileOwnership(info os.FileInfo, filePath string) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	uid := os.Getuid()
	if int(stat.Uid) != uid && stat.Uid != 0 {
		return fmt.Errorf("file %s is not owned by current user (owner: %d, current: %d)", filePath, stat.Uid, uid)
	}
	return nil
}

// CreateSecureConfigFile writes content with 0600 permissions when it holds
// secrets and 0644 otherwise
func (cfs *ConfigFileSecurity) CreateSecureConfigFile(filePath string, content []byte, containsSensitiveData bool) error {
	if filePath == "" {
		return fmt.Errorf("config file path cannot be empty")
	}
	if err := cfs.securityValidator.ValidatePath(filePath, "config_file"); err != nil {
		return fmt.Errorf("invalid config file path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var fileMode os.FileMode = 0644
	if containsSensitiveData {
		fileMode = 0600
	}
	if err := os.WriteFile(filePath, content, fileMode); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	// WriteFile leaves the mode of an existing file alone
	if err := os.Chmod(filePath, fileMode); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", filePath, err)
	}
	return nil
}
