package config

import "fmt"

// ValidationIssue describes one problem found in a configuration.
type ValidationIssue struct {
	Field   string
	Message string
}

// ValidationResult aggregates errors and warnings from Validate.
type ValidationResult struct {
	Errors   []ValidationIssue
	Warnings []ValidationIssue
}

// IsValid reports whether no hard errors were found.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) addError(field, msg string) {
	r.Errors = append(r.Errors, ValidationIssue{Field: field, Message: msg})
}

func (r *ValidationResult) addWarning(field, msg string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Field: field, Message: msg})
}

// Validate checks a configuration for inconsistencies.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	srv := cfg.GetServer()
	ports := map[string]int{
		"server.chat_port":  srv.ChatPort,
		"server.voice_port": srv.VoicePort,
		"server.api_port":   srv.APIPort,
	}
	seen := make(map[int]string)
	for field, port := range ports {
		if port < 1 || port > 65535 {
			result.addError(field, fmt.Sprintf("port %d out of range", port))
			continue
		}
		if other, dup := seen[port]; dup {
			result.addError(field, fmt.Sprintf("port %d already used by %s", port, other))
		}
		seen[port] = field
	}

	if srv.VoiceMaxFrame <= 0 {
		result.addError("server.voice_max_frame_bytes", "must be positive")
	}

	auth := cfg.GetAuth()
	if auth.LoginMaxAttempts < 1 {
		result.addError("auth.login_max_attempts", "must be at least 1")
	}
	if auth.ChallengeVariant < 1 || auth.ChallengeVariant > 3 {
		result.addError("auth.challenge_variant", "must be 1, 2 or 3")
	}
	if auth.HandshakeTimeoutSec < 1 {
		result.addWarning("auth.handshake_timeout_sec", "handshake timeout disabled")
	}

	app := cfg.GetApplication()
	if app.MQTT.Enabled && app.MQTT.BrokerURL == "" {
		result.addError("application.mqtt.broker_url", "required when mqtt is enabled")
	}
	if app.Security.TLSEnabled && (app.Security.TLSCertFile == "" || app.Security.TLSKeyFile == "") {
		result.addWarning("application.security", "tls enabled without cert/key, a self-signed pair will be generated")
	}

	return result
}
