package config

import (
	"fmt"
	"os"

	"github.com/nexusgate/nexusgate/internal/crypto"
)

// MasterPassphraseEnv is the environment variable holding the passphrase
// used to derive the AES-256-GCM key for enc:v1: secret values. It is read
// directly from the environment rather than through a cfg field so it can
// never be echoed by chu.MarshalMap or the structured config-loaded log line.
const MasterPassphraseEnv = "NEXUSGATE_MASTER_PASSPHRASE"

// ResolveSecrets walks every field in cfg that may carry an enc:v1:-prefixed
// value and decrypts it in place. Plaintext values pass through unchanged,
// so a config file can mix encrypted and plaintext secrets freely.
//
// If no provider/channel field in cfg is actually encrypted, the master
// passphrase is never required — Decrypt only demands one when it sees the
// enc:v1: prefix.
func ResolveSecrets(cfg *Config) error {
	passphrase := os.Getenv(MasterPassphraseEnv)

	decrypt := func(field *string) error {
		if *field == "" || !crypto.IsEncrypted(*field) {
			return nil
		}
		if passphrase == "" {
			return fmt.Errorf("%s is unset but config contains enc:v1: values", MasterPassphraseEnv)
		}
		plain, err := crypto.Decrypt(*field, passphrase)
		if err != nil {
			return err
		}
		*field = plain
		return nil
	}

	for key, p := range cfg.Providers {
		if err := decrypt(&p.APIKey); err != nil {
			return fmt.Errorf("provider %q api_key: %w", key, err)
		}
		for hk, hv := range p.ExtraHeaders {
			v := hv
			if err := decrypt(&v); err != nil {
				return fmt.Errorf("provider %q extra_header %q: %w", key, hk, err)
			}
			p.ExtraHeaders[hk] = v
		}
		cfg.Providers[key] = p
	}

	if cfg.Channels.Telegram != nil {
		if err := decrypt(&cfg.Channels.Telegram.BotToken); err != nil {
			return fmt.Errorf("channels.telegram.bot_token: %w", err)
		}
	}
	if cfg.Channels.Discord != nil {
		if err := decrypt(&cfg.Channels.Discord.BotToken); err != nil {
			return fmt.Errorf("channels.discord.bot_token: %w", err)
		}
	}
	if cfg.Channels.Slack != nil {
		if err := decrypt(&cfg.Channels.Slack.BotToken); err != nil {
			return fmt.Errorf("channels.slack.bot_token: %w", err)
		}
	}
	if cfg.Channels.Email != nil {
		if err := decrypt(&cfg.Channels.Email.Password); err != nil {
			return fmt.Errorf("channels.email.password: %w", err)
		}
	}

	for i := range cfg.Auth.Tokens {
		if err := decrypt(&cfg.Auth.Tokens[i].Token); err != nil {
			return fmt.Errorf("auth.tokens[%d]: %w", i, err)
		}
	}

	return nil
}

// EncryptSecret is the inverse of the decryption in ResolveSecrets: it turns
// a plaintext secret into its enc:v1: form for writing to a config file.
// The PATCH /config handler does not call it; patched values are stored as
// supplied.
func EncryptSecret(plaintext string) (string, error) {
	passphrase := os.Getenv(MasterPassphraseEnv)
	if passphrase == "" {
		return "", fmt.Errorf("%s is unset, cannot encrypt secret", MasterPassphraseEnv)
	}
	return crypto.Encrypt(plaintext, passphrase)
}
