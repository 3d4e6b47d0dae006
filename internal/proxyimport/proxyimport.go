// Package proxyimport ingests operator-supplied proxy endpoint lists:
// one URI per line, parsed, password-encrypted, and upserted against the
// (scheme, host, port, username) identity under a conflict policy.
package proxyimport

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/image-random-service/internal/models"
	"github.com/user/image-random-service/internal/outbound"
	"github.com/user/image-random-service/internal/redact"
	"github.com/user/image-random-service/internal/repository"
	"github.com/user/image-random-service/internal/secretvault"
)

// Policy decides what happens when an imported URI collides with an
// existing endpoint's identity.
type Policy string

const (
	// PolicySkip leaves the existing row untouched.
	PolicySkip Policy = "skip"
	// PolicyOverwrite replaces the stored password and source.
	PolicyOverwrite Policy = "overwrite"
)

// ParsePolicy validates a policy string from an import request.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicySkip, PolicyOverwrite:
		return Policy(s), nil
	case "":
		return PolicySkip, nil
	default:
		return "", fmt.Errorf("unsupported conflict_policy")
	}
}

// Summary reports an import's outcome. Errors carry the offending line and
// the parse failure; in the line, the password of any http, https, socks4 or
// socks5 URI is replaced with "***" while the username is kept, and URIs with
// other schemes are reported unchanged.
type Summary struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors"`
}

// Import parses text (one proxy URI per line, blank lines ignored) and
// upserts each endpoint. Passwords are encrypted through vault before any
// row is written; an endpoint without userinfo stores an empty ciphertext.
func Import(ctx context.Context, repo repository.ProxyEndpointRepository, vault *secretvault.Vault, text, source string, policy Policy) (*Summary, error) {
	if source == "" {
		source = "manual"
	}
	summary := &Summary{Errors: []string{}}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts, err := outbound.ParseProxyURI(line)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", redact.ProxyURI(line), err))
			continue
		}

		var passwordEnc []byte
		if parts.HasAuth && parts.Password != "" {
			passwordEnc, err = vault.Encrypt(parts.Password)
			if err != nil {
				return nil, fmt.Errorf("encrypt proxy password: %w", err)
			}
		} else {
			passwordEnc = []byte("")
		}

		existing, err := repo.FindByIdentity(ctx, parts.Scheme, parts.Host, parts.Port, parts.Username)
		if err != nil {
			return nil, err
		}

		if existing != nil {
			if policy == PolicySkip {
				summary.Skipped++
				continue
			}
			err := repo.Update(ctx, existing.ID, map[string]any{
				"password_enc": passwordEnc,
				"source":       source,
			})
			if err != nil {
				return nil, err
			}
			summary.Updated++
			continue
		}

		_, err = repo.Insert(ctx, &models.ProxyEndpoint{
			Scheme:      models.ProxyScheme(parts.Scheme),
			Host:        parts.Host,
			Port:        parts.Port,
			Username:    parts.Username,
			PasswordEnc: passwordEnc,
			Enabled:     true,
			Source:      source,
		})
		if err != nil {
			return nil, err
		}
		summary.Created++
	}

	return summary, nil
}
