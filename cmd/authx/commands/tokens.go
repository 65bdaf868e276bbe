package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	authx "github.com/bionicotaku/citydash-authx"
	"github.com/spf13/cobra"
)

// NewKeygenCmd creates the keygen command.
func NewKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an HMAC signing secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := authx.GenerateHMACSecret()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	}
}

// NewIssueCmd creates the issue command.
func NewIssueCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		attrs   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a session token",
		Long:  "Issue a signed session token for a subject that has already been authenticated elsewhere.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			a, err := setup(cmd.Context(), opts, true, false, false)
			if err != nil {
				return err
			}
			defer a.close()

			token, err := a.service.IssueFor(subject, attributes, ttl)
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), newTokenResponse(token))
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Subject (principal id) of the token")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "Attribute as key=value (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default from config)")
	return cmd
}

// NewValidateCmd creates the validate command.
func NewValidateCmd(opts *rootOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token = tokenFromFlagOrEnv(token)
			if token == "" {
				return fmt.Errorf("--token (or AUTHX_TOKEN) is required")
			}
			a, err := setup(cmd.Context(), opts, true, false, false)
			if err != nil {
				return err
			}
			defer a.close()

			claims, err := a.service.Validate(cmd.Context(), token)
			if err != nil {
				code := authx.CodeOf(err)
				fmt.Fprintf(cmd.OutOrStdout(), "invalid (%s)\n", code)
				return err
			}
			printClaims(cmd.OutOrStdout(), claims)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Token to validate (env AUTHX_TOKEN)")
	return cmd
}

// NewRevokeCmd creates the revoke command.
func NewRevokeCmd(opts *rootOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a session token in the shared denylist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token = tokenFromFlagOrEnv(token)
			if token == "" {
				return fmt.Errorf("--token (or AUTHX_TOKEN) is required")
			}
			a, err := setup(cmd.Context(), opts, true, true, false)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.service.Revoke(cmd.Context(), token); err != nil {
				return fmt.Errorf("failed to revoke token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "revoked")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Token to revoke (env AUTHX_TOKEN)")
	return cmd
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func newTokenResponse(token *authx.Token) tokenResponse {
	return tokenResponse{
		AccessToken: token.Value,
		TokenType:   token.Type,
		ExpiresIn:   int64(token.ExpiresIn.Seconds()),
		ExpiresAt:   token.ExpiresAt,
	}
}

func parseAttributes(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid attribute %q, want key=value", pair)
		}
		if _, exists := out[key]; exists {
			return nil, fmt.Errorf("duplicate attribute %q", key)
		}
		out[key] = value
	}
	return out, nil
}

func tokenFromFlagOrEnv(token string) string {
	if token != "" {
		return strings.TrimSpace(token)
	}
	return strings.TrimSpace(os.Getenv("AUTHX_TOKEN"))
}

func printClaims(w io.Writer, claims *authx.Claims) {
	fmt.Fprintln(w, "== Token Verified ==")
	fmt.Fprintf(w, "subject      : %s\n", claims.Subject)
	if claims.Issuer != "" {
		fmt.Fprintf(w, "issuer       : %s\n", claims.Issuer)
	}
	fmt.Fprintf(w, "token_id     : %s\n", claims.TokenID)
	fmt.Fprintf(w, "issued_at    : %s\n", claims.IssuedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "expires_at   : %s\n", claims.ExpiresAt.Format(time.RFC3339))
	if len(claims.Attributes) > 0 {
		fmt.Fprintln(w, "attributes:")
		keys := make([]string, 0, len(claims.Attributes))
		for k := range claims.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, claims.Attributes[k])
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
