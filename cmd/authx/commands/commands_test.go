package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	authx "github.com/bionicotaku/citydash-authx"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(testContext(t))
	return out.String(), err
}

func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTHX_CONFIG", "")
	t.Setenv("AUTHX_SIGNING_SECRET", testSecret)
	t.Setenv("AUTHX_SIGNING_KEY_FILE", "")
	t.Setenv("AUTHX_ALGORITHM", "")
	t.Setenv("AUTHX_KEY_ID", "")
	t.Setenv("AUTHX_ISSUER", "citydash-test")
	t.Setenv("AUTHX_REDIS_URL", "")
	t.Setenv("AUTHX_TOKEN", "")
}

func TestKeygen(t *testing.T) {
	out, err := runCmd(t, "keygen")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	secret := strings.TrimSpace(out)
	if len(secret) < authx.MinHMACSecretLength {
		t.Fatalf("secret too short: %q", secret)
	}
}

func TestIssueThenValidate(t *testing.T) {
	setTestEnv(t)

	out, err := runCmd(t, "issue", "--subject", "user-42", "--attr", "role=citizen", "--attr", "name=Alice", "--ttl", "5m")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	var resp tokenResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode issue output %q: %v", out, err)
	}
	if resp.TokenType != "Bearer" || resp.ExpiresIn != 300 || resp.AccessToken == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	out, err = runCmd(t, "validate", "--token", resp.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"subject      : user-42", "issuer       : citydash-test", "role: citizen", "name: Alice"} {
		if !strings.Contains(out, want) {
			t.Fatalf("validate output missing %q:\n%s", want, out)
		}
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	setTestEnv(t)

	out, err := runCmd(t, "issue", "--subject", "user-42")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	var resp tokenResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode issue output: %v", err)
	}

	t.Setenv("AUTHX_SIGNING_SECRET", "ffffffffffffffffffffffffffffffff")
	out, err = runCmd(t, "validate", "--token", resp.AccessToken)
	if !authx.IsCode(err, authx.ErrCodeInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	if !strings.Contains(out, "invalid (invalid_signature)") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestIssueRequiresSubject(t *testing.T) {
	setTestEnv(t)
	if _, err := runCmd(t, "issue"); err == nil {
		t.Fatal("expected error without --subject")
	}
}

func TestRevokeRequiresRedis(t *testing.T) {
	setTestEnv(t)
	_, err := runCmd(t, "revoke", "--token", "a.b.c")
	if err == nil || !strings.Contains(err.Error(), "AUTHX_REDIS_URL") {
		t.Fatalf("expected redis requirement error, got %v", err)
	}
}

func TestParseAttributes(t *testing.T) {
	attrs, err := parseAttributes([]string{"role=operator", "district=north=east"})
	if err != nil {
		t.Fatalf("parseAttributes: %v", err)
	}
	if attrs["role"] != "operator" || attrs["district"] != "north=east" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}

	for _, bad := range [][]string{{"role"}, {"=x"}, {"a=1", "a=2"}} {
		if _, err := parseAttributes(bad); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}

	attrs, err = parseAttributes(nil)
	if err != nil || attrs != nil {
		t.Fatalf("expected nil attributes, got %v, %v", attrs, err)
	}
}

// testContext mirrors testing.T.Context (Go 1.24+): a context canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
