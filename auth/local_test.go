package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalAuthorizer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cases := []struct {
		name     string
		cfg      OPAConfig
		policy   string
		input    Input
		expected bool
	}{
		{
			name: "permits everything when the policy defaults to true",
			cfg: OPAConfig{
				Query: "data.linegate.authz.allow",
			},
			policy: "testdata/allow_all.rego",
			input: Input{
				Method: http.MethodGet,
				Path:   "/send",
			},
			expected: true,
		},
		{
			name: "health probes may read the status endpoints",
			cfg: OPAConfig{
				Query: "data.linegate.authz.allow",
			},
			policy: "testdata/policy.rego",
			input: Input{
				Method: http.MethodGet,
				Path:   "/_/health",
			},
			expected: true,
		},
		{
			name: "an anonymous caller cannot reach the gateway",
			cfg: OPAConfig{
				Query: "data.linegate.authz.allow",
			},
			policy: "testdata/policy.rego",
			input: Input{
				Method: http.MethodGet,
				Path:   "/send",
			},
			expected: false,
		},
		{
			name: "a trusted token can query the worker",
			cfg: OPAConfig{
				Query: "data.linegate.authz.allow",
			},
			policy: "testdata/policy.rego",
			input: Input{
				Method:        http.MethodGet,
				Path:          "/send",
				Authorization: "Bearer trusted-token",
			},
			expected: true,
		},
		{
			name: "the raw body can carry a service override",
			cfg: OPAConfig{
				Query: "data.linegate.authz.allow",
			},
			policy: "testdata/policy.rego",
			input: Input{
				Method:  http.MethodPost,
				Path:    "/send",
				RawBody: "maintenance",
			},
			expected: true,
		},
		{
			name: "the parsed JSON body can name a permitted caller",
			cfg: OPAConfig{
				Query: "data.linegate.authz.allow",
			},
			policy: "testdata/policy.rego",
			input: Input{
				Method: http.MethodPost,
				Path:   "/send",
				Body:   json.RawMessage(`{"caller": "scheduler"}`),
			},
			expected: true,
		},
		{
			name: "policies can implement basic auth",
			cfg: OPAConfig{
				Query: "data.linegate.authz.basic.allow",
			},
			policy: "testdata/basic_auth.rego",
			input: Input{
				Method:        http.MethodGet,
				Path:          "/send",
				Authorization: "Basic " + base64.StdEncoding.EncodeToString([]byte("operator:op-secret")),
			},
			expected: true,
		},
		{
			name: "basic auth rejects a wrong password",
			cfg: OPAConfig{
				Query: "data.linegate.authz.basic.allow",
			},
			policy: "testdata/basic_auth.rego",
			input: Input{
				Method:        http.MethodGet,
				Path:          "/send",
				Authorization: "Basic " + base64.StdEncoding.EncodeToString([]byte("operator:wrong")),
			},
			expected: false,
		},
		{
			name: "merged policies evaluate basic auth",
			cfg: OPAConfig{
				Query: "data.linegate.authz.basic.allow",
			},
			policy: "testdata/basic_auth.rego,testdata/policy.rego",
			input: Input{
				Method:        http.MethodGet,
				Path:          "/send",
				Authorization: "Basic " + base64.StdEncoding.EncodeToString([]byte("operator:op-secret")),
			},
			expected: true,
		},
		{
			name: "merged policies evaluate token auth",
			cfg: OPAConfig{
				Query: "data.linegate.authz.allow",
			},
			policy: "testdata/basic_auth.rego,testdata/policy.rego",
			input: Input{
				Method:        http.MethodGet,
				Path:          "/send",
				Authorization: "Bearer trusted-token",
			},
			expected: true,
		},
		{
			name: "policies can verify an HMAC signature",
			cfg: OPAConfig{
				Debug: true,
				Query: "data.linegate.authz.hmac.allow",
			},
			policy: "testdata/hmac_auth.rego",
			input: Input{
				Method:        http.MethodPost,
				Path:          "/send",
				RawBody:       `{"q": "hello world"}`,
				Authorization: signRequest("wire-secret", `ts=2026-01-01T00:00:00Z,path=/send,method=POST,body={"q": "hello world"}`),
				Headers: http.Header{
					"X-Signature-Timestamp": []string{"2026-01-01T00:00:00Z"},
				},
				// the key arrives as a mounted secret named "hmac_key"
				Data: map[string]string{
					"hmac_key": "wire-secret",
				},
			},
			expected: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			policy := LoadPolicy(tc.policy)

			opa, err := NewLocalAuthorizer(policy, tc.cfg)
			require.NoError(t, err)

			result, err := opa.Allowed(ctx, tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.expected, result)
		})
	}
}

func TestLoadPolicy_ResolvesSecretNamesFromMountPath(t *testing.T) {
	dir := t.TempDir()
	policy := "package linegate.authz\n\ndefault allow = true\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gateway-policy.rego"), []byte(policy), 0600))

	t.Setenv("secret_mount_path", dir)

	// no slash in the name, so it must resolve against the mount path
	opa, err := NewLocalAuthorizer(LoadPolicy("gateway-policy.rego"), OPAConfig{
		Query: "data.linegate.authz.allow",
	})
	require.NoError(t, err)

	allowed, err := opa.Allowed(context.Background(), Input{
		Method: http.MethodGet,
		Path:   "/send",
	})
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestOPAConfigFromEnv(t *testing.T) {
	t.Setenv(OPAQueryEnv, "data.linegate.authz.allow")
	t.Setenv(OPADebugEnv, "true")

	cfg := OPAConfigFromEnv()

	require.Equal(t, "data.linegate.authz.allow", cfg.Query)
	require.True(t, cfg.Debug)
}

func TestInputConfigFromEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hmac_key"), []byte("wire-secret"), 0600))

	t.Setenv("secret_mount_path", dir)
	t.Setenv(OPAIncludeRawBodyEnv, "true")
	t.Setenv(OPAIncludeHeadersEnv, "true")
	t.Setenv(OPAInputSecretsEnv, "hmac_key")
	t.Setenv(OPAInputPrefixEnv+"ROLE", "scheduler")

	cfg, err := InputConfigFromEnv()
	require.NoError(t, err)

	require.True(t, cfg.IncludeRawBody)
	require.True(t, cfg.IncludeHeaders)
	require.False(t, cfg.IncludeJSONBody)
	require.Equal(t, "text/plain", cfg.ErrorContentType)
	require.Equal(t, "wire-secret", cfg.AdditionalData["hmac_key"])
	require.Equal(t, "scheduler", cfg.AdditionalData["ROLE"])
}

func signRequest(key, data string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(data))

	return fmt.Sprintf("%x", mac.Sum(nil))
}
