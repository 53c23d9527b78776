package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// credentials is one resolved auth.json entry
type credentials struct {
	Username string
	Password string
}

func (c credentials) encode() string {
	return base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
}

// authFile mirrors the containers-auth on-disk shape
type authFile struct {
	Auths map[string]authEntry `json:"auths"`
}

type authEntry struct {
	Auth     string `json:"auth"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func defaultAuthPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "containers", "auth.json")
}

// loadCredentials reads the containers auth.json and resolves the entry
// for the registry host. Entries keyed by "host" and "https://host" are
// both accepted; the host is matched lowercased with any explicit port
// preserved.
func loadCredentials(path, host string) (credentials, string) {
	var creds credentials
	if path == "" {
		return creds, CodeAuthMissing
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return creds, CodeAuthMissing
	}
	if err != nil {
		return creds, CodeIOError
	}
	var file authFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return creds, CodeAuthParse
	}
	host = strings.ToLower(host)
	entry, ok := file.Auths[host]
	if !ok {
		entry, ok = file.Auths["https://"+host]
	}
	if !ok {
		return creds, CodeAuthMissing
	}
	if entry.Auth != "" {
		decoded, err := base64.StdEncoding.DecodeString(entry.Auth)
		if err != nil {
			return creds, CodeAuthParse
		}
		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return creds, CodeAuthParse
		}
		return credentials{Username: user, Password: pass}, ""
	}
	if entry.Username == "" || entry.Password == "" {
		return creds, CodeAuthParse
	}
	return credentials{Username: entry.Username, Password: entry.Password}, ""
}

// parseChallenge splits a WWW-Authenticate value into its scheme and
// key="value" parameters. The scheme comes back lowercased.
func parseChallenge(header string) (string, map[string]string) {
	params := map[string]string{}
	header = strings.TrimSpace(header)
	if header == "" {
		return "", params
	}
	scheme, rest, _ := strings.Cut(header, " ")
	for _, part := range strings.Split(rest, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		params[strings.ToLower(key)] = strings.Trim(val, `"`)
	}
	return strings.ToLower(scheme), params
}

// tokenResponse covers both token field spellings registries use
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// fetchBearerToken exchanges Basic credentials for a bearer token at the
// challenge realm. The exchange has its own short timeout independent of
// the manifest HEAD.
func fetchBearerToken(ctx context.Context, realm, service, scope string, creds credentials) (string, string) {
	u, err := url.Parse(realm)
	if err != nil {
		return "", CodeChallengeParse
	}
	q := u.Query()
	if service != "" {
		q.Set("service", service)
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, bearerTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", CodeIOError
	}
	req.SetBasicAuth(creds.Username, creds.Password)

	client := &http.Client{Timeout: bearerTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", classifyNetErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", CodeUnauthorized
	}
	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", CodeJSONError
	}
	token := body.Token
	if token == "" {
		token = body.AccessToken
	}
	if token == "" {
		return "", CodeJSONError
	}
	return token, ""
}
