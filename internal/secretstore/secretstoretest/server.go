// Package secretstoretest provides an in-process fake secrets backend that
// speaks the subset of the OpenBao/Vault HTTP API used by the operator.
package secretstoretest

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/dc-tec/devstack-operator/internal/secretstore"
)

// Operation names counted by the server.
const (
	OpHealth                = "health"
	OpInit                  = "init"
	OpUnseal                = "unseal"
	OpLookupSelf            = "lookup-self"
	OpListMounts            = "list-mounts"
	OpEnableMount           = "enable-mount"
	OpListAuth              = "list-auth"
	OpEnableAuth            = "enable-auth"
	OpWritePolicy           = "write-policy"
	OpWriteDatabaseConfig   = "write-database-config"
	OpWriteDatabaseRole     = "write-database-role"
	OpReadDatabaseRole      = "read-database-role"
	OpReadKV                = "read-kv"
	OpReadKVMetadata        = "read-kv-metadata"
	OpWriteKV               = "write-kv"
	OpReadKubernetesConfig  = "read-kubernetes-auth-config"
	OpWriteKubernetesConfig = "write-kubernetes-auth-config"
	OpWriteKubernetesRole   = "write-kubernetes-role"
)

type kvEntry struct {
	data    map[string]string
	version int
	deleted bool
}

// Server is a stateful fake backend. The zero value is not usable; call New.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	initialized bool
	sealed      bool
	keys        [][]byte
	threshold   int
	rootToken   string
	provided    map[string]struct{}
	generation  int

	mounts       map[string]secretstore.MountOutput
	auths        map[string]secretstore.MountOutput
	policies     map[string]string
	dbConfigs    map[string]secretstore.DatabaseConfig
	dbRoles      map[string]secretstore.DatabaseRole
	kv           map[string]*kvEntry
	k8sConfig    *secretstore.KubernetesAuthConfig
	k8sRoles     map[string]secretstore.KubernetesRole
	kvConflicts  map[string]map[string]string
	calls        map[string]int
	unavailable  bool
	rejectUnseal bool
}

// New starts a fake backend in the uninitialized state and stops it when the
// test ends.
func New(tb testing.TB) *Server {
	tb.Helper()
	s := &Server{calls: make(map[string]int)}
	s.resetLocked()
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	tb.Cleanup(s.Close)
	return s
}

func (s *Server) resetLocked() {
	s.initialized = false
	s.sealed = true
	s.keys = nil
	s.threshold = 0
	s.rootToken = ""
	s.provided = make(map[string]struct{})
	s.mounts = map[string]secretstore.MountOutput{
		"sys":       {Type: "system"},
		"cubbyhole": {Type: "cubbyhole"},
		"identity":  {Type: "identity"},
	}
	s.auths = map[string]secretstore.MountOutput{"token": {Type: "token"}}
	s.policies = map[string]string{}
	s.dbConfigs = map[string]secretstore.DatabaseConfig{}
	s.dbRoles = map[string]secretstore.DatabaseRole{}
	s.kv = map[string]*kvEntry{}
	s.k8sConfig = nil
	s.k8sRoles = map[string]secretstore.KubernetesRole{}
	s.kvConflicts = map[string]map[string]string{}
}

// Wipe drops all persisted state, as if the backend's volume was deleted.
// The backend comes back uninitialized and sealed.
func (s *Server) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Initialize initializes the backend out of band and returns the generated
// material. The backend is left sealed.
func (s *Server) Initialize(shares, threshold int) *secretstore.InitResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initializeLocked(shares, threshold)
}

func (s *Server) initializeLocked(shares, threshold int) *secretstore.InitResponse {
	s.generation++
	s.initialized = true
	s.sealed = true
	s.threshold = threshold
	s.provided = make(map[string]struct{})
	s.keys = make([][]byte, shares)
	resp := &secretstore.InitResponse{}
	for i := range shares {
		key := fmt.Appendf(nil, "gen%d-share%d-0123456789abcdef", s.generation, i)
		s.keys[i] = key
		resp.Keys = append(resp.Keys, hex.EncodeToString(key))
		resp.KeysBase64 = append(resp.KeysBase64, base64.StdEncoding.EncodeToString(key))
	}
	s.rootToken = fmt.Sprintf("s.root-gen%d", s.generation)
	resp.RootToken = s.rootToken
	return resp
}

// Seal seals the backend, as a pod restart would.
func (s *Server) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	s.provided = make(map[string]struct{})
}

// Unseal unseals an initialized backend out of band.
func (s *Server) Unseal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		s.sealed = false
	}
}

// JoinRaft makes s a raft follower of leader: it shares the leader's seal
// and root token and starts sealed, so it accepts the leader's unseal keys.
func (s *Server) JoinRaft(leader *Server) {
	leader.mu.Lock()
	keys := slices.Clone(leader.keys)
	threshold, rootToken, initialized := leader.threshold, leader.rootToken, leader.initialized
	leader.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = initialized
	s.sealed = true
	s.keys = keys
	s.threshold = threshold
	s.rootToken = rootToken
	s.provided = make(map[string]struct{})
}

// RevokeRootToken invalidates the current root token.
func (s *Server) RevokeRootToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rootToken = fmt.Sprintf("s.rotated-gen%d", s.generation)
}

// RootToken returns the currently valid root token.
func (s *Server) RootToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootToken
}

// SetUnavailable makes every request fail with 502 until cleared.
func (s *Server) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = unavailable
}

// RejectUnsealKeys makes every unseal attempt fail with "invalid key".
func (s *Server) RejectUnsealKeys(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectUnseal = reject
}

// Status reports the initialized and sealed flags.
func (s *Server) Status() (initialized, sealed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized, s.sealed
}

// Calls returns how often op was served.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// ResetCalls zeroes the call log.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

// Mounts returns the enabled secrets engines.
func (s *Server) Mounts() map[string]secretstore.MountOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.mounts)
}

// AuthMethods returns the enabled auth methods.
func (s *Server) AuthMethods() map[string]secretstore.MountOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.auths)
}

// Policy returns a stored ACL policy.
func (s *Server) Policy(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[name]
	return p, ok
}

// DatabaseConfig returns a stored connection config.
func (s *Server) DatabaseConfig(name string) (secretstore.DatabaseConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.dbConfigs[name]
	return c, ok
}

// DatabaseRole returns a stored database role.
func (s *Server) DatabaseRole(name string) (secretstore.DatabaseRole, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.dbRoles[name]
	return r, ok
}

// KubernetesAuthConfig returns the stored kubernetes auth config.
func (s *Server) KubernetesAuthConfig() (secretstore.KubernetesAuthConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.k8sConfig == nil {
		return secretstore.KubernetesAuthConfig{}, false
	}
	return *s.k8sConfig, true
}

// KubernetesRole returns a stored kubernetes auth role.
func (s *Server) KubernetesRole(name string) (secretstore.KubernetesRole, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.k8sRoles[name]
	return r, ok
}

// KV returns the latest data and version stored at mount/path.
func (s *Server) KV(mount, path string) (map[string]string, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[mount+"/"+path]
	if !ok || e.deleted {
		return nil, 0, false
	}
	return maps.Clone(e.data), e.version, true
}

// DeleteKV soft-deletes the latest version at mount/path, as `kv delete`
// does. The version history, and with it the check-and-set version, stays.
func (s *Server) DeleteKV(mount, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.kv[mount+"/"+path]; ok {
		e.deleted = true
		e.data = nil
	}
}

// PutKV stores a KV version out of band.
func (s *Server) PutKV(mount, path string, data map[string]string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putKVLocked(mount+"/"+path, data)
}

// InjectKVConflict arranges for data to be written to mount/path by a
// competing writer immediately before the next write to that path is served.
func (s *Server) InjectKVConflict(mount, path string, data map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kvConflicts[mount+"/"+path] = maps.Clone(data)
}

func (s *Server) putKVLocked(key string, data map[string]string) int {
	e, ok := s.kv[key]
	if !ok {
		e = &kvEntry{}
		s.kv[key] = e
	}
	e.version++
	e.data = maps.Clone(data)
	e.deleted = false
	return e.version
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}

	segments, err := splitPath(r.URL.EscapedPath())
	if err != nil || len(segments) < 2 || segments[0] != "v1" {
		writeErrors(w, http.StatusNotFound)
		return
	}
	segments = segments[1:]

	switch {
	case match(segments, "sys", "health"):
		s.calls[OpHealth]++
		s.handleHealth(w)
		return
	case match(segments, "sys", "init"):
		s.calls[OpInit]++
		s.handleInit(w, r)
		return
	case match(segments, "sys", "unseal"):
		s.calls[OpUnseal]++
		s.handleUnseal(w, r)
		return
	}

	if s.sealed {
		writeErrors(w, http.StatusServiceUnavailable, "Vault is sealed")
		return
	}
	if token := r.Header.Get("X-Vault-Token"); token == "" || token != s.rootToken {
		writeErrors(w, http.StatusForbidden, "permission denied")
		return
	}

	switch {
	case match(segments, "auth", "token", "lookup-self"):
		s.calls[OpLookupSelf]++
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"id":       s.rootToken,
			"policies": []string{"root"},
			"ttl":      0,
		}})
	case match(segments, "sys", "mounts"):
		s.calls[OpListMounts]++
		writeJSON(w, http.StatusOK, map[string]any{"data": mountListing(s.mounts)})
	case len(segments) > 2 && segments[0] == "sys" && segments[1] == "mounts":
		s.calls[OpEnableMount]++
		s.handleEnable(w, r, s.mounts, strings.Join(segments[2:], "/"))
	case match(segments, "sys", "auth"):
		s.calls[OpListAuth]++
		writeJSON(w, http.StatusOK, map[string]any{"data": mountListing(s.auths)})
	case len(segments) > 2 && segments[0] == "sys" && segments[1] == "auth":
		s.calls[OpEnableAuth]++
		s.handleEnable(w, r, s.auths, strings.Join(segments[2:], "/"))
	case len(segments) == 4 && segments[0] == "sys" && segments[1] == "policies" && segments[2] == "acl":
		s.calls[OpWritePolicy]++
		s.handlePolicy(w, r, segments[3])
	case len(segments) >= 3 && segments[0] == "auth":
		s.handleKubernetesAuth(w, r, segments[1], segments[2:])
	default:
		s.handleMount(w, r, segments[0], segments[1:])
	}
}

func (s *Server) handleHealth(w http.ResponseWriter) {
	status := http.StatusOK
	switch {
	case !s.initialized:
		status = http.StatusNotImplemented
	case s.sealed:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, secretstore.HealthResponse{
		Initialized: s.initialized,
		Sealed:      s.sealed,
		Version:     "2.4.0",
		ClusterName: "fake",
	})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]bool{"initialized": s.initialized})
		return
	}
	if s.initialized {
		writeErrors(w, http.StatusBadRequest, "Vault is already initialized")
		return
	}
	var in secretstore.InitRequest
	if err := decode(r, &in); err != nil {
		writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.SecretShares < 1 || in.SecretThreshold < 1 || in.SecretThreshold > in.SecretShares {
		writeErrors(w, http.StatusBadRequest, "invalid seal configuration")
		return
	}
	writeJSON(w, http.StatusOK, s.initializeLocked(in.SecretShares, in.SecretThreshold))
}

func (s *Server) handleUnseal(w http.ResponseWriter, r *http.Request) {
	if !s.initialized {
		writeErrors(w, http.StatusBadRequest, "Vault is not initialized")
		return
	}
	var in struct {
		Key string `json:"key"`
	}
	if err := decode(r, &in); err != nil {
		writeErrors(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.sealed {
		idx := s.keyIndex(in.Key)
		if idx < 0 || s.rejectUnseal {
			writeErrors(w, http.StatusBadRequest, "Unseal failed, invalid key")
			return
		}
		s.provided[string(s.keys[idx])] = struct{}{}
		if len(s.provided) >= s.threshold {
			s.sealed = false
			s.provided = make(map[string]struct{})
		}
	}

	writeJSON(w, http.StatusOK, secretstore.UnsealResponse{
		Sealed:    s.sealed,
		Threshold: s.threshold,
		Shares:    len(s.keys),
		Progress:  len(s.provided),
	})
}

func (s *Server) keyIndex(candidate string) int {
	for i, key := range s.keys {
		if candidate == hex.EncodeToString(key) || candidate == base64.StdEncoding.EncodeToString(key) {
			return i
		}
	}
	return -1
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request, table map[string]secretstore.MountOutput, path string) {
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		writeErrors(w, http.StatusMethodNotAllowed)
		return
	}
	var in secretstore.MountInput
	if err := decode(r, &in); err != nil || in.Type == "" {
		writeErrors(w, http.StatusBadRequest, "missing type")
		return
	}
	path = strings.Trim(path, "/")
	if _, exists := table[path]; exists {
		writeErrors(w, http.StatusBadRequest, fmt.Sprintf("path is already in use at %s/", path))
		return
	}
	table[path] = secretstore.MountOutput{Type: in.Type, Options: maps.Clone(in.Options)}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request, name string) {
	var in struct {
		Policy string `json:"policy"`
	}
	if err := decode(r, &in); err != nil || strings.TrimSpace(in.Policy) == "" {
		writeErrors(w, http.StatusBadRequest, "policy document is required")
		return
	}
	s.policies[name] = in.Policy
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKubernetesAuth(w http.ResponseWriter, r *http.Request, mount string, rest []string) {
	if m, ok := s.auths[mount]; !ok || m.Type != "kubernetes" {
		writeErrors(w, http.StatusNotFound, "no handler for route")
		return
	}
	switch {
	case len(rest) == 1 && rest[0] == "config" && r.Method == http.MethodGet:
		s.calls[OpReadKubernetesConfig]++
		if s.k8sConfig == nil {
			writeErrors(w, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": s.k8sConfig})
	case len(rest) == 1 && rest[0] == "config":
		s.calls[OpWriteKubernetesConfig]++
		var cfg secretstore.KubernetesAuthConfig
		if err := decode(r, &cfg); err != nil || cfg.KubernetesHost == "" {
			writeErrors(w, http.StatusBadRequest, "no kubernetes_host provided")
			return
		}
		s.k8sConfig = &cfg
		w.WriteHeader(http.StatusNoContent)
	case len(rest) == 2 && rest[0] == "role":
		s.calls[OpWriteKubernetesRole]++
		var role secretstore.KubernetesRole
		if err := decode(r, &role); err != nil {
			writeErrors(w, http.StatusBadRequest, err.Error())
			return
		}
		if len(role.BoundServiceAccountNames) == 0 || len(role.BoundServiceAccountNamespaces) == 0 {
			writeErrors(w, http.StatusBadRequest, "bound_service_account_names and bound_service_account_namespaces are required")
			return
		}
		s.k8sRoles[rest[1]] = role
		w.WriteHeader(http.StatusNoContent)
	default:
		writeErrors(w, http.StatusNotFound, "unsupported path")
	}
}

func (s *Server) handleMount(w http.ResponseWriter, r *http.Request, mount string, rest []string) {
	m, ok := s.mounts[mount]
	if !ok || len(rest) < 2 {
		writeErrors(w, http.StatusNotFound, "no handler for route")
		return
	}

	switch {
	case m.Type == "database" && len(rest) == 2 && rest[0] == "config":
		s.handleDatabaseConfig(w, r, rest[1])
	case m.Type == "database" && len(rest) == 2 && rest[0] == "roles":
		s.handleDatabaseRole(w, r, rest[1])
	case m.Type == "kv" && rest[0] == "data":
		s.handleKV(w, r, mount+"/"+strings.Join(rest[1:], "/"))
	case m.Type == "kv" && rest[0] == "metadata" && r.Method == http.MethodGet:
		s.calls[OpReadKVMetadata]++
		s.handleKVMetadata(w, mount+"/"+strings.Join(rest[1:], "/"))
	default:
		writeErrors(w, http.StatusNotFound, "unsupported path")
	}
}

func (s *Server) handleDatabaseConfig(w http.ResponseWriter, r *http.Request, name string) {
	s.calls[OpWriteDatabaseConfig]++
	var cfg secretstore.DatabaseConfig
	if err := decode(r, &cfg); err != nil || cfg.PluginName == "" || cfg.ConnectionURL == "" {
		writeErrors(w, http.StatusBadRequest, "plugin_name and connection_url are required")
		return
	}
	s.dbConfigs[name] = cfg
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDatabaseRole(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method == http.MethodGet {
		s.calls[OpReadDatabaseRole]++
		role, ok := s.dbRoles[name]
		if !ok {
			writeErrors(w, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": role})
		return
	}

	s.calls[OpWriteDatabaseRole]++
	var role secretstore.DatabaseRole
	if err := decode(r, &role); err != nil || role.DBName == "" {
		writeErrors(w, http.StatusBadRequest, "empty database name attribute")
		return
	}
	if len(role.CreationStatements) == 0 {
		writeErrors(w, http.StatusBadRequest, "creation_statements are required")
		return
	}
	s.dbRoles[name] = role
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKV(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method == http.MethodGet {
		s.calls[OpReadKV]++
		e, ok := s.kv[key]
		if !ok {
			writeErrors(w, http.StatusNotFound)
			return
		}
		if e.deleted {
			writeJSON(w, http.StatusNotFound, map[string]any{"data": map[string]any{
				"data": nil,
				"metadata": map[string]any{
					"deletion_time": "2025-01-01T00:00:00Z",
					"destroyed":     false,
					"version":       e.version,
				},
			}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"data":     e.data,
			"metadata": map[string]int{"version": e.version},
		}})
		return
	}

	s.calls[OpWriteKV]++
	var in struct {
		Options map[string]int    `json:"options"`
		Data    map[string]string `json:"data"`
	}
	if err := decode(r, &in); err != nil || in.Data == nil {
		writeErrors(w, http.StatusBadRequest, "no data provided")
		return
	}

	if competing, ok := s.kvConflicts[key]; ok {
		delete(s.kvConflicts, key)
		s.putKVLocked(key, competing)
	}

	if cas, ok := in.Options["cas"]; ok {
		current := 0
		if e, exists := s.kv[key]; exists {
			current = e.version
		}
		if cas != current {
			writeErrors(w, http.StatusBadRequest, "check-and-set parameter did not match the current version")
			return
		}
	}

	version := s.putKVLocked(key, in.Data)
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]int{"version": version}})
}

func (s *Server) handleKVMetadata(w http.ResponseWriter, key string) {
	e, ok := s.kv[key]
	if !ok {
		writeErrors(w, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"current_version": e.version,
	}})
}

func mountListing(table map[string]secretstore.MountOutput) map[string]secretstore.MountOutput {
	out := make(map[string]secretstore.MountOutput, len(table))
	for _, path := range slices.Sorted(maps.Keys(table)) {
		out[path+"/"] = table[path]
	}
	return out
}

func match(segments []string, want ...string) bool {
	return slices.Equal(segments, want)
}

func splitPath(escaped string) ([]string, error) {
	parts := strings.Split(strings.Trim(escaped, "/"), "/")
	for i, p := range parts {
		unescaped, err := url.PathUnescape(p)
		if err != nil {
			return nil, err
		}
		parts[i] = unescaped
	}
	return parts, nil
}

func decode(r *http.Request, out any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return fmt.Errorf("empty request body")
	}
	return json.Unmarshal(body, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrors(w http.ResponseWriter, status int, messages ...string) {
	if messages == nil {
		messages = []string{}
	}
	writeJSON(w, status, map[string][]string{"errors": messages})
}
